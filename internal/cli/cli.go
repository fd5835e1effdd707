// Package cli holds flag groups shared by the commands under cmd/.
package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/vitwit/x402-a2a/facilitatorclient"
	"github.com/vitwit/x402-a2a/logger"
	"github.com/vitwit/x402-a2a/types"
)

// LogFlags selects the zap logger.
type LogFlags struct {
	LogLevel string `name:"log-level" default:"info" enum:"debug,info,warn,error" env:"LOG_LEVEL" help:"Minimum log level."`
	Dev      bool   `name:"dev" env:"LOG_DEV" help:"Human readable development logs."`
}

func (f LogFlags) Logger() logger.Logger {
	if f.Dev {
		return logger.NewZapDevelopment(f.LogLevel)
	}
	return logger.NewZapLogger(f.LogLevel)
}

// Sync flushes l when it buffers.
func Sync(l logger.Logger) {
	if s, ok := l.(interface{ Sync() error }); ok {
		_ = s.Sync()
	}
}

// PaymentFlags describe where a resource server wants to be paid.
type PaymentFlags struct {
	PayTo   string `name:"pay-to" required:"" env:"PAY_TO" help:"Address that receives payments."`
	Network string `name:"network" default:"base-sepolia" env:"X402_NETWORK" help:"Payment network."`
	Asset   string `name:"asset" env:"X402_ASSET" help:"EIP-3009 token address, defaults to the network's USDC."`
}

func (f PaymentFlags) NetworkName() types.Network {
	return types.Network(f.Network)
}

// FacilitatorFlags point at a remote facilitator.
type FacilitatorFlags struct {
	FacilitatorURL string `name:"facilitator-url" default:"http://localhost:5401" env:"FACILITATOR_URL" help:"Facilitator base URL."`
}

func (f FacilitatorFlags) Client(l logger.Logger) *facilitatorclient.Client {
	return facilitatorclient.New(facilitatorclient.Config{URL: f.FacilitatorURL, Logger: l})
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// IgnoreClosed maps a clean shutdown to nil.
func IgnoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
