// Command agent is a paying client: it asks the orchestrator for a plan,
// signs the quoted price and executes the plan.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/vitwit/x402-a2a/client"
	"github.com/vitwit/x402-a2a/internal/cli"
	"github.com/vitwit/x402-a2a/logger"
	"github.com/vitwit/x402-a2a/orchestrator"
)

type CLI struct {
	cli.LogFlags `embed:""`

	Key             string        `name:"key" required:"" env:"PAYER_PRIVATE_KEY" help:"Payer private key (hex)."`
	OrchestratorURL string        `name:"orchestrator-url" default:"http://localhost:5400" env:"ORCHESTRATOR_URL" help:"Orchestrator base URL."`
	MaxAmount       int64         `name:"max-amount" default:"10000" help:"Refuse quotes above this many atomic units."`
	Timeout         time.Duration `name:"timeout" default:"60s" help:"Overall request timeout."`

	Text []string `arg:"" help:"What you want done, e.g. \"BTC news and weather in Tokyo\"."`
}

func main() {
	var c CLI
	kctx := kong.Parse(&c,
		kong.Name("agent"),
		kong.Description("Pays the orchestrator for a bundled plan over x402."),
	)
	kctx.FatalIfErrorf(run(&c))
}

func run(c *CLI) error {
	log := c.Logger()
	defer cli.Sync(log)

	signer, err := client.NewSigner(c.Key, client.WithMaxAmount(big.NewInt(c.MaxAmount)))
	if err != nil {
		return err
	}
	payer := client.New(signer, client.WithLogger(log))

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	base := strings.TrimRight(c.OrchestratorURL, "/")
	quote, err := requestQuote(ctx, base+"/process", strings.Join(c.Text, " "))
	if err != nil {
		return err
	}
	log.Info("quote received", logger.Fields{"services": len(quote.Plan.Services), "price": quote.Price.String()})

	reqs, err := signer.Choose(quote.Accepts)
	if err != nil {
		return fmt.Errorf("cannot pay quote of %s: %w", quote.Price, err)
	}

	body, err := json.Marshal(map[string]interface{}{"plan": quote.Plan})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/execute", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := payer.DoWithRequirements(req, reqs)
	if err != nil {
		return err
	}
	defer res.Response.Body.Close()

	raw, err := io.ReadAll(res.Response.Body)
	if err != nil {
		return err
	}
	if res.Response.StatusCode != http.StatusOK {
		return fmt.Errorf("execute returned %d: %s", res.Response.StatusCode, strings.TrimSpace(string(raw)))
	}
	if res.Receipt != nil {
		log.Info("payment settled", logger.Fields{
			"transaction": res.Receipt.Transaction,
			"network":     res.Receipt.Network,
			"paymentId":   res.Receipt.PaymentID,
		})
	}

	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		_, err = os.Stdout.Write(raw)
		return err
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(os.Stdout)
	return err
}

func requestQuote(ctx context.Context, url, text string) (*orchestrator.ProcessResponse, error) {
	body, err := json.Marshal(map[string]string{"userText": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("process returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var quote orchestrator.ProcessResponse
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return nil, err
	}
	if len(quote.Accepts) == 0 {
		return nil, errors.New("quote lists no payment options")
	}
	return &quote, nil
}

