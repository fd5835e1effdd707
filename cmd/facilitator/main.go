// Command facilitator verifies and settles x402 payments over HTTP.
package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	x402 "github.com/vitwit/x402-a2a"
	"github.com/vitwit/x402-a2a/facilitator"
	"github.com/vitwit/x402-a2a/internal/cli"
	"github.com/vitwit/x402-a2a/logger"
	"github.com/vitwit/x402-a2a/metrics"
	"github.com/vitwit/x402-a2a/types"
	"github.com/vitwit/x402-a2a/utils"
)

type CLI struct {
	cli.LogFlags `embed:""`

	Addr       string            `name:"addr" default:":5401" env:"FACILITATOR_ADDR" help:"Listen address."`
	Config     string            `name:"config" type:"existingfile" env:"X402_CONFIG" help:"JSON X402Config file."`
	RPC        map[string]string `name:"rpc" env:"X402_RPC" help:"network=rpc-url pairs, repeatable."`
	Simulate   []string          `name:"simulate" env:"X402_SIMULATE" help:"Networks settled in simulated mode." default:"base-sepolia"`
	PrivateKey string            `name:"private-key" env:"FACILITATOR_PRIVATE_KEY" help:"Key that submits transferWithAuthorization."`
	LedgerDSN  string            `name:"ledger-dsn" env:"LEDGER_DSN" help:"SQLite DSN for the payment ledger, empty keeps it in memory."`

	RateLimit     float64       `name:"rate-limit" default:"20" help:"Requests per second per client IP, 0 disables."`
	Burst         int           `name:"burst" default:"40" help:"Rate limiter burst."`
	SweepInterval time.Duration `name:"sweep-interval" default:"1m" help:"How often stale ledger entries are expired."`
}

func main() {
	var c CLI
	kctx := kong.Parse(&c,
		kong.Name("facilitator"),
		kong.Description("x402 facilitator for EIP-3009 payments on EVM networks."),
	)
	kctx.FatalIfErrorf(run(&c))
}

func run(c *CLI) error {
	log := c.Logger()
	defer cli.Sync(log)

	cfg, err := c.x402Config()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	x, err := x402.New(cfg,
		x402.WithLogger(log),
		x402.WithMetrics(metrics.NewPrometheusRecorder(reg)),
	)
	if err != nil {
		return err
	}
	defer x.Close()

	ctx, stop := cli.SignalContext()
	defer stop()

	if err := x.AddNetworksFromConfig(ctx); err != nil {
		return err
	}
	if len(x.Supported().Kinds) == 0 {
		return fmt.Errorf("no networks configured, use --rpc or --simulate")
	}
	for _, k := range x.Supported().Kinds {
		log.Info("network enabled", logger.Fields{"network": k.Network, "simulated": x.Simulated(types.Network(k.Network))})
	}

	srv := facilitator.NewServer(x, facilitator.Config{
		RateLimit: c.RateLimit,
		Burst:     c.Burst,
		Gatherer:  reg,
		Logger:    log,
	})
	go srv.RunSweeper(ctx, c.SweepInterval)

	return cli.Serve(ctx, c.Addr, srv, log)
}

// x402Config merges the optional config file with the flags.
func (c *CLI) x402Config() (*types.X402Config, error) {
	cfg := x402.DefaultConfig()
	if c.Config != "" {
		raw, err := os.ReadFile(c.Config)
		if err != nil {
			return nil, err
		}
		if cfg, err = utils.ParseX402Config(raw); err != nil {
			return nil, fmt.Errorf("%s: %w", c.Config, err)
		}
	}
	if cfg.Clients == nil {
		cfg.Clients = make(map[types.Network]types.ClientConfig)
	}
	if c.LedgerDSN != "" {
		cfg.LedgerDSN = c.LedgerDSN
	}
	cfg.LogLevel = c.LogLevel

	networks := make([]string, 0, len(c.RPC))
	for n := range c.RPC {
		networks = append(networks, n)
	}
	sort.Strings(networks)
	for _, n := range networks {
		cfg.Clients[types.Network(n)] = types.ClientConfig{
			Network:    types.Network(n),
			RPCUrl:     c.RPC[n],
			PrivateKey: c.PrivateKey,
		}
	}
	for _, n := range c.Simulate {
		if _, ok := cfg.Clients[types.Network(n)]; !ok {
			cfg.Clients[types.Network(n)] = types.ClientConfig{Network: types.Network(n)}
		}
	}
	return cfg, utils.Validator().Struct(cfg)
}

