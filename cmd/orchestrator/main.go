// Command orchestrator plans, prices and executes bundled service calls.
package main

import (
	"fmt"
	"math/big"

	"github.com/alecthomas/kong"

	"github.com/vitwit/x402-a2a/client"
	"github.com/vitwit/x402-a2a/internal/cli"
	"github.com/vitwit/x402-a2a/orchestrator"
	"github.com/vitwit/x402-a2a/services"
)

type CLI struct {
	cli.LogFlags         `embed:""`
	cli.PaymentFlags     `embed:""`
	cli.FacilitatorFlags `embed:""`

	Addr            string            `name:"addr" default:":5400" env:"ORCHESTRATOR_ADDR" help:"Listen address."`
	ResourceRootURL string            `name:"resource-root-url" default:"http://localhost:5400" env:"RESOURCE_ROOT_URL" help:"Public base URL used in payment requirements."`
	Endpoint        map[string]string `name:"endpoint" help:"service=url pairs; services without one use mock data."`
	LocalServices   bool              `name:"local-services" help:"Use the default localhost:5404-5408 service endpoints."`

	PayerKey  string `name:"payer-key" env:"ORCHESTRATOR_PAYER_KEY" help:"Key used to pay downstream services."`
	MaxAmount int64  `name:"max-amount" default:"100000" help:"Largest downstream payment the orchestrator signs."`
}

func main() {
	var c CLI
	kctx := kong.Parse(&c,
		kong.Name("orchestrator"),
		kong.Description("Turns user text into a paid plan of service calls."),
	)
	kctx.FatalIfErrorf(run(&c))
}

func run(c *CLI) error {
	log := c.Logger()
	defer cli.Sync(log)

	endpoints := make(map[string]string)
	if c.LocalServices {
		for _, name := range services.Names {
			endpoints[name] = fmt.Sprintf("http://localhost:%d/%s", services.DefaultPorts[name], name)
		}
	}
	for k, v := range c.Endpoint {
		endpoints[k] = v
	}

	var payer *client.Client
	if c.PayerKey != "" {
		signer, err := client.NewSigner(c.PayerKey,
			client.WithMaxAmount(big.NewInt(c.MaxAmount)),
			client.WithNetworks(c.NetworkName()),
		)
		if err != nil {
			return err
		}
		payer = client.New(signer, client.WithLogger(log))
	}

	srv, err := orchestrator.NewServer(orchestrator.Config{
		Facilitator:     c.Client(log),
		PayTo:           c.PayTo,
		Network:         c.NetworkName(),
		Asset:           c.Asset,
		ResourceRootURL: c.ResourceRootURL,
		Endpoints:       endpoints,
		Payer:           payer,
		Logger:          log,
	})
	if err != nil {
		return err
	}

	ctx, stop := cli.SignalContext()
	defer stop()
	return cli.Serve(ctx, c.Addr, srv, log)
}
