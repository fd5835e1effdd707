// Command services runs the paid mock microservices, one listener each.
package main

import (
	"fmt"
	"math/big"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/vitwit/x402-a2a/internal/cli"
	"github.com/vitwit/x402-a2a/logger"
	"github.com/vitwit/x402-a2a/services"
)

type CLI struct {
	cli.LogFlags         `embed:""`
	cli.PaymentFlags     `embed:""`
	cli.FacilitatorFlags `embed:""`

	Only  []string `name:"only" enum:"news,weather,ohlcv,nft,backtest" help:"Run only these services."`
	Host  string   `name:"host" default:"localhost" help:"Host used in resource URLs."`
	Price int64    `name:"price" default:"1000" help:"Price per call in atomic units."`
}

func main() {
	var c CLI
	kctx := kong.Parse(&c,
		kong.Name("services"),
		kong.Description("Paid news, weather, ohlcv, nft and backtest services."),
	)
	kctx.FatalIfErrorf(run(&c))
}

func run(c *CLI) error {
	log := c.Logger()
	defer cli.Sync(log)

	names := c.Only
	if len(names) == 0 {
		names = services.Names
	}
	facilitator := c.Client(log)

	ctx, stop := cli.SignalContext()
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		port := services.DefaultPorts[name]
		h, err := services.NewHandler(services.Config{
			Name:            name,
			Facilitator:     facilitator,
			PayTo:           c.PayTo,
			Network:         c.NetworkName(),
			Asset:           c.Asset,
			Price:           big.NewInt(c.Price),
			ResourceRootURL: fmt.Sprintf("http://%s:%d", c.Host, port),
			Logger:          log,
		})
		if err != nil {
			return err
		}
		addr := fmt.Sprintf(":%d", port)
		l := log.With(logger.Fields{"service": name})
		g.Go(func() error { return cli.Serve(ctx, addr, h, l) })
	}
	return g.Wait()
}
