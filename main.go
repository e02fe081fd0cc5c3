package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/awnumar/memguard"
	"github.com/joho/godotenv"
	cli "github.com/urfave/cli/v2"

	"github.com/teegate/teegate/attest"
)

const (
	exampleServe = "TEEGATE_JWT_SECRET=... teegate serve --listen :8443"
	exampleToken = "TEEGATE_JWT_SECRET=... teegate token --ttl 15m"
)

// main dispatches between serving the gateway and minting dev tokens.
func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	app := &cli.App{
		Name:  "teegate",
		Usage: "Attested websocket request gateway",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the gateway",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "listen", Aliases: []string{"l"}, Usage: "listen address (overrides TEEGATE_LISTEN)"},
				},
				Action: runServeCommand,
			},
			{
				Name:  "token",
				Usage: "Mint a bearer token for testing",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "ttl", Value: 15 * time.Minute, Usage: "token lifetime"},
					&cli.BoolFlag{Name: "subscribed", Usage: "set the subscribed claim"},
				},
				Action: runTokenCommand,
			},
			{
				Name:  "ping",
				Usage: "Probe a running gateway through the tunnel",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Value: "ws://127.0.0.1:8443/websocket", Usage: "gateway websocket endpoint"},
					&cli.StringFlag{Name: "token", Usage: "bearer token (minted from TEEGATE_JWT_SECRET when omitted)"},
					&cli.DurationFlag{Name: "timeout", Value: 10 * time.Second, Usage: "dial timeout"},
				},
				Action: runPingCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// runServeCommand loads configuration and serves until the listener fails.
func runServeCommand(c *cli.Context) error {
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return exitWithExample(err.Error(), exampleServe)
	}
	if listen := c.String("listen"); listen != "" {
		cfg.listenAddr = listen
	}

	key, err := cfg.noiseKey()
	if err != nil {
		return exitWithExample(err.Error(), exampleServe)
	}
	provider, err := attest.NewStaticProvider(key, cfg.platform, cfg.attestation, cfg.manifest, cfg.manifestBundle)
	if err != nil {
		return err
	}
	defer provider.Destroy()

	return newGateway(cfg, provider).run(cfg.listenAddr)
}

// runTokenCommand mints a token against the configured shared secret.
func runTokenCommand(c *cli.Context) error {
	_ = godotenv.Load()

	secret := os.Getenv("TEEGATE_JWT_SECRET")
	if secret == "" {
		return exitWithExample("TEEGATE_JWT_SECRET is required", exampleToken)
	}
	token, err := mintToken(secret, c.Duration("ttl"), c.Bool("subscribed"))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// runPingCommand dials the tunnel and round-trips a liveness probe.
func runPingCommand(c *cli.Context) error {
	_ = godotenv.Load()

	token := c.String("token")
	if token == "" {
		secret := os.Getenv("TEEGATE_JWT_SECRET")
		if secret == "" {
			return exitWithExample("--token or TEEGATE_JWT_SECRET is required", exampleToken)
		}
		var err error
		token, err = mintToken(secret, time.Minute, false)
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	client, err := dialTunnel(ctx, c.String("url"), token)
	if err != nil {
		return err
	}
	defer client.Close()

	body, err := client.Ping()
	if err != nil {
		return err
	}
	att := client.Attestation()
	fmt.Printf("%s (platform %s)\n", body, att.Platform)
	return nil
}

// exitWithExample formats an error message with an example invocation.
func exitWithExample(message, example string) error {
	return cli.Exit(fmt.Sprintf("%s\nExample: %s", message, example), 1)
}
