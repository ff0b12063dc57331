package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"mechx/internal/app"
	"mechx/internal/config"
	"mechx/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cliApp := &cli.App{
		Name:  "mechx",
		Usage: "Send requests to mechs through the marketplace and wait for deliveries",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the JSON config file (defaults to $MECHX_CONFIG or " + config.DefaultPath + ")",
			},
			&cli.StringFlag{
				Name:  "chain-config",
				Usage: "chain name from the chain definitions",
			},
			&cli.StringFlag{
				Name:  "key",
				Usage: "path to the private key file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override logging.level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			interactCmd,
			depositCmd,
			balanceCmd,
			statusCmd,
		},
	}

	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		_ = logger.Sync()
		os.Exit(exitCode(err))
	}
	_ = logger.Sync()
}

// loadConfig resolves the config file, environment and global flags.
func loadConfig(cctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Resolve(cctx.String("config"))
	if err != nil {
		return nil, err
	}
	if name := cctx.String("chain-config"); name != "" {
		cfg.Chain.Name = name
	}
	if key := cctx.String("key"); key != "" {
		cfg.Wallet.PrivateKeyPath = key
	}
	if cctx.IsSet("log-level") {
		cfg.Logging.Level = cctx.String("log-level")
	}
	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// connect loads the configuration and connects to the chain.
func connect(cctx *cli.Context) (*app.App, error) {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return nil, err
	}
	return app.Build(cctx.Context, cfg)
}
