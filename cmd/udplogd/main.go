package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/rexliu/udplogd/pkg/config"
	"github.com/rexliu/udplogd/pkg/lock"
	"github.com/rexliu/udplogd/pkg/logging"
)

func main() {
	app := &cli.App{
		Name:  "udplogd",
		Usage: "UDP log collector with a JSON-RPC control surface",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "TOML config file"},
			&cli.StringFlag{Name: "listen", Usage: "override server.addr"},
			&cli.StringFlag{Name: "udp", Usage: "override udp.addr"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug faults and traces"},
		},
		Action: runDaemon,
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "write a default config file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "udplogd.toml"},
					&cli.BoolFlag{Name: "force", Usage: "overwrite an existing file"},
				},
				Action: initConfig,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig(c *cli.Context) error {
	path := c.String("config")
	if _, err := os.Stat(path); err == nil && !c.Bool("force") {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}
	if err := config.Save(path, config.Default()); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	var cfg *config.Config
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}
	if addr := c.String("listen"); addr != "" {
		cfg.Server.Addr = addr
	}
	if addr := c.String("udp"); addr != "" {
		cfg.UDP.Addr = addr
	}
	if c.Bool("debug") {
		cfg.Server.Debug = true
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func runDaemon(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}

	lk, err := lock.Acquire(cfg.LockPath)
	if err != nil {
		return err
	}
	defer lk.Release()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("rpc", cfg.Server.Addr).Str("udp", cfg.UDP.Addr).Msg("starting")
	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("daemon failed")
		return err
	}
	log.Info().Msg("stopped")
	return nil
}

const shutdownGrace = 10 * time.Second
