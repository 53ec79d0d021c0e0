package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"tubebroker/internal/broker"
	"tubebroker/internal/clock"
	"tubebroker/internal/config"
	"tubebroker/internal/logging"
)

func main() {
	app := &cli.App{
		Name:  "tubebroker",
		Usage: "single-node in-memory work-queue broker",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to an optional config file"},
			&cli.StringFlag{Name: "addr", Aliases: []string{"listen"}, Usage: "override the listen address"},
			&cli.IntFlag{Name: "max-job-size", Usage: "override the maximum accepted job body size in bytes"},
			&cli.BoolFlag{Name: "default-tube-is-error", Usage: "put without a prior use errors instead of falling back to tube \"default\"", Value: true},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		cfg.ListenAddr = addr
	}
	if size := c.Int("max-job-size"); size > 0 {
		cfg.MaxJobSize = size
	}
	if c.IsSet("default-tube-is-error") {
		cfg.DefaultTubeIsError = c.Bool("default-tube-is-error")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogJSON)
	log := logger.WithField("component", "tubebroker")

	core := broker.NewCore(broker.Config{
		MaxJobSize:         cfg.MaxJobSize,
		DefaultTubeIsError: cfg.DefaultTubeIsError,
	}, clock.Real(), log)
	srv := broker.NewServer(core, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("shutting down")
		cancel()
	}()

	log.WithField("addr", cfg.ListenAddr).Info("listening")
	if err := srv.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		log.WithError(err).Error("server stopped")
		return err
	}
	return nil
}
