package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/twiz718/udp-ferry/pkg/config"
	"github.com/twiz718/udp-ferry/pkg/journal"
	"github.com/twiz718/udp-ferry/pkg/logger"
	"github.com/twiz718/udp-ferry/pkg/server"
)

var historyCmd = &cli.Command{
	Name:  "history",
	Usage: "List the transfers recorded in the journal",
	Action: func(c *cli.Context) error {
		cfg, err := config.FromContext(c)
		if err != nil {
			return err
		}
		return printHistory(c.Context, cfg)
	},
}

func main() {
	app := &cli.App{
		Name:      "ferry-server",
		Usage:     "serve put/get/keyword requests over stop-and-wait UDP or plain TCP",
		UsageText: "ferry-server [flags] [port]",
		Flags:     config.Flags(),
		Action:    serve,
		Commands:  []*cli.Command{historyCmd},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(config.ExitUsage)
	}
}

func serve(c *cli.Context) error {
	cfg, err := config.FromContext(c, "port")
	if err != nil {
		return err
	}
	log, err := logger.New("ferry-server", cfg.Debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rec server.Recorder
	if cfg.Journal != "" {
		j, err := journal.Open(cfg.Journal)
		if err != nil {
			return cli.Exit(err.Error(), config.ExitConfig)
		}
		defer j.Close()
		rec = j
	}

	if cfg.Transport == "tcp" {
		return server.NewStreamServer(cfg, log, rec).ListenAndServe(ctx)
	}
	srv, err := server.NewServer(cfg, log, rec)
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx)
}

func printHistory(ctx context.Context, cfg *config.Config) error {
	if cfg.Journal == "" {
		return cli.Exit("no journal configured, set FERRY_JOURNAL or --journal", config.ExitConfig)
	}
	j, err := journal.Open(cfg.Journal)
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.All(ctx)
	if err != nil {
		return err
	}
	journal.Render(os.Stdout, entries)
	return nil
}
