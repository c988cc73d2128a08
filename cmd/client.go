package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/twiz718/udp-ferry/pkg/client"
	"github.com/twiz718/udp-ferry/pkg/command"
	"github.com/twiz718/udp-ferry/pkg/config"
	"github.com/twiz718/udp-ferry/pkg/journal"
	"github.com/twiz718/udp-ferry/pkg/logger"
)

const prompt = "Enter Command: "

var historyCmd = &cli.Command{
	Name:  "history",
	Usage: "List the transfers recorded in the local journal",
	Action: func(c *cli.Context) error {
		cfg, err := config.FromContext(c)
		if err != nil {
			return err
		}
		if cfg.Journal == "" {
			return cli.Exit("no journal configured, set FERRY_JOURNAL or --journal", config.ExitConfig)
		}
		j, err := journal.Open(cfg.Journal)
		if err != nil {
			return err
		}
		defer j.Close()
		entries, err := j.All(c.Context)
		if err != nil {
			return err
		}
		journal.Render(os.Stdout, entries)
		return nil
	},
}

func main() {
	app := &cli.App{
		Name:      "ferry-client",
		Usage:     "interactive client: put <file>, get <file>, keyword <word> <file>, quit",
		UsageText: "ferry-client [flags] [server_IP] [port]",
		Flags:     config.Flags(),
		Action:    repl,
		Commands:  []*cli.Command{historyCmd},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(config.ExitUsage)
	}
}

func repl(c *cli.Context) error {
	cfg, err := config.FromContext(c, "host", "port")
	if err != nil {
		return err
	}
	log, err := logger.New("ferry-client", cfg.Debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rec client.Recorder
	if cfg.Journal != "" {
		j, err := journal.Open(cfg.Journal)
		if err != nil {
			return cli.Exit(err.Error(), config.ExitConfig)
		}
		defer j.Close()
		rec = j
	}

	commander, closeFn, err := newCommander(ctx, cfg, log, rec)
	if err != nil {
		return err
	}
	defer closeFn()

	return loop(ctx, commander, os.Stdin, os.Stdout)
}

func newCommander(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, rec client.Recorder) (client.Commander, func(), error) {
	if cfg.Transport == "tcp" {
		sc, err := client.DialStream(ctx, cfg, log, rec)
		if err != nil {
			return nil, nil, err
		}
		return sc, func() { sc.Close() }, nil
	}
	uc, err := client.NewClient(cfg, log, rec)
	if err != nil {
		return nil, nil, err
	}
	return uc, func() {}, nil
}

// loop reads one command per line until quit, EOF or cancellation. A failed
// command is reported and the prompt comes back.
func loop(ctx context.Context, commander client.Commander, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, prompt)
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		cmd, err := command.Parse(scanner.Text())
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}
		if err := client.Run(ctx, commander, cmd, out); err != nil {
			fmt.Fprintln(out, "Error:", err)
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		if cmd.Op == command.Quit {
			return nil
		}
	}
}
