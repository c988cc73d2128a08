package config

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli/v2"
)

// Exit codes shared by both binaries.
const (
	ExitUsage  = 1
	ExitConfig = 2
)

// Flags are the command line overrides common to the server and the client.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "env-file", Usage: "dotenv file read before the environment (default .env)"},
		&cli.StringFlag{Name: "host", Usage: "server address"},
		&cli.IntFlag{Name: "port", Usage: "server port"},
		&cli.StringFlag{Name: "transport", Usage: "udp or tcp"},
		&cli.StringFlag{Name: "dir", Usage: "directory files are stored in and served from"},
		&cli.StringFlag{Name: "framing", Usage: "raw or sequenced"},
		&cli.IntFlag{Name: "retries", Usage: "retransmissions per chunk (sequenced framing only)"},
		&cli.DurationFlag{Name: "ack-timeout", Usage: "deadline for every chunk and acknowledgment"},
		&cli.StringFlag{Name: "journal", Usage: "path of the transfer journal, empty disables it"},
		&cli.StringFlag{Name: "dns-server", Usage: "resolve the server host with this DNS server (host:port)"},
		&cli.BoolFlag{Name: "debug", Usage: "enable debug output"},
	}
}

// FromContext loads the configuration and applies the flags that were set.
// Positional arguments, when given, are the host and port for the client
// or the port alone for the server.
func FromContext(c *cli.Context, positional ...string) (*Config, error) {
	var files []string
	if f := c.String("env-file"); f != "" {
		files = append(files, f)
	}
	cfg, err := Load(files...)
	if err != nil {
		return nil, cli.Exit(err.Error(), ExitConfig)
	}

	if c.Args().Len() > len(positional) {
		return nil, cli.Exit(fmt.Sprintf("Usage: %s", c.App.UsageText), ExitUsage)
	}
	for i, name := range positional {
		arg := c.Args().Get(i)
		if arg == "" {
			continue
		}
		switch name {
		case "host":
			cfg.Host = arg
		case "port":
			port, err := strconv.Atoi(arg)
			if err != nil {
				return nil, cli.Exit("Error: Port number must be an integer", ExitUsage)
			}
			cfg.Port = port
		}
	}

	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("transport") {
		cfg.Transport = c.String("transport")
	}
	if c.IsSet("dir") {
		cfg.Dir = c.String("dir")
	}
	if c.IsSet("framing") {
		cfg.Framing = c.String("framing")
	}
	if c.IsSet("retries") {
		cfg.Retries = c.Int("retries")
	}
	if c.IsSet("ack-timeout") {
		cfg.AckTimeout = c.Duration("ack-timeout")
	}
	if c.IsSet("journal") {
		cfg.Journal = c.String("journal")
	}
	if c.IsSet("dns-server") {
		cfg.DNSServer = c.String("dns-server")
	}
	if c.IsSet("debug") {
		cfg.Debug = c.Bool("debug")
	}

	if err := cfg.Validate(); err != nil {
		return nil, cli.Exit(err.Error(), ExitConfig)
	}
	return cfg, nil
}
