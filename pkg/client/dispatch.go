package client

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/twiz718/udp-ferry/pkg/command"
)

// Run executes one parsed command and prints what the user sees to out.
func Run(ctx context.Context, c Commander, cmd command.Command, out io.Writer) error {
	switch cmd.Op {
	case command.Put:
		resp, err := c.Put(ctx, cmd.Args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "Server response:", resp)
	case command.Get:
		path, err := c.Get(ctx, cmd.Args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "File", filepath.Base(path), "downloaded.")
	case command.Keyword:
		resp, err := c.Keyword(ctx, cmd.Args[0], cmd.Args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "Server response:", resp)
	case command.Quit:
		if err := c.Quit(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "Exiting program!")
	default:
		return fmt.Errorf("%w: %s", command.ErrUnknownCommand, cmd.Op)
	}
	return nil
}
