package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/agentline/internal/app/status"
)

type StatusCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	idOrKey string
	format  string
}

// NewStatusCommand returns the status command.
func NewStatusCommand(rootCmd *RootCommand, app *kingpin.Application) *StatusCommand {
	c := &StatusCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("status", "Get detailed status of a pipeline.")
	c.Cmd.Arg("id-or-key", "Pipeline ID or idempotency key.").Required().StringVar(&c.idOrKey)
	addFormatFlag(c.Cmd, &c.format)

	return c
}

func (c StatusCommand) Name() string { return c.Cmd.FullCommand() }

func (c StatusCommand) Run(ctx context.Context) error {
	e, err := newEngine(ctx, *c.rootCmd, false)
	if err != nil {
		return err
	}
	defer closeEngine(e, c.rootCmd.Logger)

	res, err := e.status.Run(ctx, status.Request{IDOrKey: c.idOrKey})
	if err != nil {
		return fmt.Errorf("could not get pipeline status: %w", err)
	}

	if err := c.rootCmd.printer(c.format).PrintStatus(res.Pipeline, res.PendingSignals); err != nil {
		return fmt.Errorf("could not print status: %w", err)
	}

	return nil
}
