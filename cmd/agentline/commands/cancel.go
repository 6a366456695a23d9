package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/agentline/internal/app/cancel"
	"github.com/slok/agentline/internal/app/status"
)

type CancelCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	idOrKey string
	format  string
}

// NewCancelCommand returns the cancel command.
func NewCancelCommand(rootCmd *RootCommand, app *kingpin.Application) *CancelCommand {
	c := &CancelCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("cancel", "Cancel a pipeline, it ends with the tasks executed so far.")
	c.Cmd.Arg("id-or-key", "Pipeline ID or idempotency key.").Required().StringVar(&c.idOrKey)
	addFormatFlag(c.Cmd, &c.format)

	return c
}

func (c CancelCommand) Name() string { return c.Cmd.FullCommand() }

func (c CancelCommand) Run(ctx context.Context) error {
	e, err := newEngine(ctx, *c.rootCmd, false)
	if err != nil {
		return err
	}
	defer closeEngine(e, c.rootCmd.Logger)

	st, err := e.status.Run(ctx, status.Request{IDOrKey: c.idOrKey})
	if err != nil {
		return fmt.Errorf("could not get pipeline: %w", err)
	}
	if st.Pipeline.Status.IsTerminal() {
		return fmt.Errorf("pipeline %s already ended as %s", st.Pipeline.ID, st.Pipeline.Status)
	}

	if err := e.cancel.Run(ctx, cancel.Request{PipelineID: st.Pipeline.ID}); err != nil {
		return fmt.Errorf("could not cancel pipeline: %w", err)
	}

	return c.rootCmd.printer(c.format).PrintMessage(fmt.Sprintf("Cancellation of pipeline %s requested", st.Pipeline.ID))
}
