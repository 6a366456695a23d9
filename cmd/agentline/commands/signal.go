package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/agentline/internal/app/signal"
	"github.com/slok/agentline/internal/app/status"
	"github.com/slok/agentline/internal/model"
)

// SignalCommand delivers an approval decision to a pipeline, it backs the approve and
// deny commands.
type SignalCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
	status  model.SignalStatus

	idOrKey    string
	approvalID string
	approver   string
	reason     string
	format     string
}

// NewApproveCommand returns the approve command.
func NewApproveCommand(rootCmd *RootCommand, app *kingpin.Application) *SignalCommand {
	return newSignalCommand(rootCmd, app, model.SignalStatusApproved, "approve", "Approve the approval a pipeline is waiting on.")
}

// NewDenyCommand returns the deny command.
func NewDenyCommand(rootCmd *RootCommand, app *kingpin.Application) *SignalCommand {
	return newSignalCommand(rootCmd, app, model.SignalStatusDenied, "deny", "Deny the approval a pipeline is waiting on.")
}

func newSignalCommand(rootCmd *RootCommand, app *kingpin.Application, st model.SignalStatus, name, help string) *SignalCommand {
	c := &SignalCommand{rootCmd: rootCmd, status: st}

	c.Cmd = app.Command(name, help)
	c.Cmd.Arg("id-or-key", "Pipeline ID or idempotency key.").Required().StringVar(&c.idOrKey)
	c.Cmd.Flag("approval-id", "Approval to decide on, defaults to the one the pipeline is waiting on.").StringVar(&c.approvalID)
	c.Cmd.Flag("approver", "Who takes the decision.").Default(os.Getenv("USER")).StringVar(&c.approver)
	c.Cmd.Flag("reason", "Reason of the decision.").StringVar(&c.reason)
	addFormatFlag(c.Cmd, &c.format)

	return c
}

func (c SignalCommand) Name() string { return c.Cmd.FullCommand() }

func (c SignalCommand) Run(ctx context.Context) error {
	e, err := newEngine(ctx, *c.rootCmd, false)
	if err != nil {
		return err
	}
	defer closeEngine(e, c.rootCmd.Logger)

	st, err := e.status.Run(ctx, status.Request{IDOrKey: c.idOrKey})
	if err != nil {
		return fmt.Errorf("could not get pipeline: %w", err)
	}

	res, err := e.signal.Run(ctx, signal.Request{
		PipelineID: st.Pipeline.ID,
		ApprovalID: c.approvalID,
		Status:     c.status,
		Approver:   c.approver,
		Reason:     c.reason,
	})
	if err != nil {
		return fmt.Errorf("could not deliver signal: %w", err)
	}

	if err := c.rootCmd.printer(c.format).PrintSignal(res.Signal, res.Duplicate); err != nil {
		return fmt.Errorf("could not print signal: %w", err)
	}

	return nil
}
