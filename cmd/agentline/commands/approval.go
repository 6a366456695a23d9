package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/agentline/internal/app/status"
)

type ApprovalCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	approvalID string
	format     string
}

// NewApprovalCommand returns the approval command.
func NewApprovalCommand(rootCmd *RootCommand, app *kingpin.Application) *ApprovalCommand {
	c := &ApprovalCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("approval", "Get an approval and its decisions.")
	c.Cmd.Arg("approval-id", "Approval ID.").Required().StringVar(&c.approvalID)
	addFormatFlag(c.Cmd, &c.format)

	return c
}

func (c ApprovalCommand) Name() string { return c.Cmd.FullCommand() }

func (c ApprovalCommand) Run(ctx context.Context) error {
	e, err := newEngine(ctx, *c.rootCmd, false)
	if err != nil {
		return err
	}
	defer closeEngine(e, c.rootCmd.Logger)

	view, err := e.status.Approval(ctx, status.ApprovalRequest{ApprovalID: c.approvalID})
	if err != nil {
		return fmt.Errorf("could not get approval: %w", err)
	}

	if err := c.rootCmd.printer(c.format).PrintApproval(*view); err != nil {
		return fmt.Errorf("could not print approval: %w", err)
	}

	return nil
}
