package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/agentline/internal/app/list"
	"github.com/slok/agentline/internal/model"
)

type ListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	statusFilter string
	format       string
}

// NewListCommand returns the list command.
func NewListCommand(rootCmd *RootCommand, app *kingpin.Application) *ListCommand {
	c := &ListCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("list", "List all pipelines.")
	c.Cmd.Flag("status", "Filter by status (running, completed, cancelled, failed, ready_for_deployment).").StringVar(&c.statusFilter)
	addFormatFlag(c.Cmd, &c.format)

	return c
}

func (c ListCommand) Name() string { return c.Cmd.FullCommand() }

func (c ListCommand) Run(ctx context.Context) error {
	var statusFilter *model.PipelineStatus
	if c.statusFilter != "" {
		s := model.PipelineStatus(strings.ToLower(c.statusFilter))
		switch s {
		case model.PipelineStatusRunning, model.PipelineStatusCompleted, model.PipelineStatusCancelled,
			model.PipelineStatusFailed, model.PipelineStatusReadyForDeployment:
			statusFilter = &s
		default:
			return fmt.Errorf("invalid status filter: %s (must be: running, completed, cancelled, failed, ready_for_deployment)", c.statusFilter)
		}
	}

	e, err := newEngine(ctx, *c.rootCmd, false)
	if err != nil {
		return err
	}
	defer closeEngine(e, c.rootCmd.Logger)

	pipelines, err := e.list.Run(ctx, list.Request{StatusFilter: statusFilter})
	if err != nil {
		return fmt.Errorf("could not list pipelines: %w", err)
	}

	if err := c.rootCmd.printer(c.format).PrintList(pipelines); err != nil {
		return fmt.Errorf("could not print list: %w", err)
	}

	return nil
}
