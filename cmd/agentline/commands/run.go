package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/ulid/v2"

	"github.com/slok/agentline/internal/durable"
	"github.com/slok/agentline/internal/model"
	utilsenv "github.com/slok/agentline/internal/utils/env"
)

type RunCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	goal         string
	key          string
	requester    string
	contextSpecs []string
	detach       bool
	format       string
}

// NewRunCommand returns the run command.
func NewRunCommand(rootCmd *RootCommand, app *kingpin.Application) *RunCommand {
	c := &RunCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("run", "Run a pipeline for a goal and wait until it ends.")
	c.Cmd.Arg("goal", "High level goal of the pipeline.").Required().StringVar(&c.goal)
	c.Cmd.Flag("key", "Idempotency key, running again with the same key resumes the same pipeline (random if empty).").StringVar(&c.key)
	c.Cmd.Flag("requester", "Who requests the pipeline.").Default(os.Getenv("USER")).StringVar(&c.requester)
	c.Cmd.Flag("context", "Request context entry (KEY=VALUE or KEY to inherit from env). Can be repeated.").StringsVar(&c.contextSpecs)
	c.Cmd.Flag("detach", "Only start the pipeline, a serve process resumes it.").BoolVar(&c.detach)
	addFormatFlag(c.Cmd, &c.format)

	return c
}

func (c RunCommand) Name() string { return c.Cmd.FullCommand() }

func (c RunCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	reqCtx, err := utilsenv.ParseContext(c.contextSpecs)
	if err != nil {
		return fmt.Errorf("invalid --context value: %w", err)
	}

	key := c.key
	if key == "" {
		key = ulid.Make().String()
		logger.Infof("Using idempotency key %s", key)
	}

	req := model.ProjectRequest{
		Goal:           c.goal,
		Context:        reqCtx,
		Requester:      c.requester,
		IdempotencyKey: key,
	}

	e, err := newEngine(ctx, *c.rootCmd, true)
	if err != nil {
		return err
	}
	defer closeEngine(e, logger)

	p := c.rootCmd.printer(c.format)

	if c.detach {
		pl, created, err := e.pipelines.Start(ctx, req)
		if err != nil {
			return fmt.Errorf("could not start pipeline: %w", err)
		}
		if !created {
			logger.Infof("Pipeline already existed")
		}
		return p.PrintStatus(*pl, nil)
	}

	pl, err := e.pipelines.Run(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, durable.ErrRuntimeStopped) {
			logger.Warningf("Interrupted, run again with --key %s or use the serve command to resume the pipeline", key)
			return nil
		}
		return fmt.Errorf("could not run pipeline: %w", err)
	}

	return p.PrintStatus(*pl, nil)
}
