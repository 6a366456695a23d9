package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"

	"github.com/slok/agentline/internal/api"
	"github.com/slok/agentline/internal/conventions"
)

// ServeCommand executes the journaled pipelines and serves the HTTP API.
type ServeCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	listenAddress string
	jwtSecret     string
}

// NewServeCommand returns the serve command.
func NewServeCommand(rootCmd *RootCommand, app *kingpin.Application) *ServeCommand {
	c := &ServeCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("serve", "Resume the pending pipelines and serve the HTTP API.")
	c.Cmd.Flag("listen-address", "API listen address.").Default(conventions.DefaultListenAddress).StringVar(&c.listenAddress)
	c.Cmd.Flag("jwt-secret", "HS256 secret to authenticate approvers on signals, the token subject is the approver.").StringVar(&c.jwtSecret)

	return c
}

func (c ServeCommand) Name() string { return c.Cmd.FullCommand() }

func (c ServeCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	e, err := newEngine(ctx, *c.rootCmd, true)
	if err != nil {
		return err
	}
	defer closeEngine(e, logger)

	if c.jwtSecret == "" {
		logger.Warningf("JWT secret not set, signals are not authenticated")
	}

	handler, err := api.NewHandler(api.HandlerConfig{
		Pipelines: e.pipelines,
		Status:    e.status,
		List:      e.list,
		Signal:    e.signal,
		Cancel:    e.cancel,
		JWTSecret: c.jwtSecret,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("could not create API handler: %w", err)
	}

	var g run.Group

	// Durable runtime.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				return e.runtime.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// HTTP API.
	{
		srv := &http.Server{
			Addr:              c.listenAddress,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Add(
			func() error {
				logger.Infof("API listening on %s", c.listenAddress)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
			func(_ error) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
			},
		)
	}

	// Context cancellation (from parent signal handling).
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				<-ctx.Done()
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}
