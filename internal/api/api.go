// Package api exposes the pipeline engine over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/slok/agentline/internal/app/cancel"
	"github.com/slok/agentline/internal/app/list"
	"github.com/slok/agentline/internal/app/pipeline"
	"github.com/slok/agentline/internal/app/signal"
	"github.com/slok/agentline/internal/app/status"
	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
)

// Version is the API version reported in the OpenAPI document.
const Version = "v1"

// HandlerConfig is the configuration of the HTTP API handler.
type HandlerConfig struct {
	Pipelines *pipeline.Service
	Status    *status.Service
	List      *list.Service
	Signal    *signal.Service
	Cancel    *cancel.Service
	// JWTSecret enables HS256 bearer authentication on signals, the approver is the token subject.
	JWTSecret string
	Logger    log.Logger
}

func (c *HandlerConfig) defaults() error {
	if c.Pipelines == nil {
		return fmt.Errorf("pipeline service is required")
	}

	if c.Status == nil {
		return fmt.Errorf("status service is required")
	}

	if c.List == nil {
		return fmt.Errorf("list service is required")
	}

	if c.Signal == nil {
		return fmt.Errorf("signal service is required")
	}

	if c.Cancel == nil {
		return fmt.Errorf("cancel service is required")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "api.Handler"})

	return nil
}

type handler struct {
	cfg    HandlerConfig
	logger log.Logger
}

// NewHandler returns an HTTP handler exposing the pipeline API.
func NewHandler(cfg HandlerConfig) (http.Handler, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	h := handler{cfg: cfg, logger: cfg.Logger}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(cfg.JWTSecret, cfg.Logger))

	hcfg := huma.DefaultConfig("Agentline API", Version)
	api := humachi.New(router, hcfg)

	registerHealth(api)
	group := huma.NewGroup(api, "/v1")
	h.registerPipelines(group)
	h.registerSignals(group)
	h.registerApprovals(group)

	return otelhttp.NewHandler(router, "agentline-api"), nil
}

type apiErrorBody struct {
	Code    string `json:"code" example:"not_found"`
	Message string `json:"message" example:"pipeline not found"`
}

// apiError is the error envelope of the API.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string) *apiError {
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message},
	}
}

func (h handler) handleError(err error) huma.StatusError {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, model.ErrAlreadyExists):
		return newAPIError(http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, model.ErrNotValid):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error())
	default:
		h.logger.Errorf("Request failed: %s", err)
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string
	}, error) {
		return &struct {
			Body map[string]string
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type pipelineOutput struct {
	Status int
	Body   PipelineResponse
}

type pipelinePath struct {
	ID string `path:"id" doc:"Pipeline ID or idempotency key."`
}

func (h handler) registerPipelines(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-pipeline",
		Method:        http.MethodPost,
		Path:          "/pipelines",
		Summary:       "Start a pipeline",
		Description:   "Starting an already used idempotency key returns the existing pipeline.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreatePipelineRequest
	}) (*pipelineOutput, error) {
		p, created, err := h.cfg.Pipelines.Start(ctx, model.ProjectRequest{
			Goal:           input.Body.Goal,
			Context:        input.Body.Context,
			Requester:      input.Body.Requester,
			IdempotencyKey: input.Body.IdempotencyKey,
		})
		if err != nil {
			return nil, h.handleError(err)
		}

		code := http.StatusCreated
		if !created {
			code = http.StatusOK
		}
		return &pipelineOutput{Status: code, Body: pipelineResponse(*p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pipelines",
		Method:      http.MethodGet,
		Path:        "/pipelines",
		Summary:     "List pipelines",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"Filter by pipeline status."`
	}) (*struct {
		Body []PipelineResponse
	}, error) {
		var filter *model.PipelineStatus
		if input.Status != "" {
			s, err := parsePipelineStatus(input.Status)
			if err != nil {
				return nil, h.handleError(err)
			}
			filter = &s
		}

		ps, err := h.cfg.List.Run(ctx, list.Request{StatusFilter: filter})
		if err != nil {
			return nil, h.handleError(err)
		}

		resp := make([]PipelineResponse, 0, len(ps))
		for _, p := range ps {
			resp = append(resp, pipelineResponse(p))
		}
		return &struct {
			Body []PipelineResponse
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pipeline",
		Method:      http.MethodGet,
		Path:        "/pipelines/{id}",
		Summary:     "Pipeline status",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *pipelinePath) (*pipelineOutput, error) {
		res, err := h.cfg.Status.Run(ctx, status.Request{IDOrKey: input.ID})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &pipelineOutput{Status: http.StatusOK, Body: statusResponse(*res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-pipeline",
		Method:        http.MethodPost,
		Path:          "/pipelines/{id}/cancel",
		Summary:       "Cancel a pipeline",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *pipelinePath) (*struct{}, error) {
		if err := h.cfg.Cancel.Run(ctx, cancel.Request{PipelineID: input.ID}); err != nil {
			return nil, h.handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (h handler) registerSignals(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "signal-pipeline",
		Method:        http.MethodPost,
		Path:          "/pipelines/{id}/signals",
		Summary:       "Deliver an approval decision",
		Description:   "The first decision of an approver on an approval is the one that counts, repeated ones are reported as duplicates.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body SignalRequest
	}) (*struct {
		Body SignalResponse
	}, error) {
		approver := strings.TrimSpace(input.Body.Approver)
		if h.cfg.JWTSecret != "" {
			subject, ok := principalFromContext(ctx)
			if !ok {
				return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required")
			}
			approver = subject
		}

		res, err := h.cfg.Signal.Run(ctx, signal.Request{
			PipelineID: input.ID,
			ApprovalID: input.Body.ApprovalID,
			Status:     model.SignalStatus(input.Body.Status),
			Approver:   approver,
			Reason:     input.Body.Reason,
		})
		if err != nil {
			return nil, h.handleError(err)
		}

		return &struct {
			Body SignalResponse
		}{Body: SignalResponse{Signal: res.Signal, Duplicate: res.Duplicate}}, nil
	})
}

func (h handler) registerApprovals(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{id}",
		Summary:     "Approval status",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ApprovalResponse
	}, error) {
		view, err := h.cfg.Status.Approval(ctx, status.ApprovalRequest{ApprovalID: input.ID})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ApprovalResponse
		}{Body: approvalResponse(*view)}, nil
	})
}

func parsePipelineStatus(s string) (model.PipelineStatus, error) {
	ps := model.PipelineStatus(strings.ToLower(s))
	switch ps {
	case model.PipelineStatusRunning, model.PipelineStatusCompleted, model.PipelineStatusCancelled,
		model.PipelineStatusFailed, model.PipelineStatusReadyForDeployment:
		return ps, nil
	}
	return "", fmt.Errorf("invalid status %q: %w", s, model.ErrNotValid)
}
