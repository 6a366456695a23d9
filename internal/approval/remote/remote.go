// Package remote is the HTTP client of an external approval store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/slok/agentline/internal/approval"
	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
)

// StoreConfig is the configuration of the remote approval store client.
type StoreConfig struct {
	URL        string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     log.Logger
}

func (c *StoreConfig) defaults() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{
			Timeout:   c.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "approval.RemoteStore"})
	return nil
}

// Store is a remote approval store.
type Store struct {
	url    string
	client *http.Client
	logger log.Logger
}

// NewStore returns a new remote approval store client.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Store{
		url:    strings.TrimRight(cfg.URL, "/"),
		client: cfg.HTTPClient,
		logger: cfg.Logger,
	}, nil
}

type createApprovalRequest struct {
	ID              string          `json:"id,omitempty"`
	WorkflowID      string          `json:"workflow_id"`
	RunID           string          `json:"run_id"`
	TaskDescription string          `json:"task_description"`
	RiskLevel       model.RiskLevel `json:"risk_level"`
	Context         map[string]any  `json:"context,omitempty"`
}

type createApprovalResponse struct {
	ApprovalID string `json:"approval_id"`
}

// CreateApproval calls POST {url}/approvals.
func (s *Store) CreateApproval(ctx context.Context, req model.ApprovalRequest) (string, error) {
	body := createApprovalRequest{
		ID:              req.ID,
		WorkflowID:      req.WorkflowID,
		RunID:           req.RunID,
		TaskDescription: req.TaskDescription,
		RiskLevel:       req.RiskLevel,
		Context:         req.Context,
	}

	var resp createApprovalResponse
	if err := s.do(ctx, http.MethodPost, "/approvals", body, &resp); err != nil {
		return "", fmt.Errorf("could not create approval: %w", err)
	}
	if resp.ApprovalID == "" {
		return "", fmt.Errorf("approval store returned an empty approval id")
	}

	return resp.ApprovalID, nil
}

type getApprovalResponse struct {
	Status     string     `json:"status"`
	Approver   string     `json:"approver,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
}

// GetApproval calls GET {url}/approvals/{id}. The remote store only knows the decision, the
// request data isn't returned.
func (s *Store) GetApproval(ctx context.Context, id string) (*model.ApprovalView, error) {
	var resp getApprovalResponse
	if err := s.do(ctx, http.MethodGet, "/approvals/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, fmt.Errorf("could not get approval: %w", err)
	}

	state := model.ApprovalState(resp.Status)
	switch state {
	case model.ApprovalStatePending, model.ApprovalStateApproved, model.ApprovalStateDenied:
	default:
		return nil, fmt.Errorf("unknown approval status %q: %w", resp.Status, model.ErrNotValid)
	}

	return &model.ApprovalView{
		Request:    model.ApprovalRequest{ID: id},
		State:      state,
		Approver:   resp.Approver,
		ApprovedAt: resp.ApprovedAt,
	}, nil
}

func (s *Store) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.url+path, reader)
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.ErrNotFound
	case resp.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not decode response: %w", err)
	}

	return nil
}

var _ approval.Store = &Store{}
