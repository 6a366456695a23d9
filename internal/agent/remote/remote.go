package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/slok/agentline/internal/agent"
	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
)

// IdempotencyKeyHeader is the header used to send the idempotency key of a call.
const IdempotencyKeyHeader = "Idempotency-Key"

// ClientConfig is the configuration of a remote collaborator client.
type ClientConfig struct {
	URL        string
	HTTPClient *http.Client
	// Timeout is the HTTP client timeout, calls are also bounded by their context.
	Timeout time.Duration
	Logger  log.Logger
}

func (c *ClientConfig) defaults() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
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
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "agent.Remote", "url": c.URL})
	return nil
}

// Client is an HTTP JSON client for the decomposer, execution agents and deployer.
type Client struct {
	url    string
	client *http.Client
	logger log.Logger
}

// NewClient returns a new remote client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		url:    strings.TrimRight(cfg.URL, "/"),
		client: cfg.HTTPClient,
		logger: cfg.Logger,
	}, nil
}

// Decompose calls POST {url}/decompose.
func (c *Client) Decompose(ctx context.Context, req agent.DecomposeRequest) (*model.Decomposition, error) {
	var resp model.Decomposition
	if err := c.do(ctx, "decompose", req.IdempotencyKey, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type executeResponse struct {
	Result    json.RawMessage  `json:"result"`
	Citations []model.Citation `json:"citations"`
}

// Execute calls POST {url}/execute.
func (c *Client) Execute(ctx context.Context, req agent.ExecuteRequest) (*model.TaskResult, error) {
	var resp executeResponse
	if err := c.do(ctx, "execute", req.IdempotencyKey, req, &resp); err != nil {
		return nil, err
	}

	return &model.TaskResult{
		Status:    model.TaskResultStatusCompleted,
		Result:    resp.Result,
		Citations: resp.Citations,
	}, nil
}

// Deploy calls POST {url}/deploy.
func (c *Client) Deploy(ctx context.Context, req agent.DeployRequest) (*model.Deployment, error) {
	var resp model.Deployment
	if err := c.do(ctx, "deploy", req.IdempotencyKey, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, endpoint, idempotencyKey string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("could not marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/"+endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyKeyHeader, idempotencyKey)
	}

	c.logger.Debugf("Calling %s with idempotency key %s", endpoint, idempotencyKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("could not call %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &agent.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not decode %s response: %w", endpoint, err)
	}

	return nil
}

var (
	_ agent.Decomposer = &Client{}
	_ agent.Agent      = &Client{}
	_ agent.Deployer   = &Client{}
)
