// Package webhook notifies approvers using a chat incoming webhook.
package webhook

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

	"github.com/slok/agentline/internal/approval"
	"github.com/slok/agentline/internal/log"
)

// NotifierConfig is the configuration of the webhook notifier.
type NotifierConfig struct {
	URL        string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     log.Logger
}

func (c *NotifierConfig) defaults() error {
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
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "approval.WebhookNotifier"})
	return nil
}

// Notifier posts approval notifications to a chat webhook.
type Notifier struct {
	url    string
	client *http.Client
	logger log.Logger
}

// NewNotifier returns a new webhook notifier.
func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Notifier{
		url:    cfg.URL,
		client: cfg.HTTPClient,
		logger: cfg.Logger,
	}, nil
}

type message struct {
	Text       string `json:"text"`
	ApprovalID string `json:"approval_id"`
	WorkflowID string `json:"workflow_id"`
	RiskLevel  string `json:"risk_level"`
}

func (n *Notifier) Notify(ctx context.Context, notif approval.Notification) error {
	body := message{
		Text: fmt.Sprintf("Approval required (%s risk, %d approver(s) needed before %s): %s",
			notif.RiskLevel, notif.RequiredApprovers, notif.Deadline.Format(time.RFC3339), notif.Description),
		ApprovalID: notif.ApprovalID,
		WorkflowID: notif.WorkflowID,
		RiskLevel:  string(notif.RiskLevel),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("could not marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agentline-Approval", notif.ApprovalID)

	res, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("could not deliver notification: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}

	n.logger.WithValues(log.Kv{"approval-id": notif.ApprovalID}).Debugf("Approvers notified")
	return nil
}

var _ approval.Notifier = &Notifier{}
