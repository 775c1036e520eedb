// Package webhook posts approved requests as JSON to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"vaultline/internal/channel"
	"vaultline/internal/config"
	"vaultline/internal/domain"
)

const typeName = "webhook"

func init() {
	channel.RegisterType(typeName, func(name string, cfg config.Channel, _ string, env channel.Env) (channel.Channel, error) {
		token := ""
		if cfg.TokenEnv != "" && env != nil {
			token = env(cfg.TokenEnv)
		}
		return New(name, cfg.URL, token), nil
	})
}

// Channel sends one POST per request. The request id travels in the
// Idempotency-Key header so the receiver can drop repeats.
type Channel struct {
	name       string
	url        string
	token      string
	httpClient *http.Client
}

func New(name, url, token string) *Channel {
	return &Channel{name: name, url: url, token: token, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

func (c *Channel) Name() string { return c.name }

type message struct {
	RequestID  string         `json:"request_id"`
	TaskID     string         `json:"task_id"`
	ActionKind string         `json:"action_kind"`
	Amount     float64        `json:"amount,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Body       string         `json:"body,omitempty"`
	ApprovedBy string         `json:"approved_by"`
}

func (c *Channel) Execute(ctx context.Context, r domain.ApprovalRequest) error {
	if c.url == "" {
		return channel.ErrNotConfigured
	}
	body, err := json.Marshal(message{
		RequestID:  r.ID,
		TaskID:     r.TaskID,
		ActionKind: r.ActionKind,
		Amount:     r.Amount,
		Payload:    r.Payload,
		Body:       r.Body,
		ApprovedBy: r.DecidedBy,
	})
	if err != nil {
		return fmt.Errorf("webhook marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", r.ID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req) //nolint:gosec // url from operator config
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
