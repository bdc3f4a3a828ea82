// Package delegate provides HTTP clients for calling other opdflow agents
// when they run as separate services. Each client speaks the same envelope
// format the API package serves.
package delegate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/opdflow/opdflow/internal/models"
)

// DefaultTimeout bounds one delegated call end to end.
const DefaultTimeout = 10 * time.Second

// Opts holds configuration options for delegation clients.
type Opts struct {
	BaseURL string
	Client  *http.Client
}

// Option defines a configuration option for delegation clients.
type Option func(*Opts)

// WithBaseURL sets the delegate service base URL, e.g. "http://localhost:8080".
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithHTTPClient injects a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.Client = c }
}

func applyOptions(opts []Option) (Opts, error) {
	cfg := Opts{Client: &http.Client{Timeout: DefaultTimeout}}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return Opts{}, fmt.Errorf("delegate base URL not set")
	}
	return cfg, nil
}

// postJSON posts a payload and decodes the envelope's result into out.
func postJSON(ctx context.Context, client *http.Client, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal delegate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build delegate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		slog.Warn("delegate.postJSON: request failed", "url", url, "error", err)
		return fmt.Errorf("%w: %v", models.ErrDelegateUnavailable, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Status  string          `json:"status"`
		Message string          `json:"message,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%w: %v", models.ErrMalformedDelegateMsg, err)
	}
	if resp.StatusCode != http.StatusOK || envelope.Status != "ok" {
		slog.Warn("delegate.postJSON: delegate rejected request", "url", url, "status_code", resp.StatusCode, "message", envelope.Message)
		return fmt.Errorf("%w: %s", models.ErrDelegateUnavailable, envelope.Message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("%w: %v", models.ErrMalformedDelegateMsg, err)
		}
	}
	return nil
}

// RegistrationClient delegates turns to a remote registration agent.
type RegistrationClient struct {
	baseURL string
	client  *http.Client
}

// NewRegistrationClient creates a registration delegation client.
func NewRegistrationClient(opts ...Option) (*RegistrationClient, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	return &RegistrationClient{baseURL: cfg.BaseURL, client: cfg.Client}, nil
}

// Start opens a fresh registration session with the first input.
func (c *RegistrationClient) Start(ctx context.Context, hospitalID string, in models.AgentInput) (*models.AgentResponse, error) {
	return c.send(ctx, models.AgentRequest{HospitalID: hospitalID, Input: in})
}

// Continue forwards one turn to an existing registration session.
func (c *RegistrationClient) Continue(ctx context.Context, sessionID string, in models.AgentInput) (*models.AgentResponse, error) {
	return c.send(ctx, models.AgentRequest{SessionID: sessionID, Input: in})
}

func (c *RegistrationClient) send(ctx context.Context, req models.AgentRequest) (*models.AgentResponse, error) {
	var out models.AgentResponse
	if err := postJSON(ctx, c.client, c.baseURL+"/agents/registration/message", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueueClient delegates admission operations to a remote queue agent.
type QueueClient struct {
	baseURL string
	client  *http.Client
}

// NewQueueClient creates a queue delegation client.
func NewQueueClient(opts ...Option) (*QueueClient, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	return &QueueClient{baseURL: cfg.BaseURL, client: cfg.Client}, nil
}

// Intake asks the remote admission engine to queue a visit.
func (c *QueueClient) Intake(ctx context.Context, req models.QueueIntakeRequest) (*models.QueueIntakeResponse, error) {
	var out models.QueueIntakeResponse
	if err := postJSON(ctx, c.client, c.baseURL+"/agents/queue/intake", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartConsultation marks a queued visit as in consultation.
func (c *QueueClient) StartConsultation(ctx context.Context, req models.StartConsultationRequest) (*models.StartConsultationResponse, error) {
	var out models.StartConsultationResponse
	if err := postJSON(ctx, c.client, c.baseURL+"/agents/queue/start-consultation", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EndConsultation closes a queued visit's consultation.
func (c *QueueClient) EndConsultation(ctx context.Context, req models.EndConsultationRequest) (*models.EndConsultationResponse, error) {
	var out models.EndConsultationResponse
	if err := postJSON(ctx, c.client, c.baseURL+"/agents/queue/end-consultation", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
