// Package genai provides the GenAI-backed classifiers: symptom
// summarization, department resolution, and intent detection.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/opdflow/opdflow/internal/models"
)

// ErrNoChoicesReturned indicates the API responded without any completion
// choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionAdapter bridges the OpenAI SDK service to chatService.
type completionAdapter struct {
	svc openai.ChatCompletionService
}

func (a completionAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the completion model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client wraps the OpenAI chat completion service behind the classifier
// operations the workflows consume.
type Client struct {
	chat  chatService
	model string
}

// NewClient initializes a GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable when not supplied as an option.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:   openai.ChatModelGPT4oMini,
		Timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	return &Client{chat: completionAdapter{svc: cli.Chat.Completions}, model: cfg.Model}, nil
}

// complete runs one deterministic completion and returns the first choice.
func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(0),
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

const summarizeSystemPrompt = "You are a medical intake assistant. Summarize the patient's " +
	"symptom description into one concise clinical sentence of at most 300 characters. " +
	"Reply with the summary only, no preamble."

// Summarize condenses a raw symptom description into a capped clinical
// summary.
func (c *Client) Summarize(ctx context.Context, text string) (string, error) {
	out, err := c.complete(ctx, summarizeSystemPrompt, text)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if r := []rune(out); len(r) > models.MaxSummaryLength {
		out = string(r[:models.MaxSummaryLength])
	}
	return out, nil
}

const resolveSystemPrompt = `You map symptom summaries to exactly one hospital department.
Reply with strict JSON only, no markdown fences, in this shape:
{"department": "<one of the allowed departments>", "confidence": <0.0-1.0>, "reasoning": ["<short reason>"]}`

// ResolveDepartment asks the model to pick a department from the allowed
// catalog. Malformed or out-of-catalog output yields (nil, nil) so callers
// fall back to manual selection; errors are reserved for service failures.
func (c *Client) ResolveDepartment(ctx context.Context, symptomSummary string, age *int, allowed []string) (*models.DepartmentResolution, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Allowed departments: %s.\n", strings.Join(allowed, ", "))
	if age != nil {
		fmt.Fprintf(&b, "Patient age: %d.\n", *age)
	}
	fmt.Fprintf(&b, "Symptom summary: %s", symptomSummary)

	out, err := c.complete(ctx, resolveSystemPrompt, b.String())
	if err != nil {
		return nil, err
	}

	var res models.DepartmentResolution
	if err := json.Unmarshal([]byte(stripFences(out)), &res); err != nil {
		slog.Warn("genai.ResolveDepartment: unparseable output", "error", err)
		return nil, nil
	}
	matched := ""
	for _, name := range allowed {
		if strings.EqualFold(name, res.Department) {
			matched = name
			break
		}
	}
	if matched == "" {
		slog.Warn("genai.ResolveDepartment: department outside catalog", "department", res.Department)
		return nil, nil
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		slog.Warn("genai.ResolveDepartment: confidence out of range", "confidence", res.Confidence)
		return nil, nil
	}
	res.Department = matched
	if len(res.Reasoning) > models.MaxReasoningItems {
		res.Reasoning = res.Reasoning[:models.MaxReasoningItems]
	}
	return &res, nil
}

const intentSystemPrompt = `You classify a visitor's message for a hospital front desk.
Reply with strict JSON only, no markdown fences, in this shape:
{"intent": "medical" | "hotel_booking" | "general_query", "department_hint": "<department or empty>", "confidence": <0.0-1.0>, "reasoning": "<short reason>"}`

// DetectIntent classifies a free-text turn. Malformed output degrades to a
// medical intent at half confidence rather than blocking the conversation.
func (c *Client) DetectIntent(ctx context.Context, message string) (models.IntentResult, error) {
	out, err := c.complete(ctx, intentSystemPrompt, message)
	if err != nil {
		return models.IntentResult{}, err
	}

	var res models.IntentResult
	if err := json.Unmarshal([]byte(stripFences(out)), &res); err != nil {
		slog.Warn("genai.DetectIntent: unparseable output", "error", err)
		return models.IntentResult{Intent: models.IntentMedical, Confidence: 0.5}, nil
	}
	switch res.Intent {
	case models.IntentMedical, models.IntentHotelBooking, models.IntentGeneralQuery:
	default:
		slog.Warn("genai.DetectIntent: unknown intent label", "intent", res.Intent)
		return models.IntentResult{Intent: models.IntentMedical, Confidence: 0.5}, nil
	}
	return res, nil
}

// stripFences removes a surrounding markdown code fence if the model added
// one despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
