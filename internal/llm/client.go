// Package llm wraps the Anthropic Messages API for newsletter summaries and
// reply drafts.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/joshsymonds/inboxpilot/internal/gmail"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 512
	defaultEndpoint  = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"

	// maxInputRunes caps the body sent for summaries and drafts.
	maxInputRunes = 20000
)

// APIError is a non-200 response from the Messages API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// SummarizeError reports a failed summary. Callers degrade rather than abort.
type SummarizeError struct {
	Err error
}

func (e *SummarizeError) Error() string { return fmt.Sprintf("summarize: %v", e.Err) }

func (e *SummarizeError) Unwrap() error { return e.Err }

// DraftError reports a failed reply draft for one message.
type DraftError struct {
	MessageID gmail.MessageID
	Err       error
}

func (e *DraftError) Error() string {
	return fmt.Sprintf("draft reply %s: %v", e.MessageID, e.Err)
}

func (e *DraftError) Unwrap() error { return e.Err }

// Options configures a Client.
type Options struct {
	APIKey     string
	Model      string
	MaxTokens  int
	Endpoint   string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client calls the Messages API behind a circuit breaker so a failing
// upstream does not stall every digest line.
type Client struct {
	apiKey    string
	model     string
	maxTokens int
	endpoint  string
	http      *http.Client
	cb        *gobreaker.CircuitBreaker
	logger    *slog.Logger
}

// New creates a Client with defaults for unset options.
func New(opts Options) *Client {
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Endpoint == "" {
		opts.Endpoint = defaultEndpoint
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger

	settings := gobreaker.Settings{
		Name:        "anthropic",
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// 4xx responses are our fault, not the upstream's; they must not open the breaker.
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}

	return &Client{
		apiKey:    opts.APIKey,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		endpoint:  opts.Endpoint,
		http:      opts.HTTPClient,
		cb:        gobreaker.NewCircuitBreaker(settings),
		logger:    logger,
	}
}

// Summarize condenses text to about n sentences.
func (c *Client) Summarize(ctx context.Context, text string, n int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", &SummarizeError{Err: errors.New("empty input")}
	}
	if n <= 0 {
		n = 3
	}
	system := fmt.Sprintf("Summarise the newsletter in %d sentences. Reply with the summary only.", n)
	out, err := c.complete(ctx, system, truncate(text))
	if err != nil {
		return "", &SummarizeError{Err: err}
	}
	return out, nil
}

// DraftReply writes a reply body for m. It never sends anything.
func (c *Client) DraftReply(ctx context.Context, m gmail.Message) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\n", m.SenderName())
	fmt.Fprintf(&sb, "Subject: %s\n\n", m.Subject())
	sb.WriteString(m.PlainText())

	system := "Draft a short, polite reply to this email. " +
		"Reply with the body text only, no subject line and no signature placeholder."
	out, err := c.complete(ctx, system, truncate(sb.String()))
	if err != nil {
		return "", &DraftError{MessageID: m.ID, Err: err}
	}
	return out, nil
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	if c.apiKey == "" {
		return "", errors.New("no API key configured")
	}
	res, err := c.cb.Execute(func() (any, error) {
		return c.callAPI(ctx, system, user)
	})
	if err != nil {
		return "", err
	}
	resp, _ := res.(*apiResponse)
	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.TrimSpace(strings.Join(parts, ""))
	if text == "" {
		return "", errors.New("empty completion")
	}
	return text, nil
}

// callAPI makes a single request to the Messages API.
func (c *Client) callAPI(ctx context.Context, system, user string) (*apiResponse, error) {
	reqBody := apiRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    system,
		Messages: []apiMessage{{
			Role:    "user",
			Content: []apiContentBlock{{Type: "text", Text: user}},
		}},
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling Messages API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, &APIError{Status: resp.StatusCode, Message: apiErr.Error.Message}
		}
		return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	c.logger.DebugContext(ctx, "completion", "model", result.Model, "stop_reason", result.StopReason)
	return &result, nil
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxInputRunes {
		return s
	}
	return string(r[:maxInputRunes])
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string            `json:"role"`
	Content []apiContentBlock `json:"content"`
}

type apiContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiResponse struct {
	ID         string            `json:"id"`
	Content    []apiContentBlock `json:"content"`
	Model      string            `json:"model"`
	StopReason string            `json:"stop_reason"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
