// Package llm talks to an OpenAI-compatible chat-completions endpoint and
// exposes the typed model calls the pipeline needs: classification, meeting
// detection, drafting, validation and lead extraction.
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
)

var (
	// ErrUnavailable marks transient model failures (network, 5xx, open
	// circuit) that are worth retrying.
	ErrUnavailable = errors.New("llm unavailable")

	// ErrBadRequest marks 4xx responses; retrying the same request will not
	// help.
	ErrBadRequest = errors.New("llm rejected request")

	// ErrEmptyResponse is returned when the model answers with no content.
	ErrEmptyResponse = errors.New("llm returned empty response")
)

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float32         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Client is a thin chat-completions client. All typed calls go through
// complete, which wraps the HTTP exchange in a circuit breaker.
type Client struct {
	httpClient *http.Client
	apiURL     string
	apiKey     string
	model      string
	cb         *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

func NewClient(apiURL, apiKey, model string, timeout time.Duration, logger *slog.Logger) *Client {
	log := logger.With("component", "llm_client")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm-api",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		apiURL:     apiURL,
		apiKey:     apiKey,
		model:      model,
		cb:         cb,
		logger:     log,
	}
}

// complete performs one chat-completions exchange and returns the content
// plus total tokens used.
func (c *Client) complete(ctx context.Context, system, user string, temperature float32, maxTokens int, wantJSON bool) (string, int, error) {
	reqBody := chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	if wantJSON {
		reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", 0, fmt.Errorf("marshal request: %w", err)
	}

	result, err := c.cb.Execute(func() (interface{}, error) {
		return c.do(ctx, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", 0, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		var nce *nonCircuitError
		if errors.As(err, &nce) {
			return "", 0, nce.err
		}
		return "", 0, err
	}

	parsed := result.(*chatCompletionResponse)
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", parsed.Usage.TotalTokens, ErrEmptyResponse
	}
	return parsed.Choices[0].Message.Content, parsed.Usage.TotalTokens, nil
}

func (c *Client) do(ctx context.Context, payload []byte) (*chatCompletionResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, &nonCircuitError{err: fmt.Errorf("%w: %v", ErrBadRequest, err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	c.logger.Debug("llm call", "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, truncate(string(body), 200))
	}
	if resp.StatusCode >= 300 {
		// Client errors must not trip the breaker.
		return nil, &nonCircuitError{err: fmt.Errorf("%w: status %d: %s", ErrBadRequest, resp.StatusCode, truncate(string(body), 200))}
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return &parsed, nil
}

// stripFences removes a surrounding markdown code fence, which some models
// emit around JSON despite the response_format hint.
func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	}
	return content
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string { return e.err.Error() }

func (e *nonCircuitError) Unwrap() error { return e.err }
