package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/curanote/backend/internal/models"
)

// ErrGatewayRejected means the gateway refused the request outright (4xx).
// Terminal for the job: the same request will be refused again.
var ErrGatewayRejected = errors.New("llm gateway rejected the request")

const systemPrompt = `You are a clinical documentation assistant. Given the raw transcript of a
doctor-patient conversation, extract a structured note. Respond with a single
JSON object and nothing else, using exactly this shape:
{"diagnoses": ["..."], "medicines": [{"name": "...", "dosage": "...", "frequency": "..."}], "instructions": ["..."], "summary": "..."}
Use empty arrays for anything the transcript does not mention. Do not invent
clinical content.`

// Client extracts a structured clinical note from a raw transcript via an
// OpenAI-compatible chat-completions gateway. Transport failures and 5xx
// responses are retried with exponential backoff before surfacing as errors;
// a model reply that yields no usable note is returned as (nil, nil) since
// re-running the same transcript is unlikely to change it.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates an extraction client for the given gateway.
func NewClient(baseURL, apiKey, model string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Extract asks the model for a structured note. Returns (nil, nil) when the
// model produced nothing clinically usable.
func (c *Client) Extract(ctx context.Context, transcript string) (*models.ClinicalNote, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: transcript},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("build extraction request: %w", err)
	}

	var content string
	operation := func() error {
		content, err = c.complete(ctx, payload)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	note := parseNote(content)
	if note.Empty() {
		c.logger.Warn("extraction produced no usable note", zap.Int("reply_len", len(content)))
		return nil, nil
	}
	return note, nil
}

func (c *Client) complete(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("llm gateway returned %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrGatewayRejected, resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode llm response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return out.Choices[0].Message.Content, nil
}

// parseNote pulls the first JSON object out of the model reply. Models wrap
// JSON in prose or code fences often enough that a strict unmarshal of the
// whole reply is not workable.
func parseNote(content string) *models.ClinicalNote {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil
	}
	var note models.ClinicalNote
	if err := json.Unmarshal([]byte(content[start:end+1]), &note); err != nil {
		return nil
	}
	return &note
}
