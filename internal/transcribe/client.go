package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Client calls the external speech-recognition service. The service accepts a
// multipart upload of canonical WAV audio and returns the raw transcript. An
// empty transcript is a valid response (silent or unintelligible audio), not
// an error.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a speech client for the given base URL.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type transcribeResponse struct {
	Transcript string `json:"transcript"`
}

// Transcribe submits the audio for profileID and returns the transcript.
// Transport and non-2xx failures return an error; the caller treats those as
// transient and retries through the queue.
func (c *Client) Transcribe(ctx context.Context, profileID string, wav []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("profile_id", profileID); err != nil {
		return "", fmt.Errorf("build transcribe request: %w", err)
	}
	part, err := mw.CreateFormFile("audio_file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("build transcribe request: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return "", fmt.Errorf("build transcribe request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build transcribe request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("speech service request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("speech service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode speech response: %w", err)
	}
	return strings.TrimSpace(out.Transcript), nil
}
