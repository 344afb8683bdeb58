package rewrite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"voxpaste/internal/fault"
)

// KeyFunc returns the API key, or "" when none is configured.
type KeyFunc func(ctx context.Context) (string, error)

// StaticKey returns a KeyFunc for a fixed key.
func StaticKey(key string) KeyFunc {
	return func(context.Context) (string, error) { return key, nil }
}

// GeminiClient calls the Gemini generateContent REST endpoint.
type GeminiClient struct {
	BaseURL string
	Model   string
	Key     KeyFunc
	HTTP    *http.Client
}

// NewGeminiClient creates a client with a bounded HTTP timeout.
func NewGeminiClient(baseURL, model string, key KeyFunc, timeout time.Duration) *GeminiClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GeminiClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		Key:     key,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

// Generate sends prompt as a single user turn and returns the concatenated
// text of the first candidate.
func (c *GeminiClient) Generate(ctx context.Context, prompt string) (string, error) {
	if c.Key == nil {
		return "", fault.ErrUnavailable
	}
	key, err := c.Key(ctx)
	if err != nil {
		return "", fault.New(fault.KindFatal, "API_KEY_ERROR", "gemini", err)
	}
	if key == "" {
		return "", fault.ErrUnavailable
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.BaseURL, url.PathEscape(c.Model))
	body := geminiRequest{Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}}}

	var resp geminiResponse
	if err := c.doJSON(ctx, http.MethodPost, endpoint, map[string]string{"x-goog-api-key": key}, body, &resp); err != nil {
		return "", err
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fault.New(fault.KindFatal, "REWRITE_BLOCKED", "gemini", errors.New(resp.PromptFeedback.BlockReason))
	}
	if len(resp.Candidates) == 0 {
		return "", nil
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String(), nil
}

// doJSON sends a JSON request and decodes the JSON response into dest.
func (c *GeminiClient) doJSON(ctx context.Context, method, endpoint string, headers map[string]string, body, dest any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fault.ErrCancelled
		}
		return fault.New(fault.KindFatal, "REWRITE_NETWORK", "gemini", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fault.New(fault.KindFatal, fmt.Sprintf("REWRITE_HTTP_%d", resp.StatusCode), "gemini",
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fault.New(fault.KindFatal, "REWRITE_DECODE", "gemini", fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}
