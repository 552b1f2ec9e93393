package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	messagesEndpoint = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"
)

// ClaudeClient talks to the Anthropic Messages API. Streaming responses are
// delivered as text fragments in arrival order.
type ClaudeClient struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
	MaxTokens  int
}

type messageParam struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string         `json:"model"`
	MaxTokens int            `json:"max_tokens"`
	System    string         `json:"system,omitempty"`
	Messages  []messageParam `json:"messages"`
	Stream    bool           `json:"stream,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messagesResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Content []contentBlock `json:"content"`
}

// streamEvent is the subset of SSE payloads the fragment loop cares about.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewClaudeClient(apiKey, model string) *ClaudeClient {
	return &ClaudeClient{
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		APIKey:     apiKey,
		Model:      model,
		MaxTokens:  1024,
	}
}

// Generate runs one non-streaming completion.
func (c *ClaudeClient) Generate(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.post(ctx, messagesRequest{
		Model:     c.Model,
		MaxTokens: c.MaxTokens,
		System:    system,
		Messages:  []messageParam{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var mr messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return "", err
	}
	if len(mr.Content) == 0 {
		return "", fmt.Errorf("anthropic: empty content")
	}
	return strings.TrimSpace(mr.Content[0].Text), nil
}

// Stream runs one streaming completion. Text fragments arrive on the first
// channel; a request or mid-stream failure arrives on the second. Both close
// when the stream is finished. Cancel ctx to abandon the stream.
func (c *ClaudeClient) Stream(ctx context.Context, system, prompt string) (<-chan string, <-chan error) {
	fragments := make(chan string, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(fragments)
		defer close(errs)

		resp, err := c.post(ctx, messagesRequest{
			Model:     c.Model,
			MaxTokens: c.MaxTokens,
			System:    system,
			Messages:  []messageParam{{Role: "user", Content: prompt}},
			Stream:    true,
		})
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if err := c.readSSE(ctx, resp.Body, fragments); err != nil {
			errs <- err
		}
	}()

	return fragments, errs
}

func (c *ClaudeClient) post(ctx context.Context, body messagesRequest) (*http.Response, error) {
	if c.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key missing")
	}

	reqBody, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messagesEndpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", c.APIKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("anthropic error: status=%d body=%s", resp.StatusCode, string(b))
	}
	return resp, nil
}

// readSSE consumes the event stream, forwarding text deltas until the stream
// ends or ctx is canceled.
func (c *ClaudeClient) readSSE(ctx context.Context, body io.Reader, fragments chan<- string) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			// Unknown payloads are skipped, not fatal.
			continue
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				select {
				case fragments <- ev.Delta.Text:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		case "error":
			return fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
		case "message_stop":
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("anthropic stream read: %w", err)
	}
	return nil
}
