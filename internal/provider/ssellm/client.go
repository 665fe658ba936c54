// Package ssellm implements an OpenAI-compatible streaming chat completion
// client over Server-Sent Events, satisfying provider.StreamingChatCompletion.
//
// Grounded on the reference gateway's pipeline.OpenAICompletionsClient.Chat /
// consumeCompletionsStream for the "data: " SSE line-scanning idiom (adapted
// from the legacy /v1/completions text delta to the /v1/chat/completions
// message-delta shape), and on team-hashing-lokutor-orchestrator's OpenAILLM
// for the chat/completions request body and bearer-auth header.
package ssellm

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

	"github.com/voicegateway/voicegateway/internal/httpx"
	"github.com/voicegateway/voicegateway/internal/metrics"
	"github.com/voicegateway/voicegateway/internal/provider"
)

const defaultPoolSize = 32

// Client streams from an OpenAI-compatible /v1/chat/completions endpoint.
type Client struct {
	apiKey string
	url    string
	model  string
	http   *http.Client
}

// New builds a Client. url is the provider's base URL (e.g.
// "https://api.openai.com"); "/v1/chat/completions" is appended.
func New(apiKey, url, model string) *Client {
	return &Client{
		apiKey: apiKey,
		url:    strings.TrimRight(url, "/") + "/v1/chat/completions",
		model:  model,
		http:   httpx.NewPooledClient(defaultPoolSize, 120*time.Second),
	}
}

type chatRequest struct {
	Model       string                 `json:"model"`
	Messages    []provider.ChatMessage `json:"messages"`
	Temperature float64                `json:"temperature"`
	MaxTokens   int                    `json:"max_tokens"`
	Stream      bool                   `json:"stream"`
}

// Stream satisfies provider.StreamingChatCompletion.
func (c *Client) Stream(ctx context.Context, messages []provider.ChatMessage, temperature float64, maxTokens int, onToken func(token string)) error {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stream:      true,
	})
	if err != nil {
		return fmt.Errorf("ssellm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ssellm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		kind := provider.Classify(0, isTimeout(err), isConnRefused(err))
		metrics.Errors.WithLabelValues("llm", kind.String()).Inc()
		return &provider.ClassifiedError{Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := provider.Classify(resp.StatusCode, false, false)
		metrics.Errors.WithLabelValues("llm", kind.String()).Inc()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &provider.ClassifiedError{Kind: kind, Err: fmt.Errorf("ssellm: status %d: %s", resp.StatusCode, errBody)}
	}

	return consumeChatStream(resp.Body, onToken)
}

func consumeChatStream(body io.Reader, onToken func(token string)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return nil
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if json.Unmarshal([]byte(data), &chunk) != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		token := chunk.Choices[0].Delta.Content
		if token == "" {
			continue
		}
		if onToken != nil {
			onToken(token)
		}
	}
	return scanner.Err()
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

func isConnRefused(err error) bool {
	return strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "connection reset")
}
