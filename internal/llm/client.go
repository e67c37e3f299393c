// Package llm provides text generation via a local Ollama server.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable indicates the generation backend could not be reached or
// returned a failure. Callers map it to a service-unavailable response.
var ErrUnavailable = errors.New("llm backend unavailable")

// DefaultMaxTokens caps generation length when the caller does not.
const DefaultMaxTokens = 600

// stopSequences keep the model from echoing the prompt's own labels back
// as part of the answer.
var stopSequences = []string{"User:", "Question:", "Medical Agent:", "Answer:", "[USER]", "[SYSTEM]"}

// Generator produces text completions from a system and user prompt.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// Client talks to Ollama's /api/chat endpoint.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewClient creates an Ollama chat client for the given model.
func NewClient(baseURL, model string) *Client {
	return &Client{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: 300 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options"`
}

type chatOptions struct {
	NumPredict  int      `json:"num_predict"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	Stop        []string `json:"stop"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

// Generate runs one chat completion. Temperature is kept low so answers stay
// grounded in the supplied record excerpts rather than drifting.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Stream: false,
		Options: chatOptions{
			NumPredict:  maxTokens,
			Temperature: 0.1,
			TopP:        0.9,
			Stop:        stopSequences,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return strings.TrimSpace(result.Message.Content), nil
}
