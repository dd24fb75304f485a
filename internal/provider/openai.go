package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/moltq/moltq/internal/model"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// Doer issues HTTP requests. *http.Client satisfies it; tests substitute stubs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// OpenAIClient invokes an OpenAI-compatible chat-completions endpoint.
type OpenAIClient struct {
	model   string
	baseURL string
	apiKey  string
	client  Doer
}

// NewOpenAIClient builds an Invoker for the given provider record. A nil doer
// falls back to http.DefaultClient; the invocation deadline comes from the
// engine's context.
func NewOpenAIClient(p model.Provider, doer Doer) *OpenAIClient {
	baseURL := p.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if doer == nil {
		doer = http.DefaultClient
	}
	return &OpenAIClient{
		model:   p.Capability,
		baseURL: baseURL,
		apiKey:  p.APIKey,
		client:  doer,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Invoke sends the task prompt as a chat completion and returns the first
// choice's content.
func (c *OpenAIClient) Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a helpful AI assistant."},
			{Role: "user", Content: req.Prompt},
		},
	})
	if err != nil {
		return InvokeResult{}, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return InvokeResult{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return InvokeResult{}, fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return InvokeResult{}, fmt.Errorf("read chat response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return InvokeResult{}, fmt.Errorf("decode chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return InvokeResult{}, fmt.Errorf("chat completion failed: %s", parsed.Error.Message)
		}
		return InvokeResult{}, fmt.Errorf("chat completion failed: status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return InvokeResult{}, fmt.Errorf("chat completion returned no choices")
	}

	return InvokeResult{
		Output:     parsed.Choices[0].Message.Content,
		TokensUsed: parsed.Usage.TotalTokens,
	}, nil
}
