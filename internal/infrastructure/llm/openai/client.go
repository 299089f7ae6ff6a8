// Package openai drives the embedding and chat completion endpoints of an
// OpenAI-compatible API.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/knowledge-qa/internal/core/domain"
	"github.com/kirillkom/knowledge-qa/internal/core/ports"
	"github.com/kirillkom/knowledge-qa/internal/infrastructure/resilience"
)

type Config struct {
	BaseURL        string
	APIKey         string
	ChatModel      string
	EmbeddingModel string
	Timeout        time.Duration
}

type Client struct {
	baseURL    string
	apiKey     string
	chatModel  string
	embedModel string
	httpClient *http.Client
	executor   *resilience.Executor
}

var _ ports.EmbeddingProvider = (*Client)(nil)
var _ ports.CompletionProvider = (*Client)(nil)

func New(cfg Config, executor *resilience.Executor) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		chatModel:  cfg.ChatModel,
		embedModel: cfg.EmbeddingModel,
		httpClient: &http.Client{Timeout: timeout},
		executor:   executor,
	}
}

func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, domain.TokenUsage, error) {
	request := map[string]any{
		"model": c.embedModel,
		"input": []string{text},
	}

	var response struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Usage apiUsage `json:"usage"`
	}
	err := c.executor.Execute(ctx, "embed", func(ctx context.Context) error {
		return c.postJSON(ctx, "/v1/embeddings", request, &response, "embed")
	}, classifyOpenAIError)
	if err != nil {
		return nil, domain.TokenUsage{}, wrapProviderIfNeeded("embed", err)
	}
	if len(response.Data) == 0 {
		return nil, domain.TokenUsage{}, fmt.Errorf("empty embedding result")
	}
	return response.Data[0].Embedding, response.Usage.toDomain(), nil
}

func (c *Client) Complete(ctx context.Context, req ports.CompletionRequest) (string, domain.TokenUsage, error) {
	request := c.chatRequest(req)

	var response struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage apiUsage `json:"usage"`
	}
	err := c.executor.Execute(ctx, "complete", func(ctx context.Context) error {
		return c.postJSON(ctx, "/v1/chat/completions", request, &response, "complete")
	}, classifyOpenAIError)
	if err != nil {
		return "", domain.TokenUsage{}, wrapProviderIfNeeded("complete", err)
	}
	if len(response.Choices) == 0 {
		return "", response.Usage.toDomain(), fmt.Errorf("empty completion result")
	}
	return strings.TrimSpace(response.Choices[0].Message.Content), response.Usage.toDomain(), nil
}

// StreamComplete opens a server-sent-event completion. Retries cover only
// establishing the stream; once fragments flow, a drop surfaces to the
// caller unretried.
func (c *Client) StreamComplete(ctx context.Context, req ports.CompletionRequest) (ports.CompletionStream, error) {
	request := c.chatRequest(req)
	request["stream"] = true
	request["stream_options"] = map[string]any{"include_usage": true}

	var stream *sseStream
	err := c.executor.Execute(ctx, "stream_complete", func(ctx context.Context) error {
		opened, err := c.openStream(ctx, "/v1/chat/completions", request, "stream_complete")
		if err != nil {
			return err
		}
		stream = opened
		return nil
	}, classifyOpenAIError)
	if err != nil {
		return nil, wrapProviderIfNeeded("stream_complete", err)
	}
	return stream, nil
}

func (c *Client) chatRequest(req ports.CompletionRequest) map[string]any {
	messages := make([]map[string]string, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	for _, turn := range req.History {
		messages = append(messages, map[string]string{"role": turn.Role, "content": turn.Content})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	request := map[string]any{
		"model":    c.chatModel,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		request["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		request["temperature"] = req.Temperature
	}
	return request
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u apiUsage) toDomain() domain.TokenUsage {
	return domain.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}
