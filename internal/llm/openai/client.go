// Package openai implements llm.Model over any OpenAI-compatible chat
// completions endpoint, including a local Ollama server.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"syscall"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kandev/codepilot/internal/common/config"
	"github.com/kandev/codepilot/internal/common/logger"
	"github.com/kandev/codepilot/internal/llm"
)

const (
	providerOllama  = "ollama"
	ollamaLocalBase = "http://localhost:11434/v1"
)

// Client streams chat completions for one configured model.
type Client struct {
	client        *openai.Client
	title         string
	model         string
	provider      string
	contextLength int
	logger        *logger.Logger
}

// New builds a client for cfg.
func New(cfg config.ModelConfig, log *logger.Logger) (*Client, error) {
	if cfg.Model == "" {
		return nil, errors.New("model name is required")
	}
	apiBase := cfg.APIBase
	if apiBase == "" && cfg.Provider == providerOllama {
		apiBase = ollamaLocalBase
	}

	openAIConfig := openai.DefaultConfig(cfg.APIKey)
	if apiBase != "" {
		openAIConfig.BaseURL = apiBase
	}

	title := cfg.Title
	if title == "" {
		title = cfg.Model
	}
	contextLength := cfg.ContextLength
	if contextLength <= 0 {
		contextLength = llm.DefaultContextLength
	}

	return &Client{
		client:        openai.NewClientWithConfig(openAIConfig),
		title:         title,
		model:         cfg.Model,
		provider:      cfg.Provider,
		contextLength: contextLength,
		logger:        log.WithFields(zap.String("component", "llm"), zap.String("model", cfg.Model)),
	}, nil
}

// Factory adapts New to llm.Factory.
func Factory(log *logger.Logger) llm.Factory {
	return func(cfg config.ModelConfig) (llm.Model, error) {
		return New(cfg, log)
	}
}

func (c *Client) Title() string      { return c.title }
func (c *Client) Model() string      { return c.model }
func (c *Client) ContextLength() int { return c.contextLength }

func (c *Client) StreamChat(ctx context.Context, messages []llm.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		req := openai.ChatCompletionRequest{
			Model:    c.model,
			Stream:   true,
			Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
		}
		for _, m := range messages {
			req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
		}

		stream, err := c.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield("", c.describe(err))
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", c.describe(err))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if delta := resp.Choices[0].Delta.Content; delta != "" {
				if !yield(delta, nil) {
					return
				}
			}
		}
	}
}

// describe rewords Ollama connection and missing-model failures in the
// terms llm.ClassifyError recognizes.
func (c *Client) describe(err error) error {
	if c.provider != providerOllama {
		return fmt.Errorf("%s: %w", c.title, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		c.logger.Warn("Ollama connection refused", zap.Error(err))
		return fmt.Errorf("unable to connect to Ollama. Ollama may not be running: %w", err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusNotFound {
		return fmt.Errorf("model not found in Ollama, run `ollama run %s`: %w", c.model, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusNotFound {
		return fmt.Errorf("model not found in Ollama, run `ollama run %s`: %w", c.model, err)
	}
	return fmt.Errorf("ollama %s: %w", c.title, err)
}
