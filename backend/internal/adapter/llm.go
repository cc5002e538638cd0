package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"synthmemory/backend/pkg/logger"
)

// LLMAdapter is the shared client for an OpenAI-compatible endpoint
// (OpenAI, LiteLLM, Ollama). Both the LLM extractor and the OpenAI embedder
// go through it.
type LLMAdapter struct {
	client         *openai.Client
	model          string
	embeddingModel string
	maxRetries     int
	backoff        time.Duration
	logger         *zap.Logger
}

// NewLLMAdapter creates a new LLM adapter. An empty baseURL targets api.openai.com.
func NewLLMAdapter(baseURL, apiKey, modelID, embeddingModel string) *LLMAdapter {
	// LiteLLM and Ollama accept any key
	if apiKey == "" {
		apiKey = "dummy-key"
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = normalizeBaseURL(baseURL)
	}

	return &LLMAdapter{
		client:         openai.NewClientWithConfig(config),
		model:          modelID,
		embeddingModel: embeddingModel,
		maxRetries:     3,
		backoff:        time.Second,
		logger:         logger.Component("llm"),
	}
}

func normalizeBaseURL(baseURL string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(baseURL, "/v1") {
		return baseURL
	}
	return baseURL + "/v1"
}

// Complete sends a system + user prompt and returns the assistant text.
// With jsonMode set the endpoint is asked for a JSON object response.
func (a *LLMAdapter) Complete(ctx context.Context, systemPrompt, userMsg string, jsonMode bool) (string, error) {
	currentModel := a.model

	req := openai.ChatCompletionRequest{
		Model: currentModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userMsg},
		},
		Temperature: 0,
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var resp openai.ChatCompletionResponse
	err := a.retry(ctx, "chat completion", func() error {
		var err error
		resp, err = a.client.CreateChatCompletion(ctx, req)
		return err
	})
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in LLM response")
	}

	content := resp.Choices[0].Message.Content
	a.logger.Debug("LLM response generated",
		zap.String("model", currentModel),
		zap.Int("length", len(content)),
	)
	return content, nil
}

// Embed returns one embedding per input, in input order
func (a *LLMAdapter) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	req := openai.EmbeddingRequest{
		Input: inputs,
		Model: openai.EmbeddingModel(a.embeddingModel),
	}

	var resp openai.EmbeddingResponse
	err := a.retry(ctx, "embedding", func() error {
		var err error
		resp, err = a.client.CreateEmbeddings(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), len(inputs))
	}

	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding response index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// retry runs fn up to maxRetries times with linear backoff, giving up early
// when ctx is done
func (a *LLMAdapter) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * a.backoff
			a.logger.Warn("Retrying LLM request",
				zap.String("operation", op),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s cancelled: %w", op, ctx.Err())
			case <-time.After(backoff):
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s cancelled: %w", op, ctx.Err())
		}

		errMsg := err.Error()
		a.logger.Error("LLM request failed",
			zap.Error(err),
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
		)

		// Non-JSON error bodies usually mean a transient proxy problem
		if strings.Contains(errMsg, "invalid character") {
			a.logger.Warn("LLM service returned non-JSON error response - this may be a transient server issue",
				zap.String("error", errMsg),
			)
		}
	}

	return fmt.Errorf("failed %s after %d attempts: %w", op, a.maxRetries, err)
}
