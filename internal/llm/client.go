package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/yuhaven/moments/internal/config"
)

// Completer is the single capability the rest of the plugin needs from a
// language model: one prompt in, one text out, or an error. No streaming,
// no retries.
type Completer interface {
	Complete(ctx context.Context, prompt, systemPrompt string) (string, error)
}

type client struct {
	api       *openai.Client
	model     string
	maxTokens int
}

// NewClient builds a Completer over an OpenAI-compatible chat completions
// endpoint. A missing API key is reported at call time, not here, so the
// plugin can start degraded.
func NewClient(cfg *config.Config) Completer {
	apiCfg := openai.DefaultConfig(cfg.Provider.APIKey)
	if baseURL := strings.TrimRight(strings.TrimSpace(cfg.Provider.BaseURL), "/"); baseURL != "" {
		apiCfg.BaseURL = baseURL
	}
	apiCfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}

	model := cfg.Provider.Model
	if model == "" {
		model = config.DefaultModel
	}
	maxTokens := cfg.Provider.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultMaxTokens
	}

	return &client{
		api:       openai.NewClientWithConfig(apiCfg),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (c *client) Complete(ctx context.Context, prompt, systemPrompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("empty prompt")
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: config.DefaultTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty content in response")
	}
	return content, nil
}
