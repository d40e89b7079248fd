package chat

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/ollama/ollama/api"
	"google.golang.org/genai"

	"voxchat/internal/config"
)

// Generator is the part of an eino chat model the engine needs.
type Generator interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// ModelFactory builds a Generator for the given API key.
type ModelFactory func(ctx context.Context, apiKey string) (Generator, error)

// NewModelFactory returns a factory for the named provider using its config
// entry. The key passed to the factory wins over the configured one when set.
func NewModelFactory(provider string, cfg *config.Config) (ModelFactory, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = "gemini"
	}
	provCfg := cfg.Providers[provider]
	switch provider {
	case "gemini", "openai", "claude", "ollama":
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	return func(ctx context.Context, apiKey string) (Generator, error) {
		if apiKey == "" {
			apiKey = provCfg.APIKey
		}
		return newModel(ctx, provider, provCfg, apiKey)
	}, nil
}

func newModel(ctx context.Context, provider string, provCfg config.ProviderConfig, token string) (Generator, error) {
	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  token,
		})
	case "gemini":
		if token == "" {
			return nil, fmt.Errorf("gemini api key not configured")
		}
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  token,
			Backend: genai.BackendGeminiAPI,
		})
		if cerr != nil {
			return nil, fmt.Errorf("new gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    token,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	case "ollama":
		return newOllamaModel(provCfg)
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return chatModel, nil
}

// ollamaModel adapts the ollama chat API to Generator.
type ollamaModel struct {
	client *api.Client
	model  string
}

func newOllamaModel(provCfg config.ProviderConfig) (*ollamaModel, error) {
	host := strings.TrimSuffix(provCfg.BaseURL, "/")
	if host == "" {
		host = "http://127.0.0.1:11434"
	}
	parsedURL, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host: %w", err)
	}
	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return &ollamaModel{client: api.NewClient(parsedURL, httpClient), model: provCfg.Model}, nil
}

func (m *ollamaModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	messages := make([]api.Message, 0, len(input))
	for _, msg := range input {
		if msg == nil {
			continue
		}
		messages = append(messages, api.Message{Role: string(msg.Role), Content: msg.Content})
	}
	stream := false
	var response api.ChatResponse
	err := m.client.Chat(ctx, &api.ChatRequest{
		Model:    m.model,
		Messages: messages,
		Stream:   &stream,
	}, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat request failed: %w", err)
	}
	return schema.AssistantMessage(response.Message.Content, nil), nil
}
