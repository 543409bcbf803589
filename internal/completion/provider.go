package completion

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/askqwen/gptuidemo/internal/config"
)

// ChatModelFactory builds the chat model serving modelID on provider.
type ChatModelFactory func(ctx context.Context, provider string, prov config.ProviderConfig, modelID string) (model.BaseChatModel, error)

// ProviderClient calls model providers directly instead of a completion
// endpoint. Chat models are built on first use and cached per model id.
type ProviderClient struct {
	providers map[string]config.ProviderConfig
	catalog   map[string]config.ModelEntry
	fallback  string
	factory   ChatModelFactory
	logger    *zap.Logger

	mu     sync.Mutex
	models map[string]model.BaseChatModel
}

// NewProviderClient routes each model id to the provider named by its
// catalog entry. Ids missing from the catalog go to the first configured
// provider in openai, claude, gemini order.
func NewProviderClient(cfg *config.Config, logger *zap.Logger) *ProviderClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	catalog := make(map[string]config.ModelEntry, len(cfg.Completion.Models))
	for _, m := range cfg.Completion.Models {
		catalog[m.ID] = m
	}
	fallback := ""
	for _, name := range []string{"openai", "claude", "gemini"} {
		if _, ok := cfg.Providers[name]; ok {
			fallback = name
			break
		}
	}
	return &ProviderClient{
		providers: cfg.Providers,
		catalog:   catalog,
		fallback:  fallback,
		factory:   NewChatModel,
		logger:    logger,
		models:    make(map[string]model.BaseChatModel),
	}
}

// WithFactory replaces the chat model constructor.
func (c *ProviderClient) WithFactory(f ChatModelFactory) *ProviderClient {
	c.factory = f
	return c
}

func (c *ProviderClient) Complete(ctx context.Context, r Request) (string, error) {
	chatModel, err := c.chatModel(ctx, r.Model)
	if err != nil {
		return "", err
	}
	resp, err := chatModel.Generate(ctx, toSchema(r.Messages))
	if err != nil {
		c.logger.Warn("provider generate failed", zap.String("model", r.Model), zap.Error(err))
		return "", &ApplicationError{Message: "provider request failed", Details: err.Error(), Err: err}
	}
	if resp == nil {
		return "", nil
	}
	return resp.Content, nil
}

func (c *ProviderClient) chatModel(ctx context.Context, modelID string) (model.BaseChatModel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.models[modelID]; ok {
		return m, nil
	}

	provider := c.fallback
	if entry, ok := c.catalog[modelID]; ok && entry.Provider != "" {
		provider = entry.Provider
	}
	prov, ok := c.providers[provider]
	if !ok {
		return nil, &ApplicationError{Message: fmt.Sprintf("provider %q not configured", provider)}
	}
	m, err := c.factory(ctx, provider, prov, modelID)
	if err != nil {
		return nil, &ApplicationError{Message: "init chat model failed", Details: err.Error(), Err: err}
	}
	c.models[modelID] = m
	return m, nil
}

// NewChatModel builds an eino chat model for one of the supported providers.
func NewChatModel(ctx context.Context, provider string, prov config.ProviderConfig, modelID string) (model.BaseChatModel, error) {
	if modelID == "" {
		modelID = prov.Model
	}
	switch provider {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: prov.BaseURL,
			Model:   modelID,
			APIKey:  prov.APIKey,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: prov.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("new gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelID,
		})
	case "claude":
		var baseURLPtr *string
		if prov.BaseURL != "" {
			baseURLPtr = &prov.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    prov.APIKey,
			Model:     modelID,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

func toSchema(msgs []Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs))
	for _, msg := range msgs {
		var role schema.RoleType
		switch msg.Role {
		case "assistant":
			role = schema.Assistant
		case "system":
			role = schema.System
		default:
			role = schema.User
		}
		out = append(out, &schema.Message{Role: role, Content: msg.Content})
	}
	return out
}
