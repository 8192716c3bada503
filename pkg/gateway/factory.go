package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/choraleia/chatcore/pkg/models"
	"github.com/choraleia/chatcore/pkg/utils"
	arkEmbedding "github.com/cloudwego/eino-ext/components/embedding/ark"
	dashscopeEmbedding "github.com/cloudwego/eino-ext/components/embedding/dashscope"
	geminiEmbedding "github.com/cloudwego/eino-ext/components/embedding/gemini"
	ollamaEmbedding "github.com/cloudwego/eino-ext/components/embedding/ollama"
	openaiEmbedding "github.com/cloudwego/eino-ext/components/embedding/openai"
	qianfanEmbedding "github.com/cloudwego/eino-ext/components/embedding/qianfan"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/deepseek"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino-ext/components/model/qianfan"
	"github.com/cloudwego/eino-ext/components/model/qwen"
	einoEmbedding "github.com/cloudwego/eino/components/embedding"
	einoModel "github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"
)

const (
	arkTimeout      = 600 * time.Second
	arkRetries      = 3
	claudeMaxTokens = 8192
	// ExtraEmbeddingModel names an embedding model served by a chat provider.
	ExtraEmbeddingModel = "embedding_model"
)

// CreateChatModel creates an eino chat model from config
func CreateChatModel(ctx context.Context, config *models.ModelConfig) (einoModel.ToolCallingChatModel, error) {
	if config == nil {
		return nil, fmt.Errorf("model config is nil")
	}
	apiKey := config.ResolvedAPIKey()

	switch config.Provider {
	case "openai", "custom":
		chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: config.BaseUrl,
			APIKey:  apiKey,
			Model:   config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI model: %w", err)
		}
		return chatModel, nil

	case "ark":
		timeout := arkTimeout
		retries := arkRetries
		chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
			BaseURL:    config.BaseUrl,
			Region:     config.ExtraString("region"),
			Timeout:    &timeout,
			RetryTimes: &retries,
			APIKey:     apiKey,
			Model:      config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ark model: %w", err)
		}
		return chatModel, nil

	case "deepseek":
		chatModel, err := deepseek.NewChatModel(ctx, &deepseek.ChatModelConfig{
			BaseURL: config.BaseUrl,
			APIKey:  apiKey,
			Model:   config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create DeepSeek model: %w", err)
		}
		return chatModel, nil

	case "anthropic":
		maxTokens := config.MaxTokens
		if maxTokens <= 0 {
			maxTokens = claudeMaxTokens
		}
		var baseURL *string
		if config.BaseUrl != "" {
			baseURL = &config.BaseUrl
		}
		chatModel, err := claude.NewChatModel(ctx, &claude.Config{
			BaseURL:   baseURL,
			APIKey:    apiKey,
			Model:     config.Model,
			MaxTokens: maxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Claude model: %w", err)
		}
		return chatModel, nil

	case "ollama":
		chatModel, err := ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: config.BaseUrl,
			Model:   config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama model: %w", err)
		}
		return chatModel, nil

	case "google":
		genaiClient, err := newGenaiClient(ctx, apiKey)
		if err != nil {
			return nil, err
		}
		chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
			Client: genaiClient,
			Model:  config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini model: %w", err)
		}
		return chatModel, nil

	case "qianfan":
		configureQianfan(config.BaseUrl, apiKey)
		chatModel, err := qianfan.NewChatModel(ctx, &qianfan.ChatModelConfig{
			Model: config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Qianfan model: %w", err)
		}
		return chatModel, nil

	case "qwen":
		chatModel, err := qwen.NewChatModel(ctx, &qwen.ChatModelConfig{
			BaseURL: config.BaseUrl,
			APIKey:  apiKey,
			Model:   config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Qwen model: %w", err)
		}
		return chatModel, nil

	default:
		return nil, fmt.Errorf("unsupported model provider: %s", config.Provider)
	}
}

// CreateEmbedder creates an eino embedder from config
func CreateEmbedder(ctx context.Context, config *models.ModelConfig) (einoEmbedding.Embedder, error) {
	if config == nil {
		return nil, fmt.Errorf("embedding config is nil")
	}
	apiKey := config.ResolvedAPIKey()

	switch config.Provider {
	case "openai", "custom":
		embedder, err := openaiEmbedding.NewEmbedder(ctx, &openaiEmbedding.EmbeddingConfig{
			BaseURL: config.BaseUrl,
			APIKey:  apiKey,
			Model:   config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI embedder: %w", err)
		}
		return embedder, nil

	case "ark":
		timeout := arkTimeout
		retries := arkRetries
		embedder, err := arkEmbedding.NewEmbedder(ctx, &arkEmbedding.EmbeddingConfig{
			BaseURL:    config.BaseUrl,
			Region:     config.ExtraString("region"),
			Timeout:    &timeout,
			RetryTimes: &retries,
			APIKey:     apiKey,
			Model:      config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ark embedder: %w", err)
		}
		return embedder, nil

	case "dashscope":
		embedder, err := dashscopeEmbedding.NewEmbedder(ctx, &dashscopeEmbedding.EmbeddingConfig{
			APIKey: apiKey,
			Model:  config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create DashScope embedder: %w", err)
		}
		return embedder, nil

	case "google":
		genaiClient, err := newGenaiClient(ctx, apiKey)
		if err != nil {
			return nil, err
		}
		embedder, err := geminiEmbedding.NewEmbedder(ctx, &geminiEmbedding.EmbeddingConfig{
			Client: genaiClient,
			Model:  config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini embedder: %w", err)
		}
		return embedder, nil

	case "ollama":
		embedder, err := ollamaEmbedding.NewEmbedder(ctx, &ollamaEmbedding.EmbeddingConfig{
			BaseURL: config.BaseUrl,
			Model:   config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama embedder: %w", err)
		}
		return embedder, nil

	case "qianfan":
		configureQianfan(config.BaseUrl, apiKey)
		embedder, err := qianfanEmbedding.NewEmbedder(ctx, &qianfanEmbedding.EmbeddingConfig{
			Model: config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Qianfan embedder: %w", err)
		}
		return embedder, nil

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", config.Provider)
	}
}

// NewProvider builds a provider from config. Providers without credentials
// are returned unavailable rather than as an error, so they still show up in
// the gateway status.
func NewProvider(ctx context.Context, config models.ModelConfig) (*EinoProvider, error) {
	config.Normalize()
	if !config.HasCredentials() {
		return NewEinoProvider(config.Name, config.Model, nil, nil), nil
	}

	chatModel, err := CreateChatModel(ctx, &config)
	if err != nil {
		return nil, err
	}

	var embedder einoEmbedding.Embedder
	if embeddingModel := config.ExtraString(ExtraEmbeddingModel); embeddingModel != "" {
		embedConfig := config
		embedConfig.Model = embeddingModel
		embedder, err = CreateEmbedder(ctx, &embedConfig)
		if err != nil {
			return nil, err
		}
	}
	return NewEinoProvider(config.Name, config.Model, chatModel, embedder), nil
}

// NewProviders builds every configured provider in order. Providers that fail
// to build are logged and left out.
func NewProviders(ctx context.Context, configs []models.ModelConfig, logger *slog.Logger) []Provider {
	if logger == nil {
		logger = utils.GetLogger()
	}
	providers := make([]Provider, 0, len(configs))
	for _, cfg := range configs {
		p, err := NewProvider(ctx, cfg)
		if err != nil {
			logger.Warn("Skipping provider", "provider", cfg.Provider, "model", cfg.Model, "error", err)
			continue
		}
		if !p.Available() {
			logger.Info("Provider has no credentials", "provider", p.Name())
		} else {
			logger.Info("Provider configured", "provider", p.Name(), "api_key", utils.MaskSensitiveString(cfg.ResolvedAPIKey()))
		}
		providers = append(providers, p)
	}
	return providers
}

func newGenaiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return client, nil
}

// configureQianfan sets the process-wide Qianfan credentials shared by the
// chat and embedding clients.
func configureQianfan(baseURL, apiKey string) {
	qianfanConfig := qianfan.GetQianfanSingletonConfig()
	if baseURL != "" {
		qianfanConfig.BaseURL = baseURL
	}
	qianfanConfig.BearerToken = apiKey
}
