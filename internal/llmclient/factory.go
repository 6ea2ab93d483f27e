package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/flagrunner/api/schemas"
	"github.com/xkilldash9x/flagrunner/internal/config"
)

// NewClient creates an LLMClient for a single model configuration.
func NewClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI, "":
		return NewOpenAIClient(cfg, logger)
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]",
			cfg.Provider, config.ProviderOpenAI, config.ProviderGemini)
	}
}

// NewRouterFromConfig resolves the fast and powerful tiers to concrete
// clients. A model named by both tiers is instantiated once.
func NewRouterFromConfig(ctx context.Context, cfg config.LLMRouterConfig, logger *zap.Logger) (*LLMRouter, error) {
	built := make(map[string]schemas.LLMClient)
	resolve := func(name string) (schemas.LLMClient, error) {
		if client, ok := built[name]; ok {
			return client, nil
		}
		modelCfg, err := cfg.Model(name)
		if err != nil {
			return nil, err
		}
		client, err := NewClient(ctx, modelCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create client for model %q: %w", name, err)
		}
		built[name] = client
		return client, nil
	}

	fast, err := resolve(cfg.DefaultFastModel)
	if err != nil {
		return nil, err
	}
	powerful, err := resolve(cfg.DefaultPowerfulModel)
	if err != nil {
		_ = fast.Close()
		return nil, err
	}

	logger.Info("LLM router configured",
		zap.String("fast_model", cfg.DefaultFastModel),
		zap.String("powerful_model", cfg.DefaultPowerfulModel))
	return NewLLMRouter(logger, fast, powerful)
}
