package llm

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"google.golang.org/genai"

	"github.com/insight-agent/server/internal/agent/model"
	logx "github.com/insight-agent/server/pkg/logger"
)

// ChatModelConfig holds the configuration for chat model creation.
type ChatModelConfig struct {
	APIKey          string
	BaseURL         string
	SynthesisConfig *model.SynthesisModelConfig
	ResponseConfig  *model.ResponseModelConfig
	RouterConfig    *model.RouterModelConfig
}

// ChatModels holds the three chat models the pipeline invokes: query
// synthesis, response synthesis, and route classification.
type ChatModels struct {
	Synthesis          *gemini.ChatModel
	Response           *gemini.ChatModel
	Router             *gemini.ChatModel
	SynthesisModelName string
	ResponseModelName  string
	RouterModelName    string
}

// NewChatModels creates the pipeline chat models over one shared Gemini client.
func NewChatModels(ctx context.Context, config ChatModelConfig) (*ChatModels, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = config.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	synthesis, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.SynthesisConfig.Model,
		Temperature: &config.SynthesisConfig.Temperature,
		MaxTokens:   &config.SynthesisConfig.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating synthesis model")
		return nil, fmt.Errorf("error creating synthesis model: %w", err)
	}

	response, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.ResponseConfig.Model,
		Temperature: &config.ResponseConfig.Temperature,
		MaxTokens:   &config.ResponseConfig.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating response model")
		return nil, fmt.Errorf("error creating response model: %w", err)
	}

	router, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.RouterConfig.Model,
		Temperature: &config.RouterConfig.Temperature,
		MaxTokens:   &config.RouterConfig.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating router model")
		return nil, fmt.Errorf("error creating router model: %w", err)
	}

	return &ChatModels{
		Synthesis:          synthesis,
		Response:           response,
		Router:             router,
		SynthesisModelName: config.SynthesisConfig.Model,
		ResponseModelName:  config.ResponseConfig.Model,
		RouterModelName:    config.RouterConfig.Model,
	}, nil
}
