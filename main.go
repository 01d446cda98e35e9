package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/insight-agent/server/internal/agent/model"
	"github.com/insight-agent/server/internal/agent/pipeline"
	"github.com/insight-agent/server/internal/agent/router"
	"github.com/insight-agent/server/internal/collab/llm"
	"github.com/insight-agent/server/internal/collab/reports"
	"github.com/insight-agent/server/internal/collab/retrieval"
	"github.com/insight-agent/server/internal/collab/warehouse"
	"github.com/insight-agent/server/internal/core"
	"github.com/insight-agent/server/internal/server"
	"github.com/insight-agent/server/internal/store/cachestore"
	"github.com/insight-agent/server/internal/store/convstore"
	"github.com/insight-agent/server/pkg/database"
	logx "github.com/insight-agent/server/pkg/logger"
)

// AppConfig defines all configurable parameters for the service, sourced
// from environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment string `envconfig:"APP_ENV" default:"development"`

	// Infrastructure
	Database database.Config
	Server   server.Config

	// LLM provider
	APIKey  string `envconfig:"GEMINI_API_KEY" required:"true"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`

	// Pipeline configs
	Pipeline  model.PipelineConfig
	Synthesis model.SynthesisModelConfig
	Response  model.ResponseModelConfig
	Router    model.RouterModelConfig
	Retrieval model.RetrievalConfig
	Warehouse model.WarehouseConfig
	Reports   model.ReportsConfig
}

func main() {
	ctx := context.Background()

	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Failed to process environment config: %v", err)
	}

	env := core.ParseEnvironment(cfg.Environment)
	logx.Init(logx.LoggerOpts{Environment: env})

	db := cfg.Database.MustNew()

	conversations := convstore.NewStore(db)
	if err := conversations.AutoMigrate(); err != nil {
		logx.Fatal().Err(err).Msg("conversation store migration failed")
	}
	cache := cachestore.NewStore(db)
	if err := cache.AutoMigrate(); err != nil {
		logx.Fatal().Err(err).Msg("cache store migration failed")
	}

	chatModels, err := llm.NewChatModels(ctx, llm.ChatModelConfig{
		APIKey:          cfg.APIKey,
		BaseURL:         cfg.BaseURL,
		SynthesisConfig: &cfg.Synthesis,
		ResponseConfig:  &cfg.Response,
		RouterConfig:    &cfg.Router,
	})
	if err != nil {
		logx.Fatal().Err(err).Msg("failed to create chat models")
	}

	retriever, err := retrieval.New(ctx, cfg.Retrieval)
	if err != nil {
		logx.Fatal().Err(err).Msg("failed to create schema retriever")
	}
	defer retriever.Close()

	warehouseClient := warehouse.New(cfg.Warehouse, cfg.Pipeline.PreviewRows)

	orchestrator, err := pipeline.New(ctx, pipeline.Config{
		Conversations:  conversations,
		Cache:          cache,
		Router:         router.New(chatModels.Router),
		Retriever:      retriever,
		Executor:       warehouseClient,
		Reports:        reports.New(cfg.Reports),
		SynthesisModel: chatModels.Synthesis,
		ResponseModel:  chatModels.Response,
		Pipeline:       cfg.Pipeline,
	})
	if err != nil {
		logx.Fatal().Err(err).Msg("failed to build pipeline")
	}

	srv := server.New(cfg.Server, env, server.NewHandler(orchestrator, conversations, cache, warehouseClient))

	go func() {
		if err := srv.Run(); err != nil {
			logx.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logx.Error().Err(err).Msg("shutdown error")
	}
	logx.Info().Msg("server stopped")
}
