package app

import (
	"context"
	"log"
	"time"

	"github.com/littlelanterns/stewardship-manifest/internal/config"
	db "github.com/littlelanterns/stewardship-manifest/internal/core/database"
	"github.com/littlelanterns/stewardship-manifest/internal/core/insight"
	"github.com/littlelanterns/stewardship-manifest/internal/core/llm"
	"github.com/littlelanterns/stewardship-manifest/internal/core/objectstore"
	"github.com/littlelanterns/stewardship-manifest/internal/core/pipeline"
)

type App struct {
	Store    *db.PostgresStore
	Objects  *objectstore.S3Store
	Pipeline *pipeline.Pipeline
	Server   *Server
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	store, err := db.NewPostgresStore(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	log.Println("Database initialized and ready.")

	objects, err := objectstore.NewS3Store(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	log.Println("Object store initialized and ready.")

	client := llm.NewClient(llm.Config{
		BaseURL:    cfg.AIBaseURL,
		APIKey:     cfg.AIAPIKey,
		EmbedModel: cfg.EmbedModel,
		ChatModel:  cfg.ChatModel,
	})
	providers := llm.NewFactory(client, llm.NewStoredKeyResolver(store, cfg.AIAPIKey))

	pipe := pipeline.New(store, objects, providers, pipeline.Config{
		TargetTokens:  cfg.TargetTokens,
		OverlapTokens: cfg.OverlapTok,
	})
	pipe.Start(ctx, cfg.NumWorkers)

	insights := insight.NewFactory(providers)

	server := NewServer(cfg, store, objects, pipe, providers, insights)

	return &App{Store: store, Objects: objects, Pipeline: pipe, Server: server}, nil
}

func (a *App) Close() {
	if a.Store != nil {
		_ = a.Store.Close()
	}
}
