package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/choraleia/chatcore/pkg/config"
	"github.com/choraleia/chatcore/pkg/db"
	"github.com/choraleia/chatcore/pkg/embedding"
	"github.com/choraleia/chatcore/pkg/event"
	"github.com/choraleia/chatcore/pkg/gateway"
	"github.com/choraleia/chatcore/pkg/metrics"
	"github.com/choraleia/chatcore/pkg/retrieval"
	"github.com/choraleia/chatcore/pkg/service"
	"github.com/choraleia/chatcore/pkg/utils"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

func main() {
	// Provider keys usually live in .env during development.
	_ = godotenv.Load()

	if err := rootCMD().Execute(); err != nil {
		os.Exit(1)
	}
}

// App holds the wired services of one process.
type App struct {
	cfg    *config.AppConfig
	logger *slog.Logger

	db        *gorm.DB
	metrics   *metrics.Metrics
	emitter   *event.Emitter
	hub       *event.Hub
	redis     *redis.Client
	relay     *event.RedisRelay
	gateway   *gateway.Gateway
	estimator *embedding.Estimator
	engine    *retrieval.Engine

	conversations *service.ConversationService
	quota         *service.QuotaService
	chat          *service.ChatService
	documents     *service.DocumentService
	study         *service.StudyService
}

// NewApp opens storage and wires every service from cfg.
func NewApp(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*App, error) {
	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		emitter: event.NewEmitter(logger),
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	a.db = database

	providers := gateway.NewProviders(ctx, cfg.Providers, logger)
	delayMin, delayMax := cfg.SimulationDelay()
	a.gateway = gateway.New(providers, gateway.Options{
		Timeout:            cfg.GatewayTimeout(),
		FallbackDepth:      cfg.FallbackDepth(),
		SimulationDelayMin: delayMin,
		SimulationDelayMax: delayMax,
	}, logger, a.metrics)
	if a.gateway.Simulating() {
		logger.Warn("No provider available, answering in simulation mode")
	}

	a.estimator = embedding.New(newEmbeddingBackend(ctx, cfg, a.gateway, logger), cfg.Dimension(), logger)
	index, err := newIndex(cfg, a.estimator)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = retrieval.NewEngine(index, a.estimator, logger)
	a.engine.SetMetrics(a.metrics)
	a.loadSnapshot()

	a.hub = event.NewHub(logger)
	a.hub.SetMetrics(a.metrics)
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.relay = event.NewRedisRelay(a.redis, a.hub, cfg.RedisChannelPrefix(), logger)
	}

	a.conversations = service.NewConversationService(database, logger)
	a.conversations.SetEmitter(a.emitter)
	a.quota = service.NewQuotaService(database, cfg.QuotaLimit(), logger)

	a.documents = service.NewDocumentService(database, a.engine, retrieval.ChunkOptions{}, logger)
	a.documents.SetEmitter(a.emitter)

	threshold := cfg.SearchThreshold()
	a.chat = service.NewChatService(a.conversations, a.quota, a.documents, a.gateway, a.hub, service.ChatOptions{
		HistoryLimit:     cfg.HistoryLimit(),
		MaxContentLength: cfg.MaxContentLength(),
		QuotaMinRequired: cfg.QuotaMinRequired(),
		SearchLimit:      cfg.SearchLimit(),
		SearchThreshold:  &threshold,
	}, logger)
	a.chat.SetEmitter(a.emitter)
	a.chat.SetMetrics(a.metrics)

	a.study = service.NewStudyService(a.gateway, a.documents, a.quota, logger)
	return a, nil
}

// openDatabase opens the configured SQLite file, creating its directory.
func openDatabase(cfg *config.AppConfig) (*gorm.DB, error) {
	if dir := filepath.Dir(cfg.DatabasePath()); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	return db.Open(cfg.DatabasePath())
}

// Run starts background workers. It returns when ctx is done.
func (a *App) Run(ctx context.Context) {
	if a.relay == nil {
		return
	}
	go func() {
		if err := a.relay.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("Room relay stopped", "error", err)
		}
	}()
}

// Close releases storage and connections.
func (a *App) Close() {
	a.saveSnapshot()
	if a.hub != nil {
		a.hub.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

// newEmbeddingBackend prefers a dedicated embedding model, then the first
// chat provider able to embed. Nil selects fallback embeddings.
func newEmbeddingBackend(ctx context.Context, cfg *config.AppConfig, gw *gateway.Gateway, logger *slog.Logger) embedding.Backend {
	if cfg.Embedding != nil && cfg.Embedding.HasCredentials() {
		embedder, err := gateway.CreateEmbedder(ctx, cfg.Embedding)
		if err == nil {
			logger.Info("Embedding provider configured", "provider", cfg.Embedding.Provider, "model", cfg.Embedding.Model)
			return embedding.NewEinoBackend(embedder)
		}
		logger.Warn("Failed to create embedder, trying chat providers", "provider", cfg.Embedding.Provider, "error", err)
	}
	if gw.CanEmbed() {
		return embedding.BackendFunc(gw.Embed)
	}
	logger.Info("No embedding provider, using fallback embeddings")
	return nil
}

func newIndex(cfg *config.AppConfig, estimator *embedding.Estimator) (retrieval.Index, error) {
	if cfg.RetrievalBackend() == "chromem" {
		return retrieval.NewChromemIndex(cfg.Retrieval.Path, estimator.Func())
	}
	return retrieval.NewMemoryIndex(), nil
}

// snapshotPath is where the memory index is kept between runs, if anywhere.
func (a *App) snapshotPath() string {
	if a.cfg.RetrievalBackend() != "memory" || a.cfg.Retrieval.Path == "" {
		return ""
	}
	return a.cfg.Retrieval.Path
}

func (a *App) loadSnapshot() {
	path := a.snapshotPath()
	if path == "" {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			a.logger.Warn("Failed to open index snapshot", "path", path, "error", err)
		}
		return
	}
	defer f.Close()
	n, err := a.engine.Import(f)
	if err != nil {
		a.logger.Warn("Failed to load index snapshot", "path", path, "error", err)
		return
	}
	a.logger.Info("Loaded index snapshot", "path", path, "fragments", n)
}

func (a *App) saveSnapshot() {
	path := a.snapshotPath()
	if path == "" || a.engine == nil {
		return
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		a.logger.Warn("Failed to write index snapshot", "path", path, "error", err)
		return
	}
	if err := a.engine.Export(f); err != nil {
		f.Close()
		os.Remove(tmp)
		a.logger.Warn("Failed to write index snapshot", "path", path, "error", err)
		return
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		a.logger.Warn("Failed to replace index snapshot", "path", path, "error", err)
	}
}

func initLogging(cfg *config.AppConfig) *slog.Logger {
	return utils.InitLogger(utils.LoggerOptions{Level: cfg.Log.Level, Format: cfg.Log.Format})
}
