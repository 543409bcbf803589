package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/askqwen/gptuidemo/internal/api"
	"github.com/askqwen/gptuidemo/internal/auth"
	"github.com/askqwen/gptuidemo/internal/completion"
	"github.com/askqwen/gptuidemo/internal/config"
	"github.com/askqwen/gptuidemo/internal/events"
	"github.com/askqwen/gptuidemo/internal/handoff"
	"github.com/askqwen/gptuidemo/internal/logging"
	"github.com/askqwen/gptuidemo/internal/redis"
	"github.com/askqwen/gptuidemo/internal/session"
	"github.com/askqwen/gptuidemo/internal/storage"
	"github.com/askqwen/gptuidemo/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("GPTUIDEMO_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.BasicConfig.LogLevel,
		Development: cfg.BasicConfig.Development,
		File:        cfg.BasicConfig.LogFile,
	})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	stores, closeStores, err := openStores(cfg, logger)
	if err != nil {
		logger.Fatal("open storage", zap.Error(err))
	}
	defer closeStores()

	bus := events.NewBus()
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			logger.Fatal("create redis client", zap.Error(err))
		}
		defer rdb.Close()
		if err := events.NewRedisRelay(bus, rdb, logger.Named("relay")).Start(ctx); err != nil {
			logger.Fatal("start signal relay", zap.Error(err))
		}
	}

	handoffs, err := newHandoffStore(ctx, cfg, rdb, logger)
	if err != nil {
		logger.Fatal("init handoff store", zap.Error(err))
	}

	var backend completion.Client
	switch strings.ToLower(cfg.Completion.Backend) {
	case "provider":
		backend = completion.NewProviderClient(cfg, logger.Named("provider"))
	default:
		backend = completion.NewHTTPClient(cfg.Completion.Endpoint, cfg.CompletionTimeout(), logger.Named("completion"))
	}
	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}, backend, logger.Named("worker"))
	defer dispatcher.Stop()

	modelIDs := make([]string, 0, len(cfg.Completion.Models))
	for _, m := range cfg.Completion.Models {
		modelIDs = append(modelIDs, m.ID)
	}
	if len(modelIDs) == 0 {
		modelIDs = nil
	}
	hub := session.NewHub(session.HubConfig{
		Stores:       stores,
		Handoffs:     handoffs,
		Completer:    worker.NewPooledClient(dispatcher),
		Bus:          bus,
		Logger:       logger.Named("session"),
		DefaultModel: cfg.Completion.DefaultModel,
		Models:       modelIDs,
		IdleTimeout:  cfg.SessionIdleTimeout(),
		OnClose:      dispatcher.CancelClient,
	})
	defer hub.CloseAll()
	hub.StartJanitor(ctx, session.DefaultSweepInterval)

	if !cfg.BasicConfig.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), logging.RequestLogger(logger.Named("http")))
	api.NewHandler(api.Options{
		Hub:          hub,
		Handoffs:     handoffs,
		Auth:         auth.NewService(0),
		Models:       cfg.Completion.Models,
		DefaultModel: cfg.Completion.DefaultModel,
		Logger:       logger.Named("api"),
	}).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("server listening",
		zap.String("addr", srv.Addr),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("backend", cfg.Completion.Backend),
	)
	if err := runServer(ctx, srv); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
}

func openStores(cfg *config.Config, logger *zap.Logger) (session.StoreFactory, func(), error) {
	driver := strings.ToLower(cfg.Storage.Driver)
	if driver == "memory" {
		memDB := storage.NewMemoryDB()
		logger.Warn("using in-memory chat storage, chats are lost on restart")
		return func(clientID string) session.Store { return memDB.ForClient(clientID) }, func() {}, nil
	}
	db, err := storage.Open(driver, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := storage.Migrate(db, driver); err != nil {
		db.Close()
		return nil, nil, err
	}
	factory := func(clientID string) session.Store {
		return storage.NewChatStore(db, driver, clientID)
	}
	return factory, func() { db.Close() }, nil
}

func newHandoffStore(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger) (handoff.Store, error) {
	switch strings.ToLower(cfg.BasicConfig.HandoffStore) {
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis handoff store needs redis enabled")
		}
		return handoff.NewRedisStore(rdb, cfg.HandoffTTL()), nil
	default:
		store := handoff.NewMemoryStore(cfg.HandoffTTL(), logger.Named("handoff"))
		store.StartJanitor(ctx, handoff.DefaultJanitorInterval)
		return store, nil
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
