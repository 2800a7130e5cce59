// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vetlink/chat-sync/internal/changefeed"
	"github.com/vetlink/chat-sync/internal/chat"
	"github.com/vetlink/chat-sync/internal/config"
	"github.com/vetlink/chat-sync/internal/database"
	"github.com/vetlink/chat-sync/internal/handler"
	"github.com/vetlink/chat-sync/internal/middleware"
	natsclient "github.com/vetlink/chat-sync/internal/nats"
	"github.com/vetlink/chat-sync/internal/notify"
	"github.com/vetlink/chat-sync/internal/realtime"
	"github.com/vetlink/chat-sync/internal/storage"
	"github.com/vetlink/chat-sync/internal/store"
	"github.com/vetlink/chat-sync/pkg/logger"
	"github.com/vetlink/chat-sync/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting chat API server")

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chat-sync", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	var (
		conversations store.ConversationStore
		messages      store.MessageStore
		typingStore   store.TypingStore
		checks        []handler.Check
	)

	// Durable rows
	if cfg.UseMemoryStore() {
		log.Warn("DATABASE_URL not set, using in-memory store")
		mem := store.NewMemory()
		conversations, messages, typingStore = mem, mem, mem
	} else {
		pool, err := database.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			log.Fatal("failed to connect to Postgres", zap.Error(err))
		}
		defer pool.Close()

		pg := store.NewPostgres(pool)
		conversations, messages, typingStore = pg, pg, pg
		checks = append(checks, handler.Check{Name: "postgres", Fn: func(ctx context.Context) error {
			return database.Ping(ctx, pool, 2*time.Second)
		}})
	}

	if cfg.TypingBackend == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		typingStore = store.NewRedisTyping(rdb, 30*time.Second)
		checks = append(checks, handler.Check{Name: "redis", Fn: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
		log.Info("typing status stored in Redis", zap.String("addr", cfg.RedisAddr))
	}

	// Realtime change stream
	var broker realtime.Broker
	if cfg.UseMemoryBroker() {
		log.Warn("NATS_URL=memory, realtime events stay in process")
		mb := realtime.NewMemoryBroker()
		defer mb.Close()
		broker = mb
	} else {
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		nb := natsclient.NewBroker(natsClient)
		if err := nb.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure stream", zap.Error(err))
		}
		broker = nb
		checks = append(checks, handler.Check{Name: "nats", Fn: func(context.Context) error {
			if !natsClient.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}})
	}

	// Attachments
	var uploader storage.Uploader
	if cfg.StorageURL == "" {
		log.Warn("STORAGE_URL not set, attachments kept in memory")
		uploader = storage.NewMemory("memory://" + cfg.StorageBucket)
	} else {
		uploader = storage.NewSupabase(cfg.StorageURL, cfg.StorageBucket, cfg.StorageServiceKey)
	}
	spool, err := storage.NewSpool(cfg.UploadDir)
	if err != nil {
		log.Fatal("failed to prepare upload spool", zap.Error(err))
	}

	// Chat sessions
	resolver := chat.NewResolver(conversations, log)
	deps := chat.Deps{
		Resolver: resolver,
		Messages: chat.NewMessageAdapter(changefeed.NewMessages(messages, broker, log), uploader, log),
		Typing:   changefeed.NewTyping(typingStore, broker, log),
		Realtime: broker,
		Notifier: notify.NewPublisher(broker),
		Clock:    chat.SystemClock{},
		Logger:   log,
	}
	opts := chat.DefaultOptions()
	opts.Retry.MaxRetries = cfg.SendMaxRetries
	opts.Retry.Base = cfg.SendRetryBase
	opts.TypingDebounce = cfg.TypingDebounce
	opts.PeerTypingTTL = cfg.PeerTypingTTL
	opts.ResubscribeMaxGap = cfg.ResubscribeMaxGap

	registry := chat.NewRegistry(func(selfID, peerID string) *chat.Session {
		return chat.NewSession(selfID, peerID, deps, opts)
	}, log)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go sweepUploads(sweepCtx, spool, cfg.UploadTTL, log)

	// Handlers
	healthHandler := handler.NewHealthHandler(checks...)
	api := handler.Handlers{
		Conversations: handler.NewConversationHandler(resolver, log),
		Messages:      handler.NewMessageHandler(registry, spool, cfg.MaxUploadBytes, log),
		Stream:        handler.NewStreamHandler(registry, cfg.StreamHeartbeat, log),
		WS:            handler.NewWSHandler(registry, cfg.AllowedOrigins, cfg.StreamHeartbeat, log),
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		api.Mount(r)
	})

	// WriteTimeout stays zero by default so streams are not cut.
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	// Closing the sessions ends every attached stream so Shutdown can drain.
	server.RegisterOnShutdown(registry.CloseAll)

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

func sweepUploads(ctx context.Context, spool *storage.Spool, ttl time.Duration, log *logger.Logger) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := spool.Sweep(ttl, now)
			if err != nil {
				log.Warn("upload sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Debug("swept stale uploads", zap.Int("count", n))
			}
		}
	}
}
