package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"insights/api/internal/app"
	"insights/api/internal/chat"
	"insights/api/internal/completion"
	"insights/api/internal/session"
	"insights/api/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	dataStore := store.NewPostgresStore(db)

	redisStore, err := session.NewRedisStore(cfg.RedisURL, cfg.LocalTranscriptTTL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer redisStore.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	service := app.New(
		cfg,
		dataStore,
		redisStore,
		completion.NewClient(cfg.CompletionURL, cfg.CompletionAuthToken, nil),
		chat.NewMetrics(registry),
	)
	go service.RunSweeper(ctx, time.Minute)

	if cfg.PushEnabled {
		listener := store.NewListener(cfg.DatabaseURL, dataStore)
		go func() {
			err := listener.Listen(ctx, func(ctx context.Context, row store.ChatHistoryRow) {
				service.HandlePush(ctx, row)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("chat history listener stopped: %v", err)
			}
		}()
	} else {
		log.Printf("Push disabled; signed-in transcripts refresh on fetch only")
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, registry)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Event streams and completion calls have no fixed write deadline.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	go func() {
		log.Printf("Insights API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	return nil
}
