package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tagdesk/internal/app"
	"tagdesk/internal/authpw"
	"tagdesk/internal/config"
	"tagdesk/internal/ranking"
	"tagdesk/internal/session"
	"tagdesk/internal/sheets"
	"tagdesk/internal/store"
	"tagdesk/internal/story"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	if cfg.SpreadsheetID == "" {
		log.Fatal("TAGDESK_SPREADSHEET_ID is required")
	}

	gateway, err := sheets.NewClient(ctx, sheets.Config{
		CredentialsPath: cfg.CredentialsPath,
		SpreadsheetID:   cfg.SpreadsheetID,
		RatePerSecond:   cfg.GatewayRate,
		Burst:           cfg.GatewayBurst,
	})
	if err != nil {
		log.Fatalf("sheets client failed: %v", err)
	}

	dataStore := store.New(gateway, store.Options{
		Staleness:          cfg.StalenessWindow,
		TargetPerNarrative: cfg.TargetPerNarrative,
		DoneThreshold:      cfg.DoneThreshold,
		FullThreshold:      cfg.FullThreshold,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.GatewayTimeout)
	if err := dataStore.Ping(pingCtx); err != nil {
		log.Printf("WARNING: spreadsheet unreachable at startup (will retry on demand): %v", err)
	}
	cancel()

	creds := authpw.NewService(cfg.Taggers)
	if !creds.Configured() {
		log.Printf("WARNING: no tagger credentials configured, auth routes will refuse sign-in")
	}

	var service *app.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh token storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		service = app.NewWithSessionStore(cfg, dataStore, redisStore, creds)
	} else {
		log.Printf("Using in-memory refresh token storage")
		service = app.New(cfg, dataStore, creds)
	}

	if cfg.OpenAIKey != "" {
		stories, err := story.NewGenerator(story.Config{
			APIKey:   cfg.OpenAIKey,
			Model:    cfg.OpenAIModel,
			CacheTTL: cfg.StoryCacheTTL,
		})
		if err != nil {
			log.Fatalf("story generator failed: %v", err)
		}
		ranker, err := ranking.NewRanker(ranking.Config{
			APIKey: cfg.OpenAIKey,
			Model:  cfg.OpenAIModel,
		})
		if err != nil {
			log.Fatalf("video ranker failed: %v", err)
		}
		service.WithLLM(stories, ranker)
	} else {
		log.Printf("OPENAI_API_KEY not set, story and ranking routes disabled")
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Tagdesk API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
