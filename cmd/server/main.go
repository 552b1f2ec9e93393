package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coachd/coachd/internal/coach"
	"github.com/coachd/coachd/internal/config"
	"github.com/coachd/coachd/internal/guidance"
	"github.com/coachd/coachd/internal/httpserver"
	"github.com/coachd/coachd/internal/llm"
	"github.com/coachd/coachd/internal/rtc"
	"github.com/coachd/coachd/internal/storage"
	"github.com/coachd/coachd/internal/telephony"
	"github.com/coachd/coachd/internal/transcribe"
	"github.com/coachd/coachd/internal/usage"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	policy := coach.DefaultTriggerPolicy()
	if cfg.TriggerPolicyPath != "" {
		if err := policy.LoadFile(cfg.TriggerPolicyPath); err != nil {
			log.Printf("trigger policy load failed, using built-in table: %v", err)
		}
	}

	var store *storage.Store
	if cfg.SupabaseURL != "" && cfg.SupabaseServiceRoleKey != "" {
		var err error
		store, err = storage.New(cfg.SupabaseURL, cfg.SupabaseServiceRoleKey, cfg.SupabaseBucket)
		if err != nil {
			log.Fatalf("supabase init: %v", err)
		}
	}

	var usageCollector coach.UsageCollector = usage.LogCollector{}
	if store != nil {
		usageCollector = usage.NewCollector(store, cfg.UsageTable)
	}

	var retriever guidance.Retriever
	if store != nil {
		retriever = guidance.NewPlaybookRetriever(store, cfg.PlaybookPath)
	}

	var backend coach.GuidanceBackend
	if cfg.AnthropicAPIKey != "" {
		claude := llm.NewClaudeClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		backend = guidance.NewEngine(claude, retriever)
	}

	manager := coach.NewManager()

	newSession := func(callID string, sink coach.EventSink, sampleRate int) *coach.Session {
		deps := coach.SessionDeps{
			Backend:    backend,
			Sink:       sink,
			Policy:     policy,
			Usage:      usageCollector,
			SampleRate: sampleRate,
		}
		if cfg.DeepgramAPIKey != "" {
			deps.Provider = func(l transcribe.Listener) transcribe.Provider {
				return transcribe.NewDeepgramService(cfg.DeepgramAPIKey, sampleRate, l)
			}
		}
		return coach.NewSession(callID, deps)
	}

	var telephonyService *telephony.Service
	if cfg.TwilioAuthToken != "" {
		var recordings telephony.Storage
		if store != nil {
			recordings = store
		}
		telephonyService = telephony.New(telephony.Config{
			AccountSID:     cfg.TwilioAccountSID,
			AuthToken:      cfg.TwilioAuthToken,
			StreamPassword: cfg.AuthPassword,
		}, recordings)
	}

	rtcHandler := rtc.NewHandler(func(callID string, sink coach.EventSink) (*coach.Session, error) {
		return newSession(callID, sink, 16000), nil
	}, manager)

	srv := httpserver.New(httpserver.Deps{
		Manager:      manager,
		Sessions:     newSession,
		Policy:       policy,
		Usage:        usageCollector,
		Telephony:    telephonyService,
		RTCHandler:   rtcHandler,
		AuthPassword: cfg.AuthPassword,
		PolicyPath:   cfg.TriggerPolicyPath,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Echo,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
	manager.Shutdown()
}
