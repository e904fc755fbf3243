package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"crabstack.local/projects/crab-care/internal/clinic"
	"crabstack.local/projects/crab-care/internal/config"
	"crabstack.local/projects/crab-care/internal/dispatch"
	"crabstack.local/projects/crab-care/internal/gateway"
	"crabstack.local/projects/crab-care/internal/httpapi"
	"crabstack.local/projects/crab-care/internal/ids"
	"crabstack.local/projects/crab-care/internal/llm"
	"crabstack.local/projects/crab-care/internal/mcpserver"
	"crabstack.local/projects/crab-care/internal/model"
	"crabstack.local/projects/crab-care/internal/session"
	"crabstack.local/projects/crab-care/internal/subscribers"
	logging "crabstack.local/projects/crab-care/internal/subscribers/logging"
	"crabstack.local/projects/crab-care/internal/subscribers/webhook"
	"crabstack.local/projects/crab-care/internal/tools"
)

func main() {
	logger := log.New(os.Stdout, "crab-care ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Printf("dotenv warning: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	dispatcher := dispatch.New(logger, buildSubscribers(logger, cfg))

	repo, err := openClinicRepository(cfg)
	if err != nil {
		logger.Fatalf("failed to initialize clinic repository: %v", err)
	}
	if closer, ok := repo.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				logger.Printf("clinic repository close error: %v", err)
			}
		}()
	}
	if cfg.SeedDemoData {
		if err := clinic.SeedDemo(context.Background(), repo, time.Now()); err != nil {
			logger.Fatalf("failed to seed demo data: %v", err)
		}
		logger.Printf("demo data seeded clinic_store=%s", cfg.ClinicStore)
	}

	store, err := openSessionStore(cfg)
	if err != nil {
		logger.Fatalf("failed to initialize session store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("store close error: %v", err)
		}
	}()

	provider, err := buildProvider(logger, cfg)
	if err != nil {
		logger.Fatalf("failed to initialize model provider: %v", err)
	}
	llmGateway := llm.New(logger, provider,
		llm.NewTokenBucket(cfg.RateLimitRequestsPerMinute, cfg.RateLimitTokensPerMinute),
		llm.Config{
			Model:        cfg.Model,
			MaxTokens:    cfg.MaxTokens,
			Temperature:  cfg.Temperature,
			SystemPrompt: gateway.SystemPrompt,
		})

	registry := tools.NewRegistry()
	verifier := clinic.NewVerificationService(logger, repo)
	appointments := clinic.NewAppointmentService(logger, repo)
	if err := tools.RegisterClinicTools(registry, logger, verifier, appointments); err != nil {
		logger.Fatalf("failed to register tools: %v", err)
	}

	service := gateway.NewService(logger, store, registry, llmGateway, dispatcher, gateway.Config{
		MaxIterations:   cfg.MaxTurnIterations,
		MaxMessageChars: cfg.MaxMessageChars,
	})

	reaper := session.NewReaper(logger, store, cfg.SessionIdleTimeout,
		session.WithSweepInterval(cfg.SessionSweepInterval),
		session.WithReapHook(func(ctx context.Context, sessionIDs []string) {
			for _, id := range sessionIDs {
				dispatcher.Dispatch(ctx, subscribers.Event{
					EventID:    ids.New(),
					EventType:  subscribers.EventTypeSessionReaped,
					OccurredAt: time.Now().UTC(),
					SessionID:  id,
				})
			}
		}),
	)
	if err := reaper.Start(); err != nil {
		logger.Fatalf("failed to start session reaper: %v", err)
	}

	var mcpHandler http.Handler
	if cfg.EnableMCP {
		mcpHandler = mcpserver.NewHandler(mcpserver.New(logger, registry, service))
		logger.Printf("mcp endpoint enabled path=/v1/mcp tools=%d", registry.Len())
	}
	srv := httpapi.NewServer(logger, cfg.HTTPAddr, service, store, mcpHandler)

	go func() {
		logger.Printf("listening on %s provider=%s model=%s session_store=%s clinic_store=%s", cfg.HTTPAddr, cfg.Provider, cfg.Model, cfg.SessionStore, cfg.ClinicStore)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server crashed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Printf("http server shutdown error: %v", err)
	}
	reaper.Stop()
	if err := dispatcher.Wait(ctx); err != nil {
		logger.Printf("event delivery incomplete at shutdown: %v", err)
	}
}

func openSessionStore(cfg config.Config) (session.Store, error) {
	if cfg.SessionStore == "memory" {
		return session.NewMemoryStore(), nil
	}
	return session.NewGormStore(cfg.SessionStore, cfg.SessionDBDSN)
}

func openClinicRepository(cfg config.Config) (clinic.Repository, error) {
	if cfg.ClinicStore == "memory" {
		return clinic.NewMemoryRepository(), nil
	}
	return clinic.NewGormRepository(cfg.ClinicStore, cfg.ClinicDBDSN)
}

func buildProvider(logger *log.Logger, cfg config.Config) (model.Provider, error) {
	registry := model.NewRegistry()
	model.RegisterBuiltins(registry)

	settings := model.Settings{Timeout: cfg.ProviderTimeout}
	switch cfg.Provider {
	case "anthropic":
		settings.APIKey = cfg.AnthropicAPIKey
		settings.Endpoint = cfg.AnthropicEndpoint
	case "openai":
		settings.APIKey = cfg.OpenAIAPIKey
		settings.Endpoint = cfg.OpenAIBaseURL
	}

	policy := model.DefaultRetryPolicy()
	policy.MaxRetries = cfg.ProviderMaxRetries
	return registry.Build(cfg.Provider, settings, logger, &policy)
}

func buildSubscribers(logger *log.Logger, cfg config.Config) []subscribers.Subscriber {
	subs := []subscribers.Subscriber{logging.New(logger)}
	for idx, webhookURL := range cfg.WebhookURLs {
		var opts []webhook.Option
		if cfg.WebhookSecret != "" {
			opts = append(opts, webhook.WithSigningSecret(cfg.WebhookSecret))
		}
		subs = append(subs, webhook.New(webhookSubscriberName(idx, webhookURL), webhookURL, logger, opts...))
	}
	return subs
}

func webhookSubscriberName(index int, webhookURL string) string {
	parsed, err := url.Parse(webhookURL)
	if err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return fmt.Sprintf("webhook-%d", index+1)
}
