package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/toolchat/internal/chat"
	"github.com/ashureev/toolchat/internal/config"
	"github.com/ashureev/toolchat/internal/detect"
	"github.com/ashureev/toolchat/internal/flow"
	"github.com/ashureev/toolchat/internal/guardrails"
	"github.com/ashureev/toolchat/internal/llm"
	"github.com/ashureev/toolchat/internal/store"
	"github.com/ashureev/toolchat/internal/tools"
	"github.com/ashureev/toolchat/internal/transcript"
)

// app holds the dependencies of one CLI invocation.
type app struct {
	cfg     *config.Config
	orch    *chat.Orchestrator
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Debug("Failed to release resource", "error", err)
		}
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg}

	repo, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	a.closers = append(a.closers, repo.Close)

	var ledger guardrails.Ledger = guardrails.NewMemoryLedger(cfg.Guardrails.LedgerCapacity)
	if cfg.RedisAddr != "" {
		redisLedger, err := guardrails.NewRedisLedger(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect violation ledger: %w", err)
		}
		a.closers = append(a.closers, redisLedger.Close)
		ledger = redisLedger
	}

	var backend tools.TrackingBackend = tools.NewStaticBackend()
	if cfg.TrackingGRPCAddr != "" {
		grpcBackend, err := tools.NewGRPCBackend(tools.DefaultGRPCBackendConfig(cfg.TrackingGRPCAddr), logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect tracking service: %w", err)
		}
		a.closers = append(a.closers, func() error { grpcBackend.Close(); return nil })
		backend = grpcBackend
	}

	registry, err := tools.NewRegistry(tools.NewDeliveryTracker(backend, cfg.Tools))
	if err != nil {
		a.Close()
		return nil, err
	}

	generator, err := llm.New(cfg.LLM)
	if err != nil {
		a.Close()
		return nil, err
	}

	conversationLogger, err := transcript.New(cfg.ConversationLog, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, conversationLogger.Close)

	a.orch, err = chat.New(chat.Deps{
		Store:        repo,
		Guardrails:   guardrails.New(cfg.Guardrails, ledger),
		Flow:         flow.New(cfg.Guardrails.MaxConversationLength),
		Detector:     detect.New(cfg.Tools),
		Tools:        registry,
		Generator:    generator,
		Params:       llm.ParamsFromConfig(cfg.LLM),
		ToolsEnabled: cfg.Tools.Enabled,
	}, chat.WithTranscript(conversationLogger), chat.WithTurnTimeout(cfg.TurnTimeout))
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}
