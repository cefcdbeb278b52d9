// Package service implements the event dispatch pipeline: authenticate,
// deduplicate, run the conversation engine, commit, reply.
package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/botline/botline/internal/config"
	"github.com/botline/botline/internal/domain"
	"github.com/botline/botline/internal/engine"
	store "github.com/botline/botline/internal/repository"
)

// Sender delivers outbound actions to the platform. Implementations own
// their transport-level retry policy.
type Sender interface {
	SendAction(ctx context.Context, action domain.OutboundAction) error
}

// Verifier authenticates raw webhook payloads.
type Verifier interface {
	Verify(body []byte, signature, timestamp string) error
}

// Guard decides whether an inbound event is admitted to the pipeline.
type Guard interface {
	Evaluate(ctx context.Context, ev *domain.InboundEvent) (decision, reason string, err error)
}

// Dispatcher orchestrates the pipeline for one webhook delivery at a time.
// Instances are safe for concurrent use; per-user consistency comes from the
// store's optimistic versioning, not from any lock here.
type Dispatcher struct {
	store    store.Store
	sender   Sender
	verifier Verifier
	guard    Guard
	engine   *engine.Engine
	config   *config.Config
	logger   zerolog.Logger
}

// New creates a dispatcher.
func New(st store.Store, sender Sender, verifier Verifier, guard Guard, cfg *config.Config, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		sender:   sender,
		verifier: verifier,
		guard:    guard,
		engine:   engine.New(),
		config:   cfg,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}
