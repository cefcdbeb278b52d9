// Package store defines the conversation storage interface and its SQLite
// implementation.
package store

import (
	"context"

	"github.com/botline/botline/internal/domain"
)

// Store defines the interface for conversation persistence.
type Store interface {
	// LoadState returns the user's conversation state, or a fresh idle state
	// (version 0) when no row exists.
	LoadState(ctx context.Context, userID string) (*domain.ConversationState, error)

	// CommitTransition atomically writes the next state and the dedup ledger
	// row in one transaction. Returns domain.ErrAlreadyProcessed when the
	// event identity already has a ledger row, domain.ErrVersionConflict
	// when the stored version no longer matches expectedVersion.
	CommitTransition(ctx context.Context, expectedVersion int64, next *domain.ConversationState, rec *domain.ProcessedEvent) error

	// RecordProcessed writes only the ledger row, for events that produced
	// no state transition. Same dedup semantics as CommitTransition.
	RecordProcessed(ctx context.Context, rec *domain.ProcessedEvent) error

	// GetProcessedEvent returns the ledger row for an event identity, or nil
	// when the event has not been processed.
	GetProcessedEvent(ctx context.Context, eventID string) (*domain.ProcessedEvent, error)

	// Lifecycle
	Close() error
}
