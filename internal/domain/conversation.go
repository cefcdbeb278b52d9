package domain

import "time"

// StateTag represents the current position of a conversation.
type StateTag string

const (
	StateIdle            StateTag = "idle"
	StateAwaitingName    StateTag = "awaiting_name"
	StateConfirming      StateTag = "confirming"
	StateAwaitingPayment StateTag = "awaiting_payment"
	StateCompleted       StateTag = "completed"
	StateCancelled       StateTag = "cancelled"
)

// Terminal reports whether the tag accepts no further transitions except an
// explicit restart.
func (t StateTag) Terminal() bool {
	return t == StateCompleted || t == StateCancelled
}

// ConversationState is the per-user state machine position plus accumulated
// context. Version 0 means the state has never been persisted; every
// committed transition increments it by exactly one.
type ConversationState struct {
	UserID    string            `json:"user_id"`
	Tag       StateTag          `json:"tag"`
	Context   map[string]string `json:"context,omitempty"`
	Version   int64             `json:"version"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// NewIdleState returns the default state for a user with no stored row.
func NewIdleState(userID string) *ConversationState {
	return &ConversationState{
		UserID:  userID,
		Tag:     StateIdle,
		Context: map[string]string{},
	}
}

// ProcessedEvent is one row of the deduplication ledger. Append-only; at
// most one row exists per event identity.
type ProcessedEvent struct {
	EventID     string    `json:"event_id"`
	UserID      string    `json:"user_id"`
	Outcome     string    `json:"outcome"`
	ProcessedAt time.Time `json:"processed_at"`
}
