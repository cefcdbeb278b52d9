package domain

import "encoding/json"

// ActionKind selects the platform method used to deliver an outbound action.
type ActionKind string

const (
	ActionSend           ActionKind = "send"
	ActionEdit           ActionKind = "edit"
	ActionAnswerCallback ActionKind = "answer_callback"
)

// OutboundAction is a reply computed by the engine. Transient: consumed by
// the dispatcher after commit, never persisted.
type OutboundAction struct {
	Kind        ActionKind      `json:"kind"`
	ChatID      string          `json:"chat_id,omitempty"`
	Text        string          `json:"text,omitempty"`
	MessageID   int64           `json:"message_id,omitempty"`
	CallbackID  string          `json:"callback_id,omitempty"`
	ReplyMarkup json.RawMessage `json:"reply_markup,omitempty"`
}
