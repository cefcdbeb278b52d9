// Package domain defines the core domain models for botline.
package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EventKind classifies an inbound platform update.
type EventKind string

const (
	EventKindMessage  EventKind = "message"
	EventKindCallback EventKind = "callback"
	EventKindPayment  EventKind = "payment"
	EventKindUnknown  EventKind = "unknown"
)

// InboundEvent is a single platform update, decoded once at the HTTP
// boundary. Immutable after decode.
type InboundEvent struct {
	EventID         string          `json:"event_id"`
	UserID          string          `json:"user_id,omitempty"`
	ChatID          string          `json:"chat_id,omitempty"`
	Kind            EventKind       `json:"kind"`
	Text            string          `json:"text,omitempty"`
	CallbackID      string          `json:"callback_id,omitempty"`
	CallbackData    string          `json:"callback_data,omitempty"`
	PaymentAmount   int64           `json:"payment_amount,omitempty"`
	PaymentCurrency string          `json:"payment_currency,omitempty"`
	Raw             json.RawMessage `json:"raw,omitempty"`
	ReceivedAt      time.Time       `json:"received_at"`
}

// update mirrors the platform webhook envelope. Exactly one of the optional
// members is set per update; anything we do not recognize decodes to
// EventKindUnknown rather than failing.
type update struct {
	UpdateID *int64 `json:"update_id"`

	Message *struct {
		MessageID int64      `json:"message_id"`
		From      *updateUser `json:"from"`
		Chat      *updateChat `json:"chat"`
		Text      string     `json:"text"`
	} `json:"message"`

	CallbackQuery *struct {
		ID      string      `json:"id"`
		From    *updateUser `json:"from"`
		Data    string      `json:"data"`
		Message *struct {
			MessageID int64       `json:"message_id"`
			Chat      *updateChat `json:"chat"`
		} `json:"message"`
	} `json:"callback_query"`

	PreCheckoutQuery *struct {
		ID          string      `json:"id"`
		From        *updateUser `json:"from"`
		Currency    string     `json:"currency"`
		TotalAmount int64      `json:"total_amount"`
	} `json:"pre_checkout_query"`
}

type updateUser struct {
	ID int64 `json:"id"`
}

type updateChat struct {
	ID int64 `json:"id"`
}

// DecodeUpdate parses a webhook body into an InboundEvent. The update id is
// the event identity and is required; a body without one is rejected as
// malformed. Unrecognized update members yield EventKindUnknown.
func DecodeUpdate(body []byte, receivedAt time.Time) (*InboundEvent, error) {
	var u update
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	if u.UpdateID == nil {
		return nil, fmt.Errorf("decode update: missing update_id")
	}

	ev := &InboundEvent{
		EventID:    strconv.FormatInt(*u.UpdateID, 10),
		Kind:       EventKindUnknown,
		Raw:        json.RawMessage(body),
		ReceivedAt: receivedAt,
	}

	switch {
	case u.Message != nil:
		ev.Kind = EventKindMessage
		ev.Text = u.Message.Text
		if u.Message.From != nil {
			ev.UserID = strconv.FormatInt(u.Message.From.ID, 10)
		}
		if u.Message.Chat != nil {
			ev.ChatID = strconv.FormatInt(u.Message.Chat.ID, 10)
		}
	case u.CallbackQuery != nil:
		ev.Kind = EventKindCallback
		ev.CallbackID = u.CallbackQuery.ID
		ev.CallbackData = u.CallbackQuery.Data
		if u.CallbackQuery.From != nil {
			ev.UserID = strconv.FormatInt(u.CallbackQuery.From.ID, 10)
		}
		if u.CallbackQuery.Message != nil && u.CallbackQuery.Message.Chat != nil {
			ev.ChatID = strconv.FormatInt(u.CallbackQuery.Message.Chat.ID, 10)
		}
	case u.PreCheckoutQuery != nil:
		ev.Kind = EventKindPayment
		ev.CallbackID = u.PreCheckoutQuery.ID
		ev.PaymentAmount = u.PreCheckoutQuery.TotalAmount
		ev.PaymentCurrency = u.PreCheckoutQuery.Currency
		if u.PreCheckoutQuery.From != nil {
			ev.UserID = strconv.FormatInt(u.PreCheckoutQuery.From.ID, 10)
			// Payments have no chat of their own; replies go to the payer.
			ev.ChatID = ev.UserID
		}
	}

	return ev, nil
}
