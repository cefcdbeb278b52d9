// Package engine implements the per-user conversation state machine. The
// engine is pure: given the current state and one event it computes the next
// state and the outbound actions, with no I/O.
package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/botline/botline/internal/domain"
)

// Result is the outcome of a single transition. When Changed is false the
// state must not be re-committed; Reason summarizes why for the ledger.
type Result struct {
	Next    *domain.ConversationState
	Actions []domain.OutboundAction
	Changed bool
	Reason  string
}

type transitionKey struct {
	tag  domain.StateTag
	kind domain.EventKind
}

type transitionFunc func(st *domain.ConversationState, ev *domain.InboundEvent) Result

// Engine holds the transition table.
type Engine struct {
	table map[transitionKey]transitionFunc
}

// New builds the engine with the full transition table.
func New() *Engine {
	e := &Engine{table: map[transitionKey]transitionFunc{}}

	e.table[transitionKey{domain.StateIdle, domain.EventKindMessage}] = idleMessage
	e.table[transitionKey{domain.StateAwaitingName, domain.EventKindMessage}] = awaitingNameMessage
	e.table[transitionKey{domain.StateConfirming, domain.EventKindCallback}] = confirmingCallback
	e.table[transitionKey{domain.StateAwaitingPayment, domain.EventKindPayment}] = awaitingPaymentPayment
	e.table[transitionKey{domain.StateCompleted, domain.EventKindMessage}] = terminalMessage
	e.table[transitionKey{domain.StateCancelled, domain.EventKindMessage}] = terminalMessage

	return e
}

// Transition computes the next state and outbound actions for one event.
func (e *Engine) Transition(st *domain.ConversationState, ev *domain.InboundEvent) Result {
	if ev.Kind == domain.EventKindMessage && command(ev.Text) == "/cancel" && !st.Tag.Terminal() {
		return advance(st, domain.StateCancelled, nil,
			sendText(ev.ChatID, "Okay, cancelled. Send /start to begin again."))
	}

	if fn, ok := e.table[transitionKey{st.Tag, ev.Kind}]; ok {
		return fn(st, ev)
	}

	if st.Tag.Terminal() {
		return unchanged(st, "terminal",
			finishedActions(st, ev)...)
	}
	return unchanged(st, "unrecognized_input",
		clarifyActions(st, ev)...)
}

func idleMessage(st *domain.ConversationState, ev *domain.InboundEvent) Result {
	switch command(ev.Text) {
	case "/start":
		return advance(st, domain.StateAwaitingName, nil,
			sendText(ev.ChatID, "Hi! What's your name?"))
	case "/order":
		return advance(st, domain.StateConfirming, nil,
			domain.OutboundAction{
				Kind:        domain.ActionSend,
				ChatID:      ev.ChatID,
				Text:        "Place the order?",
				ReplyMarkup: confirmKeyboard,
			})
	}
	return unchanged(st, "unrecognized_input",
		sendText(ev.ChatID, "Send /start to register or /order to place an order."))
}

func awaitingNameMessage(st *domain.ConversationState, ev *domain.InboundEvent) Result {
	name := strings.TrimSpace(ev.Text)
	if name == "" {
		// Invalid input: retry in place, no transition, context untouched.
		return unchanged(st, "empty_name",
			sendText(ev.ChatID, "I didn't catch that. Please tell me your name."))
	}
	return advance(st, domain.StateCompleted, map[string]string{"name": name},
		sendText(ev.ChatID, fmt.Sprintf("Thanks, %s! You're all set.", name)))
}

func confirmingCallback(st *domain.ConversationState, ev *domain.InboundEvent) Result {
	switch ev.CallbackData {
	case "confirm":
		return advance(st, domain.StateAwaitingPayment, nil,
			answerCallback(ev.CallbackID, "Confirmed"),
			sendText(ev.ChatID, "Great. Complete the payment to finish your order."))
	case "cancel":
		return advance(st, domain.StateCancelled, nil,
			answerCallback(ev.CallbackID, "Cancelled"),
			sendText(ev.ChatID, "Order cancelled. Send /start to begin again."))
	}
	return unchanged(st, "unrecognized_input",
		answerCallback(ev.CallbackID, "Please use the buttons below."))
}

func awaitingPaymentPayment(st *domain.ConversationState, ev *domain.InboundEvent) Result {
	ctx := map[string]string{
		"paid_amount":   fmt.Sprintf("%d", ev.PaymentAmount),
		"paid_currency": ev.PaymentCurrency,
	}
	return advance(st, domain.StateCompleted, ctx,
		sendText(ev.ChatID, "Payment received, thank you! Your order is complete."))
}

func terminalMessage(st *domain.ConversationState, ev *domain.InboundEvent) Result {
	if command(ev.Text) == "/start" {
		// Explicit restart begins a fresh conversation; context is reset.
		next := &domain.ConversationState{
			UserID:  st.UserID,
			Tag:     domain.StateAwaitingName,
			Context: map[string]string{},
			Version: st.Version + 1,
		}
		return Result{
			Next:    next,
			Actions: []domain.OutboundAction{sendText(ev.ChatID, "Hi! What's your name?")},
			Changed: true,
		}
	}
	return unchanged(st, "terminal", finishedActions(st, ev)...)
}

// advance builds the successor state: context copied then merged, version
// bumped by one.
func advance(st *domain.ConversationState, tag domain.StateTag, merge map[string]string, actions ...domain.OutboundAction) Result {
	ctx := make(map[string]string, len(st.Context)+len(merge))
	for k, v := range st.Context {
		ctx[k] = v
	}
	for k, v := range merge {
		ctx[k] = v
	}
	return Result{
		Next: &domain.ConversationState{
			UserID:  st.UserID,
			Tag:     tag,
			Context: ctx,
			Version: st.Version + 1,
		},
		Actions: actions,
		Changed: true,
	}
}

func unchanged(st *domain.ConversationState, reason string, actions ...domain.OutboundAction) Result {
	return Result{Next: st, Actions: actions, Changed: false, Reason: reason}
}

func finishedActions(st *domain.ConversationState, ev *domain.InboundEvent) []domain.OutboundAction {
	var actions []domain.OutboundAction
	if ev.CallbackID != "" {
		actions = append(actions, answerCallback(ev.CallbackID, "This conversation is finished."))
	}
	if ev.ChatID != "" {
		actions = append(actions, sendText(ev.ChatID, "This conversation is already finished. Send /start to begin again."))
	}
	return actions
}

func clarifyActions(st *domain.ConversationState, ev *domain.InboundEvent) []domain.OutboundAction {
	var actions []domain.OutboundAction
	if ev.CallbackID != "" {
		actions = append(actions, answerCallback(ev.CallbackID, "Sorry, I didn't understand that."))
	}
	if ev.ChatID != "" {
		actions = append(actions, sendText(ev.ChatID, "Sorry, I didn't understand that. Send /start to begin."))
	}
	return actions
}

func sendText(chatID, text string) domain.OutboundAction {
	return domain.OutboundAction{Kind: domain.ActionSend, ChatID: chatID, Text: text}
}

func answerCallback(callbackID, text string) domain.OutboundAction {
	return domain.OutboundAction{Kind: domain.ActionAnswerCallback, CallbackID: callbackID, Text: text}
}

// command extracts the leading bot command from message text, if any.
func command(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	if i := strings.IndexAny(text, " \t"); i > 0 {
		text = text[:i]
	}
	// Commands may be addressed as /start@botname in group chats.
	if i := strings.IndexByte(text, '@'); i > 0 {
		text = text[:i]
	}
	return strings.ToLower(text)
}

var confirmKeyboard = json.RawMessage(`{"inline_keyboard":[[{"text":"Confirm","callback_data":"confirm"},{"text":"Cancel","callback_data":"cancel"}]]}`)
