package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/botline/botline/internal/domain"
)

// Disposition classifies how a webhook delivery ended, for the HTTP layer to
// map onto a response status.
type Disposition string

const (
	// DispositionProcessed: the event went through the engine and committed.
	DispositionProcessed Disposition = "processed"
	// DispositionDuplicate: the event identity was already in the ledger;
	// acknowledged without re-running the engine or resending.
	DispositionDuplicate Disposition = "duplicate"
	// DispositionBlocked: the admission policy refused the event; it is
	// acknowledged and recorded so the platform stops redelivering.
	DispositionBlocked Disposition = "blocked"
	// DispositionAuthFailed: signature verification failed; storage was
	// never touched and the platform must not retry.
	DispositionAuthFailed Disposition = "auth_failed"
	// DispositionRejected: the body was not a decodable update; non-retryable.
	DispositionRejected Disposition = "rejected"
	// DispositionFailed: a store failure or retry exhaustion; the platform
	// should redeliver, which is safe because of the dedup ledger.
	DispositionFailed Disposition = "failed"
)

// Handle processes one webhook delivery end to end.
func (d *Dispatcher) Handle(ctx context.Context, body []byte, signature, timestamp string) (Disposition, error) {
	logger := d.logger.With().Str("delivery_id", uuid.NewString()).Logger()

	if err := d.verifier.Verify(body, signature, timestamp); err != nil {
		logger.Warn().Err(err).Msg("webhook authentication failed")
		return DispositionAuthFailed, err
	}

	ev, err := domain.DecodeUpdate(body, time.Now().UTC())
	if err != nil {
		logger.Warn().Err(err).Msg("undecodable update")
		return DispositionRejected, err
	}
	logger = logger.With().Str("event_id", ev.EventID).Str("kind", string(ev.Kind)).Logger()

	// Updates we cannot attribute to a user have no conversation to advance.
	// They still get a ledger row so redeliveries are recognized.
	if ev.UserID == "" {
		return d.recordOnly(ctx, logger, ev, "ignored:"+string(ev.Kind))
	}

	decision, reason, err := d.guard.Evaluate(ctx, ev)
	if err != nil {
		logger.Error().Err(err).Msg("policy evaluation failed")
		return DispositionFailed, err
	}
	if decision != "allow" {
		logger.Info().Str("reason", reason).Msg("event blocked by policy")
		disp, err := d.recordOnly(ctx, logger, ev, "blocked")
		if err != nil || disp == DispositionDuplicate {
			return disp, err
		}
		if ev.ChatID != "" {
			d.send(ctx, logger, ev, domain.OutboundAction{
				Kind:   domain.ActionSend,
				ChatID: ev.ChatID,
				Text:   "Sorry, I can't process that request.",
			})
		}
		return DispositionBlocked, nil
	}

	return d.dispatch(ctx, logger, ev)
}

// dispatch runs the load-transition-commit loop with bounded optimistic
// retries, then sends the committed actions.
func (d *Dispatcher) dispatch(ctx context.Context, logger zerolog.Logger, ev *domain.InboundEvent) (Disposition, error) {
	for attempt := 1; attempt <= d.config.CommitMaxAttempts; attempt++ {
		st, err := d.store.LoadState(ctx, ev.UserID)
		if err != nil {
			logger.Error().Err(err).Msg("load state failed")
			return DispositionFailed, err
		}

		res := d.engine.Transition(st, ev)

		rec := &domain.ProcessedEvent{
			EventID: ev.EventID,
			UserID:  ev.UserID,
		}
		if res.Changed {
			rec.Outcome = fmt.Sprintf("%s->%s", st.Tag, res.Next.Tag)
			err = d.store.CommitTransition(ctx, st.Version, res.Next, rec)
		} else {
			rec.Outcome = "no_transition:" + res.Reason
			err = d.store.RecordProcessed(ctx, rec)
		}

		switch {
		case err == nil:
			logger.Info().Str("outcome", rec.Outcome).Msg("event committed")
			for _, action := range res.Actions {
				d.send(ctx, logger, ev, action)
			}
			return DispositionProcessed, nil
		case errors.Is(err, domain.ErrAlreadyProcessed):
			logger.Info().Msg("duplicate delivery, already processed")
			return DispositionDuplicate, nil
		case errors.Is(err, domain.ErrVersionConflict):
			// Another event for this user committed first. Reload and rerun
			// the engine against the fresh state.
			logger.Debug().Int("attempt", attempt).Msg("commit conflict, retrying")
			continue
		default:
			logger.Error().Err(err).Msg("commit failed")
			return DispositionFailed, err
		}
	}

	err := fmt.Errorf("commit conflict not resolved after %d attempts for event %s", d.config.CommitMaxAttempts, ev.EventID)
	logger.Error().Err(err).Msg("optimistic retries exhausted")
	return DispositionFailed, err
}

// recordOnly writes a ledger row with no state transition.
func (d *Dispatcher) recordOnly(ctx context.Context, logger zerolog.Logger, ev *domain.InboundEvent, outcome string) (Disposition, error) {
	err := d.store.RecordProcessed(ctx, &domain.ProcessedEvent{
		EventID: ev.EventID,
		UserID:  ev.UserID,
		Outcome: outcome,
	})
	switch {
	case err == nil:
		return DispositionProcessed, nil
	case errors.Is(err, domain.ErrAlreadyProcessed):
		return DispositionDuplicate, nil
	default:
		logger.Error().Err(err).Msg("ledger write failed")
		return DispositionFailed, err
	}
}

// send delivers one action after the transition is durable. Failures are
// logged and never unwind the committed state.
func (d *Dispatcher) send(ctx context.Context, logger zerolog.Logger, ev *domain.InboundEvent, action domain.OutboundAction) {
	if err := d.sender.SendAction(ctx, action); err != nil {
		logger.Error().Err(err).
			Str("action", string(action.Kind)).
			Msg("outbound send failed after commit")
	}
}
