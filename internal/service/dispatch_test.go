package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botline/botline/internal/auth"
	"github.com/botline/botline/internal/config"
	"github.com/botline/botline/internal/domain"
	"github.com/botline/botline/internal/policy"
	store "github.com/botline/botline/internal/repository"
)

const testSecret = "test-secret"

type fakeSender struct {
	mu      sync.Mutex
	actions []domain.OutboundAction
	err     error
}

func (f *fakeSender) SendAction(ctx context.Context, action domain.OutboundAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	return f.err
}

func (f *fakeSender) sent() []domain.OutboundAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.OutboundAction(nil), f.actions...)
}

func newTestDispatcher(t *testing.T, st store.Store) (*Dispatcher, *fakeSender) {
	t.Helper()
	if st == nil {
		var err error
		st, err = store.NewSQLiteStore(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
	}
	guard, err := policy.NewGuard(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	sender := &fakeSender{}
	cfg := &config.Config{CommitMaxAttempts: 3}
	d := New(st, sender, auth.NewVerifier(testSecret, 5*time.Minute), guard, cfg, zerolog.New(zerolog.Nop()))
	return d, sender
}

func sign(body []byte) (sig, ts string) {
	ts = strconv.FormatInt(time.Now().Unix(), 10)
	return auth.SignHex([]byte(testSecret), ts, body), ts
}

func messageBody(updateID int64, userID int64, text string) []byte {
	return []byte(fmt.Sprintf(
		`{"update_id":%d,"message":{"message_id":10,"from":{"id":%d},"chat":{"id":%d},"text":%q}}`,
		updateID, userID, userID, text))
}

func paymentBody(updateID int64, userID int64, amount int64) []byte {
	return []byte(fmt.Sprintf(
		`{"update_id":%d,"pre_checkout_query":{"id":"pcq1","from":{"id":%d},"currency":"EUR","total_amount":%d}}`,
		updateID, userID, amount))
}

func handle(t *testing.T, d *Dispatcher, body []byte) Disposition {
	t.Helper()
	sig, ts := sign(body)
	disp, _ := d.Handle(context.Background(), body, sig, ts)
	return disp
}

func TestHandleStartMessage(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()
	d, sender := newTestDispatcher(t, st)

	disp := handle(t, d, messageBody(1, 42, "/start"))
	assert.Equal(t, DispositionProcessed, disp)

	got, err := st.LoadState(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingName, got.Tag)
	assert.Equal(t, int64(1), got.Version)

	ledger, err := st.GetProcessedEvent(context.Background(), "1")
	require.NoError(t, err)
	require.NotNil(t, ledger)
	assert.Equal(t, "idle->awaiting_name", ledger.Outcome)

	require.Len(t, sender.sent(), 1)
	assert.Equal(t, domain.ActionSend, sender.sent()[0].Kind)
}

func TestHandleRedeliveryIsIdempotent(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()
	d, sender := newTestDispatcher(t, st)

	body := messageBody(7, 42, "/start")
	assert.Equal(t, DispositionProcessed, handle(t, d, body))
	assert.Equal(t, DispositionDuplicate, handle(t, d, body))
	assert.Equal(t, DispositionDuplicate, handle(t, d, body))

	// One engine effect, one ledger row, one send.
	got, err := st.LoadState(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Len(t, sender.sent(), 1)
}

func TestHandleAuthFailureTouchesNothing(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()
	d, sender := newTestDispatcher(t, st)

	body := messageBody(1, 42, "/start")
	_, ts := sign(body)

	disp, herr := d.Handle(context.Background(), body, "deadbeef", ts)
	assert.Equal(t, DispositionAuthFailed, disp)
	assert.True(t, domain.IsAuthError(herr))

	got, err := st.LoadState(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Version)
	ledger, err := st.GetProcessedEvent(context.Background(), "1")
	require.NoError(t, err)
	assert.Nil(t, ledger)
	assert.Empty(t, sender.sent())
}

func TestHandleMalformedBody(t *testing.T) {
	d, sender := newTestDispatcher(t, nil)

	for _, body := range [][]byte{
		[]byte(`not json`),
		[]byte(`{"message":{"text":"no update id"}}`),
	} {
		sig, ts := sign(body)
		disp, err := d.Handle(context.Background(), body, sig, ts)
		assert.Equal(t, DispositionRejected, disp)
		assert.Error(t, err)
	}
	assert.Empty(t, sender.sent())
}

func TestHandleFullRegistrationFlow(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()
	d, _ := newTestDispatcher(t, st)

	assert.Equal(t, DispositionProcessed, handle(t, d, messageBody(1, 42, "/start")))
	assert.Equal(t, DispositionProcessed, handle(t, d, messageBody(2, 42, "Ada")))

	got, err := st.LoadState(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.Tag)
	assert.Equal(t, "Ada", got.Context["name"])
	assert.Equal(t, int64(2), got.Version)
}

func TestHandleRetryInPlaceStillLandsInLedger(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()
	d, sender := newTestDispatcher(t, st)

	handle(t, d, messageBody(1, 42, "/start"))
	disp := handle(t, d, messageBody(2, 42, "   "))
	assert.Equal(t, DispositionProcessed, disp)

	// No transition committed, but the event is recorded for dedup.
	got, err := st.LoadState(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingName, got.Tag)
	assert.Equal(t, int64(1), got.Version)

	ledger, err := st.GetProcessedEvent(context.Background(), "2")
	require.NoError(t, err)
	require.NotNil(t, ledger)
	assert.Equal(t, "no_transition:empty_name", ledger.Outcome)

	// Corrective action was still sent.
	require.Len(t, sender.sent(), 2)

	// And the redelivery of the no-op event is deduplicated too.
	assert.Equal(t, DispositionDuplicate, handle(t, d, messageBody(2, 42, "   ")))
	assert.Len(t, sender.sent(), 2)
}

// conflictStore injects version conflicts into the first n commits.
type conflictStore struct {
	store.Store
	mu        sync.Mutex
	conflicts int
}

func (c *conflictStore) CommitTransition(ctx context.Context, expectedVersion int64, next *domain.ConversationState, rec *domain.ProcessedEvent) error {
	c.mu.Lock()
	inject := c.conflicts > 0
	if inject {
		c.conflicts--
	}
	c.mu.Unlock()
	if inject {
		return domain.ErrVersionConflict
	}
	return c.Store.CommitTransition(ctx, expectedVersion, next, rec)
}

func TestHandleCommitConflictRetries(t *testing.T) {
	inner, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer inner.Close()
	cs := &conflictStore{Store: inner, conflicts: 2}
	d, sender := newTestDispatcher(t, cs)

	disp := handle(t, d, messageBody(1, 42, "/start"))
	assert.Equal(t, DispositionProcessed, disp)

	got, err := inner.LoadState(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingName, got.Tag)
	assert.Len(t, sender.sent(), 1)
}

func TestHandleCommitConflictExhaustion(t *testing.T) {
	inner, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer inner.Close()
	cs := &conflictStore{Store: inner, conflicts: 100}
	d, sender := newTestDispatcher(t, cs)

	body := messageBody(1, 42, "/start")
	sig, ts := sign(body)
	disp, herr := d.Handle(context.Background(), body, sig, ts)
	assert.Equal(t, DispositionFailed, disp)
	assert.Error(t, herr)

	// Event left unprocessed: no ledger row, no reply, so redelivery works.
	ledger, err := inner.GetProcessedEvent(context.Background(), "1")
	require.NoError(t, err)
	assert.Nil(t, ledger)
	assert.Empty(t, sender.sent())
}

// brokenStore fails every operation, simulating a database outage.
type brokenStore struct{}

var errDown = errors.New("database is down")

func (brokenStore) LoadState(ctx context.Context, userID string) (*domain.ConversationState, error) {
	return nil, errDown
}
func (brokenStore) CommitTransition(ctx context.Context, expectedVersion int64, next *domain.ConversationState, rec *domain.ProcessedEvent) error {
	return errDown
}
func (brokenStore) RecordProcessed(ctx context.Context, rec *domain.ProcessedEvent) error {
	return errDown
}
func (brokenStore) GetProcessedEvent(ctx context.Context, eventID string) (*domain.ProcessedEvent, error) {
	return nil, errDown
}
func (brokenStore) Close() error { return nil }

func TestHandleStoreOutage(t *testing.T) {
	d, sender := newTestDispatcher(t, brokenStore{})

	body := messageBody(1, 42, "/start")
	sig, ts := sign(body)
	disp, err := d.Handle(context.Background(), body, sig, ts)
	assert.Equal(t, DispositionFailed, disp)
	assert.ErrorIs(t, err, errDown)
	assert.Empty(t, sender.sent())
}

func TestHandleBlockedPayment(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()
	d, sender := newTestDispatcher(t, st)

	disp := handle(t, d, paymentBody(1, 42, 5000000))
	assert.Equal(t, DispositionBlocked, disp)

	// Recorded so the platform stops redelivering, but no state transition.
	ledger, err := st.GetProcessedEvent(context.Background(), "1")
	require.NoError(t, err)
	require.NotNil(t, ledger)
	assert.Equal(t, "blocked", ledger.Outcome)

	got, err := st.LoadState(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Version)

	require.Len(t, sender.sent(), 1)

	assert.Equal(t, DispositionDuplicate, handle(t, d, paymentBody(1, 42, 5000000)))
	assert.Len(t, sender.sent(), 1)
}

func TestHandleUnknownUpdateKind(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()
	d, sender := newTestDispatcher(t, st)

	body := []byte(`{"update_id":9,"edited_message":{"text":"whatever"}}`)
	assert.Equal(t, DispositionProcessed, handle(t, d, body))
	assert.Equal(t, DispositionDuplicate, handle(t, d, body))

	ledger, err := st.GetProcessedEvent(context.Background(), "9")
	require.NoError(t, err)
	require.NotNil(t, ledger)
	assert.Equal(t, "ignored:unknown", ledger.Outcome)
	assert.Empty(t, sender.sent())
}

func TestHandleSendFailureDoesNotAffectState(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()
	d, sender := newTestDispatcher(t, st)
	sender.err = errors.New("platform unreachable")

	disp := handle(t, d, messageBody(1, 42, "/start"))
	assert.Equal(t, DispositionProcessed, disp)

	got, err := st.LoadState(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingName, got.Tag)
}

func TestHandleConcurrentEventsForSameUser(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()
	d, _ := newTestDispatcher(t, st)

	handle(t, d, messageBody(1, 42, "/start"))

	// Two distinct events race for the same user. Exactly one ordering
	// commits; the loser retries against fresh state. Both must land.
	var wg sync.WaitGroup
	disps := make([]Disposition, 2)
	bodies := [][]byte{
		messageBody(2, 42, "Ada"),
		messageBody(3, 42, "/cancel"),
	}
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			disps[i] = handle(t, d, bodies[i])
		}(i)
	}
	wg.Wait()

	got, err := st.LoadState(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, got.Tag.Terminal(), "final state should be terminal, got %s", got.Tag)

	for i, disp := range disps {
		assert.Contains(t, []Disposition{DispositionProcessed}, disp, "event %d", i)
	}

	for _, id := range []string{"2", "3"} {
		ledger, err := st.GetProcessedEvent(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, ledger, "ledger row for event %s", id)
	}
}
