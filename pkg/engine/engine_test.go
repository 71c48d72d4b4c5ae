package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alisa-labs/alisa/pkg/event"
	"github.com/alisa-labs/alisa/pkg/ledger"
	"github.com/alisa-labs/alisa/pkg/policy"
)

const testPolicy = `
rules:
  - id: sod-invoice-payment
    action_a: Create_Invoice
    action_b: Approve_Payment
    window_seconds: 3600
  - id: sod-vendor
    action_a: Create_Vendor
    action_b: Approve_Vendor
    window_seconds: 60
`

func newEngine(t *testing.T) (*Engine, ledger.Store) {
	t.Helper()
	p, err := policy.Parse([]byte(testPolicy))
	require.NoError(t, err)
	store := ledger.NewMemoryStore()
	return New(store, p), store
}

func appendEvent(t *testing.T, store ledger.Store, id, actor, action string, ts time.Time) *ledger.Record {
	t.Helper()
	rec, err := store.Append(context.Background(), event.Event{
		ID:        id,
		Actor:     actor,
		Action:    action,
		Timestamp: ts,
		RawText:   fmt.Sprintf("User %s executed action: %s", actor, action),
	})
	require.NoError(t, err)
	return rec
}

func TestEvaluate_ConflictWithinWindow(t *testing.T) {
	eng, store := newEngine(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	r1 := appendEvent(t, store, "e1", "u_finance_01", "Create_Invoice", t0)
	findings, err := eng.Evaluate(ctx, r1)
	require.NoError(t, err)
	assert.Empty(t, findings, "no prior history must never produce a finding")

	r2 := appendEvent(t, store, "e2", "u_finance_01", "Approve_Payment", t0.Add(5*time.Second))
	findings, err = eng.Evaluate(ctx, r2)
	require.NoError(t, err)
	require.Len(t, findings, 1)

	f := findings[0]
	assert.Equal(t, "u_finance_01", f.Actor)
	assert.Equal(t, "sod-invoice-payment", f.Rule.ID)
	assert.Equal(t, "e1", f.Records[0].EventID)
	assert.Equal(t, "e2", f.Records[1].EventID)
	assert.Equal(t, r1.Digest, f.Records[0].Digest)
	assert.Equal(t, r2.Digest, f.Records[1].Digest)
	assert.NotEmpty(t, f.ID)
}

func TestEvaluate_OutsideWindow(t *testing.T) {
	eng, store := newEngine(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	appendEvent(t, store, "e1", "u1", "Create_Invoice", t0)
	r2 := appendEvent(t, store, "e2", "u1", "Approve_Payment", t0.Add(3601*time.Second))

	findings, err := eng.Evaluate(ctx, r2)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestEvaluate_WindowBoundaryInclusive(t *testing.T) {
	eng, store := newEngine(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	appendEvent(t, store, "e1", "u1", "Create_Invoice", t0)
	r2 := appendEvent(t, store, "e2", "u1", "Approve_Payment", t0.Add(3600*time.Second))

	findings, err := eng.Evaluate(ctx, r2)
	require.NoError(t, err)
	assert.Len(t, findings, 1, "delta == window counts as a violation")
}

func TestEvaluate_DifferentActorsNoConflict(t *testing.T) {
	eng, store := newEngine(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	appendEvent(t, store, "e1", "u1", "Create_Invoice", t0)
	r2 := appendEvent(t, store, "e2", "u2", "Approve_Payment", t0.Add(time.Second))

	findings, err := eng.Evaluate(ctx, r2)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestEvaluate_DeduplicatesPairs(t *testing.T) {
	eng, store := newEngine(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	appendEvent(t, store, "e1", "u1", "Create_Invoice", t0)
	r2 := appendEvent(t, store, "e2", "u1", "Approve_Payment", t0.Add(time.Second))

	findings, err := eng.Evaluate(ctx, r2)
	require.NoError(t, err)
	require.Len(t, findings, 1)

	// Re-scanning the same ledger state must not report the pair again.
	findings, err = eng.Evaluate(ctx, r2)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestEvaluate_MultipleConflictingPriors(t *testing.T) {
	eng, store := newEngine(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	appendEvent(t, store, "e1", "u1", "Create_Invoice", t0)
	appendEvent(t, store, "e2", "u1", "Create_Invoice", t0.Add(time.Minute))
	r3 := appendEvent(t, store, "e3", "u1", "Approve_Payment", t0.Add(2*time.Minute))

	findings, err := eng.Evaluate(ctx, r3)
	require.NoError(t, err)
	assert.Len(t, findings, 2, "each qualifying prior record produces its own finding")
}

func TestEvaluate_RetroactiveTimestamp(t *testing.T) {
	eng, store := newEngine(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	// Approve arrives first; the Create appends later with an earlier
	// business timestamp. Evaluation follows business time, so the
	// violation surfaces retroactively.
	appendEvent(t, store, "e-approve", "u1", "Approve_Payment", t0.Add(10*time.Second))
	rCreate := appendEvent(t, store, "e-create", "u1", "Create_Invoice", t0)

	findings, err := eng.Evaluate(ctx, rCreate)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "e-create", findings[0].Records[0].EventID, "records ordered by business timestamp")
	assert.Equal(t, "e-approve", findings[0].Records[1].EventID)
}

func TestEvaluate_NoPolicy(t *testing.T) {
	store := ledger.NewMemoryStore()
	eng := New(store, nil)
	rec := appendEvent(t, store, "e1", "u1", "Create_Invoice", time.Now().UTC())

	_, err := eng.Evaluate(context.Background(), rec)
	assert.ErrorIs(t, err, policy.ErrNotLoaded)
}

func TestEvaluate_FrozenClock(t *testing.T) {
	eng, store := newEngine(t)
	frozen := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	eng.WithClock(func() time.Time { return frozen })

	t0 := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	appendEvent(t, store, "e1", "u1", "Create_Invoice", t0)
	r2 := appendEvent(t, store, "e2", "u1", "Approve_Payment", t0.Add(time.Second))

	findings, err := eng.Evaluate(context.Background(), r2)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, frozen, findings[0].DetectedAt)
}

func TestEvaluate_IgnoresFindingRecords(t *testing.T) {
	eng, store := newEngine(t)
	ctx := context.Background()

	rec, err := store.AppendFinding(ctx, "u1", []byte(`{}`))
	require.NoError(t, err)

	findings, err := eng.Evaluate(ctx, rec)
	require.NoError(t, err)
	assert.Empty(t, findings)
}
