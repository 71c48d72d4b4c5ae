// Package integrity is the tamper-check surface over the ledger.
//
// A check re-canonicalizes a stored event and compares the fresh digest
// against a baseline. The three failure modes are kept distinct for
// auditors: record not found, digest mismatch, malformed stored record.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alisa-labs/alisa/pkg/canonicalize"
	"github.com/alisa-labs/alisa/pkg/ledger"
)

// Mismatch describes a failed integrity check: the sealed baseline
// digest versus what the stored content hashes to now.
type Mismatch struct {
	EventID   string    `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Expected  string    `json:"expected_digest"`
	Observed  string    `json:"observed_digest"`
}

// Result is the outcome of a tamper check.
type Result struct {
	Match    bool
	Expected string
	Observed string
	Record   *ledger.Record
}

// Mismatch builds the mismatch report for a failed result.
func (r *Result) Mismatch() *Mismatch {
	if r.Match || r.Record == nil {
		return nil
	}
	return &Mismatch{
		EventID:   r.Record.EventID,
		Actor:     r.Record.Actor,
		Action:    r.Record.Action,
		Timestamp: r.Record.Timestamp,
		Expected:  r.Expected,
		Observed:  r.Observed,
	}
}

// Checker verifies stored events against baseline digests.
type Checker struct {
	store ledger.Store
}

// NewChecker creates a Checker over a ledger store.
func NewChecker(store ledger.Store) *Checker {
	return &Checker{store: store}
}

// Check re-hashes the stored event identified by id and compares the
// result against expectedDigest. Errors are never folded into a
// mismatch: ledger.ErrNotFound and ledger.ErrMalformedRecord surface
// as errors, only a genuine digest disagreement yields Match == false.
func (c *Checker) Check(ctx context.Context, id, expectedDigest string) (*Result, error) {
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Kind != ledger.KindEvent {
		return nil, fmt.Errorf("%w: %s is not an event record", ledger.ErrMalformedRecord, id)
	}

	match, observed, err := canonicalize.Verify(rec.Event(), expectedDigest)
	if err != nil {
		var encErr *canonicalize.EncodingError
		if errors.As(err, &encErr) {
			return nil, fmt.Errorf("%w: %w", ledger.ErrMalformedRecord, err)
		}
		return nil, err
	}
	return &Result{
		Match:    match,
		Expected: expectedDigest,
		Observed: observed,
		Record:   rec,
	}, nil
}

// CheckSealed verifies a stored event against its own sealed baseline.
func (c *Checker) CheckSealed(ctx context.Context, id string) (*Result, error) {
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.Check(ctx, id, rec.Digest)
}
