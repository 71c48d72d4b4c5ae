// Package ledger implements the append-only audit ledger.
//
// Records are hash-chained to their predecessor and carry a strictly
// increasing, gap-free sequence position. The store never exposes a
// mutation path for sealed data: corrections are new records referencing
// the original, never in-place edits.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alisa-labs/alisa/pkg/event"
)

var (
	// ErrNotFound is returned when no record exists for an ID.
	ErrNotFound = errors.New("ledger: record not found")

	// ErrImmutabilityViolation is returned on any attempt to update or
	// delete a sealed record.
	ErrImmutabilityViolation = errors.New("ledger: sealed records are immutable")

	// ErrChainBroken is returned when chain verification fails.
	ErrChainBroken = errors.New("ledger: hash chain is broken")

	// ErrMalformedRecord is returned when a stored record cannot be
	// re-canonicalized, e.g. its persisted raw text was corrupted below
	// the ledger (disk-level tampering rather than a field edit).
	ErrMalformedRecord = errors.New("ledger: stored record is malformed")
)

// DuplicateEventError is returned when an event ID is already sealed.
type DuplicateEventError struct {
	ID string
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("ledger: event %q already sealed", e.ID)
}

// GenesisHash is the prev-hash of the first record in a chain.
const GenesisHash = "genesis"

// Kind categorizes ledger records.
type Kind string

const (
	// KindEvent is a sealed activity event.
	KindEvent Kind = "event"
	// KindFinding is a persisted rule-engine finding. Findings are
	// appended like any other record and inherit the same immutability.
	KindFinding Kind = "finding"
)

// Record is a single immutable entry in the ledger.
type Record struct {
	Sequence  uint64    `json:"sequence"`
	Kind      Kind      `json:"kind"`
	EventID   string    `json:"event_id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RawText   string    `json:"raw_text,omitempty"`

	// Payload holds the serialized finding for KindFinding records.
	Payload []byte `json:"payload,omitempty"`

	// Digest is the baseline content digest, computed once at seal time.
	Digest string `json:"digest"`

	// PrevHash and RecordHash chain the record to its predecessor.
	PrevHash   string    `json:"prev_hash"`
	RecordHash string    `json:"record_hash"`
	SealedAt   time.Time `json:"sealed_at"`
}

// Event reconstructs the structured event carried by an event record.
func (r *Record) Event() event.Event {
	return event.Event{
		ID:        r.EventID,
		Actor:     r.Actor,
		Action:    r.Action,
		Resource:  r.Resource,
		Timestamp: r.Timestamp,
		RawText:   r.RawText,
	}
}

// Store is the append-only persistence contract. The storage medium is
// an implementation detail; memory, SQLite and Postgres stores all
// enforce the same invariants.
type Store interface {
	// Append seals an event and persists it at the next sequence
	// position. Fails with *DuplicateEventError if the event ID is
	// already sealed. Insertion is all-or-nothing: a failed append
	// never leaves a half-sealed record.
	Append(ctx context.Context, ev event.Event) (*Record, error)

	// AppendFinding persists a serialized finding as an append-only
	// record chained like any event.
	AppendFinding(ctx context.Context, actor string, payload []byte) (*Record, error)

	// Get returns the record with the given event ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// History returns all event records for actor with timestamp >= since,
	// ordered by business timestamp ascending.
	History(ctx context.Context, actor string, since time.Time) ([]*Record, error)

	// Update is explicitly unsupported and always fails with
	// ErrImmutabilityViolation.
	Update(ctx context.Context, id string, ev event.Event) error

	// Delete is explicitly unsupported and always fails with
	// ErrImmutabilityViolation.
	Delete(ctx context.Context, id string) error

	// Head returns the current chain head hash.
	Head(ctx context.Context) (string, error)

	// Len returns the number of records.
	Len(ctx context.Context) (int, error)

	// VerifyChain re-walks the whole chain and fails with ErrChainBroken
	// on any gap, reordering or recomputed-hash mismatch.
	VerifyChain(ctx context.Context) error

	// Close releases the underlying storage handle.
	Close() error
}
