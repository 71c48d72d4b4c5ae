package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/alisa-labs/alisa/pkg/canonicalize"
	"github.com/alisa-labs/alisa/pkg/event"
)

// sealEvent computes the baseline digest and, when the event carries no
// ID, derives a content-addressed one. Shared by every store so all
// backends seal identically.
func sealEvent(ev event.Event) (event.Event, string, error) {
	ev = ev.Normalize()
	digest, err := canonicalize.Seal(ev)
	if err != nil {
		return ev, "", err
	}
	if ev.ID == "" {
		ev.ID = deriveID(digest)
	}
	return ev, digest, nil
}

// deriveID builds a short content-derived identifier from a digest.
func deriveID(digest string) string {
	hex := strings.TrimPrefix(digest, canonicalize.DigestPrefix)
	if len(hex) > 12 {
		hex = hex[:12]
	}
	return "evt-" + hex
}

// recordHashable is the canonical shape hashed for chain linkage. Times
// are pre-rendered as RFC 3339 strings so the hash survives storage
// round-trips that lose monotonic-clock or location detail.
type recordHashable struct {
	Sequence  uint64 `json:"sequence"`
	Kind      Kind   `json:"kind"`
	EventID   string `json:"event_id"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Digest    string `json:"digest"`
	PrevHash  string `json:"prev_hash"`
	SealedAt  string `json:"sealed_at"`
	Timestamp string `json:"timestamp"`
}

// computeRecordHash hashes the chain-relevant fields of a record.
func computeRecordHash(r *Record) (string, error) {
	h, err := canonicalize.HashJSON(recordHashable{
		Sequence:  r.Sequence,
		Kind:      r.Kind,
		EventID:   r.EventID,
		Actor:     r.Actor,
		Action:    r.Action,
		Digest:    r.Digest,
		PrevHash:  r.PrevHash,
		SealedAt:  r.SealedAt.UTC().Format(time.RFC3339Nano),
		Timestamp: r.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("ledger: record hash: %w", err)
	}
	return h, nil
}

// verifyRecords walks a complete, sequence-ordered record slice and
// checks gap-free positions, prev-hash linkage and recomputed hashes.
func verifyRecords(records []*Record) error {
	prevHash := GenesisHash
	for i, r := range records {
		want := uint64(i) + 1
		if r.Sequence != want {
			return fmt.Errorf("%w: expected sequence %d, found %d", ErrChainBroken, want, r.Sequence)
		}
		if r.PrevHash != prevHash {
			return fmt.Errorf("%w: record %d prev_hash %s, expected %s", ErrChainBroken, r.Sequence, r.PrevHash, prevHash)
		}
		computed, err := computeRecordHash(r)
		if err != nil {
			return err
		}
		if computed != r.RecordHash {
			return fmt.Errorf("%w: record %d hash mismatch (stored %s, computed %s)", ErrChainBroken, r.Sequence, r.RecordHash, computed)
		}
		prevHash = r.RecordHash
	}
	return nil
}
