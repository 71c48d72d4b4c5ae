package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alisa-labs/alisa/pkg/canonicalize"
	"github.com/alisa-labs/alisa/pkg/event"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Sequence assignment and chain
// extension happen under a single writer lock, so concurrent appenders
// never share a position and readers never observe a torn chain.
type MemoryStore struct {
	mu       sync.RWMutex
	records  []*Record
	byID     map[string]*Record
	sequence uint64
	head     string
	clock    func() time.Time
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Record),
		head:  GenesisHash,
		clock: time.Now,
	}
}

// WithClock overrides the seal-time clock for testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Append(ctx context.Context, ev event.Event) (*Record, error) {
	if err := event.Validate(ev); err != nil {
		return nil, err
	}
	ev, digest, err := sealEvent(ev)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[ev.ID]; exists {
		return nil, &DuplicateEventError{ID: ev.ID}
	}

	rec := &Record{
		Sequence:  s.sequence + 1,
		Kind:      KindEvent,
		EventID:   ev.ID,
		Actor:     ev.Actor,
		Action:    ev.Action,
		Resource:  ev.Resource,
		Timestamp: ev.Timestamp,
		RawText:   ev.RawText,
		Digest:    digest,
		PrevHash:  s.head,
		SealedAt:  s.clock().UTC(),
	}
	rec.RecordHash, err = computeRecordHash(rec)
	if err != nil {
		// Nothing was committed: sequence and head are untouched.
		return nil, err
	}

	s.sequence = rec.Sequence
	s.head = rec.RecordHash
	s.records = append(s.records, rec)
	s.byID[rec.EventID] = rec
	return rec, nil
}

func (s *MemoryStore) AppendFinding(ctx context.Context, actor string, payload []byte) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	rec := &Record{
		Sequence:  s.sequence + 1,
		Kind:      KindFinding,
		EventID:   "fnd-" + uuid.New().String(),
		Actor:     actor,
		Timestamp: now,
		Payload:   payload,
		Digest:    canonicalize.HashBytes(payload),
		PrevHash:  s.head,
		SealedAt:  now,
	}
	hash, err := computeRecordHash(rec)
	if err != nil {
		return nil, err
	}
	rec.RecordHash = hash

	s.sequence = rec.Sequence
	s.head = rec.RecordHash
	s.records = append(s.records, rec)
	s.byID[rec.EventID] = rec
	return rec, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) History(ctx context.Context, actor string, since time.Time) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0)
	for _, r := range s.records {
		if r.Kind != KindEvent || r.Actor != actor {
			continue
		}
		if r.Timestamp.Before(since) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, ev event.Event) error {
	return ErrImmutabilityViolation
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	return ErrImmutabilityViolation
}

func (s *MemoryStore) Head(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head, nil
}

func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

func (s *MemoryStore) VerifyChain(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return verifyRecords(s.records)
}

func (s *MemoryStore) Close() error { return nil }
