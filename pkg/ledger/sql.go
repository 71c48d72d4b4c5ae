package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alisa-labs/alisa/pkg/canonicalize"
	"github.com/alisa-labs/alisa/pkg/event"
	"github.com/google/uuid"
)

// SQLStore implements Store on database/sql. It supports SQLite
// (modernc.org/sqlite) and Postgres (lib/pq); the schema installs
// triggers that abort UPDATE and DELETE, so immutability holds even
// against callers that bypass this package and talk SQL directly.
type SQLStore struct {
	db      *sql.DB
	dialect dialect

	// Appends are serialized here so sequence assignment is a single
	// total order regardless of connection pooling.
	appendMu sync.Mutex

	clock func() time.Time
}

type dialect struct {
	name     string
	schema   string
	rebind   bool // rewrite ? placeholders to $1..$n
	isUnique func(error) bool
}

// Timestamps are stored as Unix nanoseconds so range filters and
// ordering compare numerically; RFC 3339 strings do not sort across
// mixed sub-second precisions.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_records (
	sequence INTEGER PRIMARY KEY,
	kind TEXT NOT NULL,
	event_id TEXT NOT NULL UNIQUE,
	actor TEXT NOT NULL,
	action TEXT NOT NULL DEFAULT '',
	resource TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL,
	raw_text TEXT NOT NULL DEFAULT '',
	payload BLOB,
	digest TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	record_hash TEXT NOT NULL,
	sealed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_actor_ts ON ledger_records (actor, timestamp);
CREATE TRIGGER IF NOT EXISTS ledger_no_update BEFORE UPDATE ON ledger_records
BEGIN SELECT RAISE(ABORT, 'ledger records are immutable'); END;
CREATE TRIGGER IF NOT EXISTS ledger_no_delete BEFORE DELETE ON ledger_records
BEGIN SELECT RAISE(ABORT, 'ledger records are immutable'); END;
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ledger_records (
	sequence BIGINT PRIMARY KEY,
	kind TEXT NOT NULL,
	event_id TEXT NOT NULL UNIQUE,
	actor TEXT NOT NULL,
	action TEXT NOT NULL DEFAULT '',
	resource TEXT NOT NULL DEFAULT '',
	timestamp BIGINT NOT NULL,
	raw_text TEXT NOT NULL DEFAULT '',
	payload BYTEA,
	digest TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	record_hash TEXT NOT NULL,
	sealed_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_actor_ts ON ledger_records (actor, timestamp);
CREATE OR REPLACE FUNCTION ledger_records_immutable() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'ledger records are immutable';
END;
$$ LANGUAGE plpgsql;
DROP TRIGGER IF EXISTS ledger_no_mutation ON ledger_records;
CREATE TRIGGER ledger_no_mutation BEFORE UPDATE OR DELETE ON ledger_records
FOR EACH ROW EXECUTE FUNCTION ledger_records_immutable();
`

// NewSQLiteStore creates a SQLite-backed ledger and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, dialect{
		name:   "sqlite",
		schema: sqliteSchema,
		isUnique: func(err error) bool {
			return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
		},
	})
}

// NewPostgresStore creates a Postgres-backed ledger and runs migrations.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, dialect{
		name:   "postgres",
		schema: postgresSchema,
		rebind: true,
		isUnique: func(err error) bool {
			return err != nil && strings.Contains(err.Error(), "duplicate key value")
		},
	})
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d, clock: time.Now}
	if _, err := db.ExecContext(context.Background(), d.schema); err != nil {
		return nil, fmt.Errorf("ledger: migrate %s schema: %w", d.name, err)
	}
	return s, nil
}

// WithClock overrides the seal-time clock for testing.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

// q rewrites ? placeholders for the active dialect.
func (s *SQLStore) q(query string) string {
	if !s.dialect.rebind {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const recordColumns = `sequence, kind, event_id, actor, action, resource, timestamp, raw_text, payload, digest, prev_hash, record_hash, sealed_at`

func (s *SQLStore) Append(ctx context.Context, ev event.Event) (*Record, error) {
	if err := event.Validate(ev); err != nil {
		return nil, err
	}
	ev, digest, err := sealEvent(ev)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		Kind:      KindEvent,
		EventID:   ev.ID,
		Actor:     ev.Actor,
		Action:    ev.Action,
		Resource:  ev.Resource,
		Timestamp: ev.Timestamp,
		RawText:   ev.RawText,
		Digest:    digest,
	}
	return s.appendRecord(ctx, rec)
}

func (s *SQLStore) AppendFinding(ctx context.Context, actor string, payload []byte) (*Record, error) {
	now := s.clock().UTC()
	rec := &Record{
		Kind:      KindFinding,
		EventID:   "fnd-" + uuid.New().String(),
		Actor:     actor,
		Timestamp: now,
		Payload:   payload,
		Digest:    canonicalize.HashBytes(payload),
	}
	return s.appendRecord(ctx, rec)
}

// appendRecord assigns the next sequence position and inserts inside a
// transaction. The append mutex plus the transaction make position
// assignment a single serialization point; the unique event_id
// constraint backs up the in-transaction duplicate check.
func (s *SQLStore) appendRecord(ctx context.Context, rec *Record) (*Record, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, s.q(`SELECT COUNT(1) FROM ledger_records WHERE event_id = ?`), rec.EventID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("ledger: duplicate check: %w", err)
	}
	if exists > 0 {
		return nil, &DuplicateEventError{ID: rec.EventID}
	}

	var maxSeq uint64
	var head string
	row := tx.QueryRowContext(ctx, `SELECT sequence, record_hash FROM ledger_records ORDER BY sequence DESC LIMIT 1`)
	switch err := row.Scan(&maxSeq, &head); {
	case errors.Is(err, sql.ErrNoRows):
		head = GenesisHash
	case err != nil:
		return nil, fmt.Errorf("ledger: read chain head: %w", err)
	}

	rec.Sequence = maxSeq + 1
	rec.PrevHash = head
	if rec.SealedAt.IsZero() {
		rec.SealedAt = s.clock().UTC()
	}
	rec.RecordHash, err = computeRecordHash(rec)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO ledger_records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.Sequence, rec.Kind, rec.EventID, rec.Actor, rec.Action, rec.Resource,
		rec.Timestamp.UTC().UnixNano(), rec.RawText, rec.Payload,
		rec.Digest, rec.PrevHash, rec.RecordHash, rec.SealedAt.UTC().UnixNano(),
	)
	if err != nil {
		if s.dialect.isUnique(err) {
			return nil, &DuplicateEventError{ID: rec.EventID}
		}
		return nil, fmt.Errorf("ledger: insert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: commit append: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+recordColumns+` FROM ledger_records WHERE event_id = ?`), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *SQLStore) History(ctx context.Context, actor string, since time.Time) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+recordColumns+` FROM ledger_records WHERE kind = ? AND actor = ? AND timestamp >= ? ORDER BY timestamp ASC, sequence ASC`),
		KindEvent, actor, since.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("ledger: history query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: history rows: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Update(ctx context.Context, id string, ev event.Event) error {
	return ErrImmutabilityViolation
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	return ErrImmutabilityViolation
}

func (s *SQLStore) Head(ctx context.Context) (string, error) {
	var head string
	row := s.db.QueryRowContext(ctx, `SELECT record_hash FROM ledger_records ORDER BY sequence DESC LIMIT 1`)
	switch err := row.Scan(&head); {
	case errors.Is(err, sql.ErrNoRows):
		return GenesisHash, nil
	case err != nil:
		return "", fmt.Errorf("ledger: read head: %w", err)
	}
	return head, nil
}

func (s *SQLStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM ledger_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: count records: %w", err)
	}
	return n, nil
}

func (s *SQLStore) VerifyChain(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM ledger_records ORDER BY sequence ASC`)
	if err != nil {
		return fmt.Errorf("ledger: chain query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ledger: chain rows: %w", err)
	}
	return verifyRecords(records)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var ts, sealedAt string
	var payload []byte
	err := row.Scan(&rec.Sequence, &rec.Kind, &rec.EventID, &rec.Actor, &rec.Action,
		&rec.Resource, &ts, &rec.RawText, &payload, &rec.Digest, &rec.PrevHash,
		&rec.RecordHash, &sealedAt)
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	rec.Timestamp, err = parseUnixNano("timestamp", ts)
	if err != nil {
		return nil, err
	}
	rec.SealedAt, err = parseUnixNano("sealed_at", sealedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// parseUnixNano decodes a stored Unix-nanosecond column. Scanning via
// string keeps corrupted rows reportable as ErrMalformedRecord instead
// of a bare driver conversion error.
func parseUnixNano(column, v string) (time.Time, error) {
	ns, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s %q: %w", ErrMalformedRecord, column, v, err)
	}
	return time.Unix(0, ns).UTC(), nil
}
