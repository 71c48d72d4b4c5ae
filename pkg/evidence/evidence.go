// Package evidence builds the durable artifacts that document a
// detection or a tampering event for later audit review.
//
// Determinism: stable field names, canonical JSON hashing, no
// wall-clock randomness beyond the explicit build timestamp. Field
// names are consumed by downstream auditors; schema evolution is
// additive only.
package evidence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alisa-labs/alisa/pkg/canonicalize"
	"github.com/alisa-labs/alisa/pkg/engine"
	"github.com/alisa-labs/alisa/pkg/integrity"
)

// Kind discriminates artifact payloads.
type Kind string

const (
	// KindSoDFinding documents a Segregation-of-Duties violation.
	KindSoDFinding Kind = "sod_finding"
	// KindIntegrityMismatch documents a failed tamper check.
	KindIntegrityMismatch Kind = "integrity_mismatch"
)

// RecordRef is one implicated ledger record.
type RecordRef struct {
	ID        string    `json:"id"`
	Digest    string    `json:"digest"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is a self-contained, serializable evidence record. Never
// mutated after creation: artifacts are evidence, not working state.
type Artifact struct {
	ArtifactID     string          `json:"artifact_id"`
	Kind           Kind            `json:"kind"`
	Actor          string          `json:"actor"`
	Control        string          `json:"control,omitempty"`
	Records        []RecordRef     `json:"records"`
	RuleOrMismatch json.RawMessage `json:"rule_or_mismatch"`
	DetectedAt     time.Time       `json:"detected_at"`

	// ArtifactHash content-addresses everything above it.
	ArtifactHash string `json:"artifact_hash"`
}

// Builder constructs artifacts. Pure and deterministic apart from the
// build timestamp and artifact ID, both injectable.
type Builder struct {
	clock func() time.Time
	newID func() string
}

// NewBuilder creates a Builder with the real clock and random IDs.
func NewBuilder() *Builder {
	return &Builder{
		clock: time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// WithClock overrides the build clock for testing.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// WithIDFunc overrides artifact ID generation for testing.
func (b *Builder) WithIDFunc(newID func() string) *Builder {
	b.newID = newID
	return b
}

// FromFinding builds a SoD evidence artifact.
func (b *Builder) FromFinding(f engine.Finding) (*Artifact, error) {
	rule, err := json.Marshal(f.Rule)
	if err != nil {
		return nil, fmt.Errorf("evidence: marshal rule: %w", err)
	}
	a := &Artifact{
		ArtifactID: b.newID(),
		Kind:       KindSoDFinding,
		Actor:      f.Actor,
		Control:    f.Rule.Control,
		Records: []RecordRef{
			{ID: f.Records[0].EventID, Digest: f.Records[0].Digest, Action: f.Records[0].Action, Timestamp: f.Records[0].Timestamp},
			{ID: f.Records[1].EventID, Digest: f.Records[1].Digest, Action: f.Records[1].Action, Timestamp: f.Records[1].Timestamp},
		},
		RuleOrMismatch: rule,
		DetectedAt:     b.clock().UTC(),
	}
	return b.finalize(a)
}

// FromMismatch builds an integrity-mismatch evidence artifact carrying
// both the sealed baseline digest and the freshly observed one.
func (b *Builder) FromMismatch(m integrity.Mismatch) (*Artifact, error) {
	detail, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("evidence: marshal mismatch: %w", err)
	}
	a := &Artifact{
		ArtifactID: b.newID(),
		Kind:       KindIntegrityMismatch,
		Actor:      m.Actor,
		Records: []RecordRef{
			{ID: m.EventID, Digest: m.Expected, Action: m.Action, Timestamp: m.Timestamp},
		},
		RuleOrMismatch: detail,
		DetectedAt:     b.clock().UTC(),
	}
	return b.finalize(a)
}

// finalize content-addresses the artifact. The hash covers every field
// except itself, so two builds from identical inputs under a frozen
// clock and ID source are byte-identical.
func (b *Builder) finalize(a *Artifact) (*Artifact, error) {
	unhashed := *a
	unhashed.ArtifactHash = ""
	h, err := canonicalize.HashJSON(unhashed)
	if err != nil {
		return nil, fmt.Errorf("evidence: hash artifact: %w", err)
	}
	a.ArtifactHash = h
	return a, nil
}
