// Package engine detects Segregation-of-Duties violations.
//
// The engine keeps no per-actor state machine: on every append it
// recomputes from ledger history inside the policy's largest window,
// using business timestamps rather than append order. A later-appended
// event with an earlier business timestamp can therefore surface a
// violation retroactively, which is intended.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alisa-labs/alisa/pkg/ledger"
	"github.com/alisa-labs/alisa/pkg/policy"
)

// RecordRef identifies one implicated ledger record inside a finding.
type RecordRef struct {
	EventID   string    `json:"id"`
	Digest    string    `json:"digest"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// Finding is an immutable detection result: one actor, one conflict
// rule, the two implicated records. Created once, never mutated.
type Finding struct {
	ID         string       `json:"id"`
	Actor      string       `json:"actor"`
	Rule       policy.Rule  `json:"rule"`
	Records    [2]RecordRef `json:"records"`
	DetectedAt time.Time    `json:"detected_at"`
}

// Engine evaluates actor history against the conflict policy.
type Engine struct {
	store  ledger.Store
	policy *policy.Policy
	clock  func() time.Time

	mu sync.Mutex
	// actorMu serializes evaluation per actor relative to appends for
	// that actor, so evaluation never runs against a half-visible history.
	actorMu map[string]*sync.Mutex
	// emitted dedupes (actor, rule, pair) so the same conflicting pair
	// is never reported twice across re-scans.
	emitted map[string]struct{}
}

// New creates an engine over a ledger store and a loaded policy.
// The policy may be nil; evaluation then fails with policy.ErrNotLoaded.
func New(store ledger.Store, p *policy.Policy) *Engine {
	return &Engine{
		store:   store,
		policy:  p,
		clock:   time.Now,
		actorMu: make(map[string]*sync.Mutex),
		emitted: make(map[string]struct{}),
	}
}

// WithClock overrides the detection clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

func (e *Engine) lockActor(actor string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.actorMu[actor]
	if !ok {
		m = &sync.Mutex{}
		e.actorMu[actor] = m
	}
	return m
}

// Evaluate re-scans the appended record's actor history and returns any
// new findings. Deterministic and idempotent for a given ledger state:
// repeated evaluation of the same pair yields nothing new.
func (e *Engine) Evaluate(ctx context.Context, appended *ledger.Record) ([]Finding, error) {
	if e.policy == nil || e.policy.Len() == 0 {
		return nil, policy.ErrNotLoaded
	}
	if appended == nil || appended.Kind != ledger.KindEvent {
		return nil, nil
	}

	m := e.lockActor(appended.Actor)
	m.Lock()
	defer m.Unlock()

	since := appended.Timestamp.Add(-e.policy.MaxWindow())
	history, err := e.store.History(ctx, appended.Actor, since)
	if err != nil {
		return nil, fmt.Errorf("engine: fetch history for %s: %w", appended.Actor, err)
	}

	var findings []Finding
	for _, prior := range history {
		if prior.EventID == appended.EventID {
			continue
		}
		rule, ok := e.policy.Lookup(prior.Action, appended.Action)
		if !ok {
			continue
		}
		// Inclusive boundary: delta == window still violates.
		delta := absDelta(appended.Timestamp, prior.Timestamp)
		if delta > rule.Window {
			continue
		}

		key := dedupeKey(appended.Actor, rule.ID, prior.EventID, appended.EventID)
		e.mu.Lock()
		_, seen := e.emitted[key]
		if !seen {
			e.emitted[key] = struct{}{}
		}
		e.mu.Unlock()
		if seen {
			continue
		}

		first, second := prior, appended
		if second.Timestamp.Before(first.Timestamp) {
			first, second = second, first
		}
		findings = append(findings, Finding{
			ID:    uuid.New().String(),
			Actor: appended.Actor,
			Rule:  rule,
			Records: [2]RecordRef{
				{EventID: first.EventID, Digest: first.Digest, Action: first.Action, Timestamp: first.Timestamp},
				{EventID: second.EventID, Digest: second.Digest, Action: second.Action, Timestamp: second.Timestamp},
			},
			DetectedAt: e.clock().UTC(),
		})
	}
	return findings, nil
}

func absDelta(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}

// dedupeKey identifies a (actor, rule, unordered pair) combination.
func dedupeKey(actor, ruleID, idA, idB string) string {
	if idA > idB {
		idA, idB = idB, idA
	}
	return actor + "|" + ruleID + "|" + idA + "|" + idB
}
