// Package pipeline wires the audit core behind a single handle:
// validate -> seal into the ledger -> evaluate conflicts -> build and
// persist evidence. One pipeline is opened at process start and closed
// on shutdown; it is never re-initialized mid-run.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/alisa-labs/alisa/pkg/canonicalize"
	"github.com/alisa-labs/alisa/pkg/engine"
	"github.com/alisa-labs/alisa/pkg/event"
	"github.com/alisa-labs/alisa/pkg/evidence"
	"github.com/alisa-labs/alisa/pkg/integrity"
	"github.com/alisa-labs/alisa/pkg/ledger"
	"github.com/alisa-labs/alisa/pkg/policy"
)

const tracerName = "github.com/alisa-labs/alisa/pkg/pipeline"

// Sink persists evidence artifacts. Where they land is an external
// collaborator's concern; the pipeline's contract ends at handing the
// built artifact over.
type Sink interface {
	Write(a *evidence.Artifact) (string, error)
}

// Outcome summarizes the processing of one event.
type Outcome struct {
	Record         *ledger.Record       `json:"record,omitempty"`
	Findings       []engine.Finding     `json:"findings,omitempty"`
	Artifacts      []*evidence.Artifact `json:"artifacts,omitempty"`
	TamperDetected bool                 `json:"tamper_detected"`
}

// Pipeline is the ingestion facade over the audit core.
type Pipeline struct {
	store   ledger.Store
	engine  *engine.Engine
	checker *integrity.Checker
	builder *evidence.Builder
	sink    Sink
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSink attaches an artifact sink. Without one, artifacts are built
// and returned but not persisted.
func WithSink(s Sink) Option {
	return func(p *Pipeline) { p.sink = s }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithBuilder overrides the evidence builder, mainly to freeze its
// clock in tests.
func WithBuilder(b *evidence.Builder) Option {
	return func(p *Pipeline) { p.builder = b }
}

// New builds a pipeline over a ledger store and a loaded policy.
func New(store ledger.Store, pol *policy.Policy, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:   store,
		engine:  engine.New(store, pol),
		checker: integrity.NewChecker(store),
		builder: evidence.NewBuilder(),
		logger:  slog.Default().With("component", "pipeline"),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process validates a raw JSON event from the extraction collaborator
// and runs it through the core.
func (p *Pipeline) Process(ctx context.Context, raw []byte) (*Outcome, error) {
	ev, err := event.Parse(raw)
	if err != nil {
		p.logger.WarnContext(ctx, "event rejected at schema boundary", "error", err)
		return nil, err
	}
	return p.ProcessEvent(ctx, ev)
}

// ProcessEvent seals a validated event, evaluates the actor's history
// and emits evidence for any findings.
func (p *Pipeline) ProcessEvent(ctx context.Context, ev event.Event) (*Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("event.actor", ev.Actor),
			attribute.String("event.action", ev.Action),
		))
	defer span.End()

	rec, err := p.store.Append(ctx, ev)
	if err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "event sealed",
		"event_id", rec.EventID,
		"sequence", rec.Sequence,
		"digest", rec.Digest,
	)

	findings, err := p.engine.Evaluate(ctx, rec)
	if err != nil {
		return nil, err
	}

	out := &Outcome{Record: rec, Findings: findings}
	for _, f := range findings {
		a, err := p.builder.FromFinding(f)
		if err != nil {
			return nil, err
		}
		out.Artifacts = append(out.Artifacts, a)
		if err := p.persistFinding(ctx, f, a); err != nil {
			return nil, err
		}
		p.logger.WarnContext(ctx, "sod violation detected",
			"actor", f.Actor,
			"rule", f.Rule.ID,
			"control", f.Rule.Control,
			"first", f.Records[0].EventID,
			"second", f.Records[1].EventID,
		)
	}
	span.SetAttributes(attribute.Int("findings.count", len(findings)))
	return out, nil
}

// VerifyBaseline checks a sealed event against an externally supplied
// baseline digest. On mismatch, an IntegrityMismatch artifact is built
// (and persisted, when a sink is attached).
func (p *Pipeline) VerifyBaseline(ctx context.Context, id, expectedDigest string) (*Outcome, *integrity.Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.verify",
		trace.WithAttributes(attribute.String("event.id", id)))
	defer span.End()

	res, err := p.checker.Check(ctx, id, expectedDigest)
	if err != nil {
		return nil, nil, err
	}
	if res.Match {
		return &Outcome{Record: res.Record}, res, nil
	}

	p.logger.ErrorContext(ctx, "integrity check failed",
		"event_id", id,
		"expected", res.Expected,
		"observed", res.Observed,
	)
	a, err := p.builder.FromMismatch(*res.Mismatch())
	if err != nil {
		return nil, nil, err
	}
	out := &Outcome{Record: res.Record, Artifacts: []*evidence.Artifact{a}, TamperDetected: true}
	if p.sink != nil {
		if _, err := p.sink.Write(a); err != nil {
			return nil, nil, err
		}
	}
	return out, res, nil
}

// CheckIncoming re-hashes incoming raw text against a baseline digest
// before anything is sealed. Used when a collaborator replays a line it
// claims was sealed earlier: a mismatch short-circuits into tamper
// evidence and the event never reaches the ledger.
func (p *Pipeline) CheckIncoming(ctx context.Context, ev event.Event, expectedDigest string) (*Outcome, error) {
	match, observed, err := canonicalize.Verify(ev, expectedDigest)
	if err != nil {
		return nil, err
	}
	if match {
		return p.ProcessEvent(ctx, ev)
	}

	p.logger.ErrorContext(ctx, "incoming event failed baseline check",
		"actor", ev.Actor,
		"expected", expectedDigest,
		"observed", observed,
	)
	a, err := p.builder.FromMismatch(integrity.Mismatch{
		EventID:   ev.ID,
		Actor:     ev.Actor,
		Action:    ev.Action,
		Timestamp: ev.Timestamp,
		Expected:  expectedDigest,
		Observed:  observed,
	})
	if err != nil {
		return nil, err
	}
	out := &Outcome{Artifacts: []*evidence.Artifact{a}, TamperDetected: true}
	if p.sink != nil {
		if _, err := p.sink.Write(a); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// persistFinding writes the finding into the ledger (append-only, like
// any record) and the artifact to the sink when one is attached.
func (p *Pipeline) persistFinding(ctx context.Context, f engine.Finding, a *evidence.Artifact) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("pipeline: marshal finding: %w", err)
	}
	if _, err := p.store.AppendFinding(ctx, f.Actor, payload); err != nil {
		return err
	}
	if p.sink != nil {
		if _, err := p.sink.Write(a); err != nil {
			return err
		}
	}
	return nil
}

// VerifyChain re-walks the full ledger chain.
func (p *Pipeline) VerifyChain(ctx context.Context) error {
	start := time.Now()
	err := p.store.VerifyChain(ctx)
	p.logger.InfoContext(ctx, "chain verification finished",
		"elapsed", time.Since(start),
		"ok", err == nil,
	)
	return err
}

// Close flushes and releases the underlying store.
func (p *Pipeline) Close() error {
	return p.store.Close()
}
