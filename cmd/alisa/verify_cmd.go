package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/alisa-labs/alisa/pkg/config"
	"github.com/alisa-labs/alisa/pkg/evidence"
	"github.com/alisa-labs/alisa/pkg/integrity"
	"github.com/alisa-labs/alisa/pkg/ledger"
)

// runVerify is the external tamper-check surface: compare a sealed
// event against an expected digest, or re-walk the whole chain.
func runVerify(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "event ID to verify")
	digest := fs.String("digest", "", "expected digest; defaults to the sealed baseline")
	chain := fs.Bool("chain", false, "verify the entire hash chain instead")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, err := openStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if *chain {
		if err := store.VerifyChain(ctx); err != nil {
			_, _ = fmt.Fprintf(stdout, "chain: BROKEN: %v\n", err)
			return 3
		}
		n, _ := store.Len(ctx)
		_, _ = fmt.Fprintf(stdout, "chain: OK (%d records)\n", n)
		return 0
	}

	if *id == "" {
		_, _ = fmt.Fprintln(stderr, "verify: -id is required")
		return 2
	}

	checker := integrity.NewChecker(store)
	var res *integrity.Result
	if *digest == "" {
		res, err = checker.CheckSealed(ctx, *id)
	} else {
		res, err = checker.Check(ctx, *id, *digest)
	}
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		_, _ = fmt.Fprintf(stdout, "%s: NOT FOUND\n", *id)
		return 4
	case errors.Is(err, ledger.ErrMalformedRecord):
		_, _ = fmt.Fprintf(stdout, "%s: MALFORMED: %v\n", *id, err)
		return 5
	case err != nil:
		_, _ = fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}

	if res.Match {
		_, _ = fmt.Fprintf(stdout, "%s: OK digest=%s\n", *id, res.Observed)
		return 0
	}

	// Mismatch: emit tamper evidence alongside the report.
	builder := evidence.NewBuilder()
	a, err := builder.FromMismatch(*res.Mismatch())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "build evidence: %v\n", err)
		return 1
	}
	sink, err := evidence.NewFileSink(cfg.ArtifactsDir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open artifact sink: %v\n", err)
		return 1
	}
	path, err := sink.Write(a)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "write evidence: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%s: MISMATCH expected=%s observed=%s evidence=%s\n",
		*id, res.Expected, res.Observed, path)
	return 3
}

// runHistory prints an actor's sealed event history.
func runHistory(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	actor := fs.String("actor", "", "actor identifier")
	since := fs.String("since", "", "RFC 3339 lower bound; defaults to the epoch")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *actor == "" {
		_, _ = fmt.Fprintln(stderr, "history: -actor is required")
		return 2
	}

	var from time.Time
	if *since != "" {
		var err error
		from, err = time.Parse(time.RFC3339, *since)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "history: bad -since: %v\n", err)
			return 2
		}
	}

	store, err := openStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	records, err := store.History(context.Background(), *actor, from)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "history: %v\n", err)
		return 1
	}
	for _, r := range records {
		_, _ = fmt.Fprintf(stdout, "%d\t%s\t%s\t%s\t%s\n",
			r.Sequence, r.Timestamp.Format(time.RFC3339), r.EventID, r.Action, r.Digest)
	}
	_, _ = fmt.Fprintf(stdout, "%d records\n", len(records))
	return 0
}
