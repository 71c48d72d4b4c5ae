package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/alisa-labs/alisa/pkg/config"
	"github.com/alisa-labs/alisa/pkg/event"
	"github.com/alisa-labs/alisa/pkg/evidence"
	"github.com/alisa-labs/alisa/pkg/pipeline"
	"github.com/alisa-labs/alisa/pkg/policy"
)

// runIngest reads JSON-lines events (stdin or -f file), seals each into
// the ledger and reports findings. Schema rejects are logged and
// skipped; the run keeps going so one bad line cannot stall an import.
func runIngest(cfg *config.Config, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("f", "", "events file (JSON lines); stdin when empty")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load policy: %v\n", err)
		return 1
	}
	store, err := openStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	sink, err := evidence.NewFileSink(cfg.ArtifactsDir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open artifact sink: %v\n", err)
		return 1
	}

	p := pipeline.New(store, pol, pipeline.WithSink(sink))
	defer func() { _ = p.Close() }()

	in := stdin
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "open events file: %v\n", err)
			return 1
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	ctx := context.Background()
	var sealed, rejected, violations int
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out, err := p.Process(ctx, line)
		if err != nil {
			if errors.Is(err, event.ErrSchemaValidation) {
				rejected++
				continue
			}
			_, _ = fmt.Fprintf(stderr, "ingest: %v\n", err)
			return 1
		}
		sealed++
		violations += len(out.Findings)
		for _, f := range out.Findings {
			_, _ = fmt.Fprintf(stdout, "VIOLATION %s actor=%s rule=%s events=%s,%s\n",
				f.Rule.Control, f.Actor, f.Rule.ID, f.Records[0].EventID, f.Records[1].EventID)
		}
	}
	if err := scanner.Err(); err != nil {
		_, _ = fmt.Fprintf(stderr, "read events: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "sealed=%d rejected=%d violations=%d\n", sealed, rejected, violations)
	if violations > 0 {
		return 3
	}
	return 0
}
