package main

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/alisa-labs/alisa/pkg/config"
	"github.com/alisa-labs/alisa/pkg/ledger"
)

func main() {
	os.Exit(Run(os.Args, os.Stdin, os.Stdout, os.Stderr))
}

// Run is the dispatch entrypoint, separated from main for testing.
func Run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel, stderr)

	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "ingest":
		return runIngest(cfg, args[2:], stdin, stdout, stderr)
	case "verify":
		return runVerify(cfg, args[2:], stdout, stderr)
	case "history":
		return runHistory(cfg, args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: alisa <ingest|verify|history> [flags]")
	_, _ = fmt.Fprintln(w, "  ingest  [-f events.jsonl]        seal events and evaluate conflicts")
	_, _ = fmt.Fprintln(w, "  verify  -id <event> [-digest D]  tamper-check a sealed event")
	_, _ = fmt.Fprintln(w, "          -chain                   verify the whole hash chain")
	_, _ = fmt.Fprintln(w, "  history -actor <actor>           print an actor's sealed history")
}

func setupLogging(level string, w io.Writer) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})))
}

// openStore selects the ledger backend from configuration.
func openStore(cfg *config.Config) (ledger.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return ledger.NewMemoryStore(), nil
	case config.StoreSQLite:
		db, err := sql.Open("sqlite", cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.DatabasePath, err)
		}
		return ledger.NewSQLiteStore(db)
	case config.StorePostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return ledger.NewPostgresStore(db)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}
