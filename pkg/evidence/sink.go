package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileSink persists artifacts as <dir>/<artifact-id>.json. An existing
// file is never overwritten; evidence on disk is as immutable as the
// ledger.
type FileSink struct {
	dir string
}

// NewFileSink creates the artifact directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("evidence: create artifact dir %s: %w", dir, err)
	}
	return &FileSink{dir: dir}, nil
}

// Write serializes the artifact and returns the path it was written to.
func (s *FileSink) Write(a *Artifact) (string, error) {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", fmt.Errorf("evidence: marshal artifact %s: %w", a.ArtifactID, err)
	}

	path := filepath.Join(s.dir, a.ArtifactID+".json")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("evidence: create %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("evidence: write %s: %w", path, err)
	}
	return path, nil
}
