// Package canonicalize produces the canonical byte form and the baseline
// digest of an event. The canonical form is deterministic across platforms:
// fixed field ordering via RFC 8785 (JSON Canonicalization Scheme), UTF-8
// NFC-normalized text, UTC RFC 3339 timestamps. Digests are SHA-256 over
// the canonical bytes, rendered as "sha256:<hex>".
//
// Everything here is a pure function of its input bytes.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"

	"github.com/alisa-labs/alisa/pkg/event"
)

// DigestPrefix identifies the hash algorithm in rendered digests.
const DigestPrefix = "sha256:"

// EncodingError signals that an input cannot be canonicalized, e.g. a
// raw text that is not valid UTF-8. Reported, never retried.
type EncodingError struct {
	Reason string
}

func (e *EncodingError) Error() string {
	return "canonicalize: encoding error: " + e.Reason
}

// canonicalEvent is the wire shape that gets canonicalized. Field names
// are part of the digest and must never change.
type canonicalEvent struct {
	Action    string `json:"action"`
	Actor     string `json:"actor"`
	RawText   string `json:"raw_text"`
	Resource  string `json:"resource"`
	Timestamp string `json:"timestamp"`
}

// Canonical returns the canonical byte sequence for an event.
func Canonical(ev event.Event) ([]byte, error) {
	if !utf8.ValidString(ev.RawText) {
		return nil, &EncodingError{Reason: "raw_text is not valid UTF-8"}
	}

	ce := canonicalEvent{
		Action:    ev.Action,
		Actor:     ev.Actor,
		RawText:   norm.NFC.String(ev.RawText),
		Resource:  ev.Resource,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	raw, err := json.Marshal(ce)
	if err != nil {
		return nil, &EncodingError{Reason: fmt.Sprintf("marshal: %v", err)}
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, &EncodingError{Reason: fmt.Sprintf("jcs transform: %v", err)}
	}
	return canonical, nil
}

// Seal computes the baseline digest of an event. It is called exactly
// once per event, at ledger insertion time.
func Seal(ev event.Event) (string, error) {
	b, err := Canonical(ev)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// Verify recomputes the digest from the event's current content and
// compares it byte-for-byte against the baseline. Any difference,
// including whitespace-only changes, yields false. The observed digest
// is returned so mismatch reports can include both sides.
func Verify(ev event.Event, baseline string) (bool, string, error) {
	observed, err := Seal(ev)
	if err != nil {
		return false, "", err
	}
	return observed == baseline, observed, nil
}

// HashBytes computes the SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return DigestPrefix + hex.EncodeToString(h[:])
}

// HashJSON canonicalizes an arbitrary JSON-marshalable value with JCS
// and hashes the result. Used for content-addressing structures other
// than events (finding payloads, evidence artifacts).
func HashJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize: marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return HashBytes(canonical), nil
}
