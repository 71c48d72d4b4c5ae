// Package event defines the structured activity event consumed by the
// audit core and validates the input contract at the boundary.
//
// Events arrive from an external semantic-extraction service as JSON.
// The core never depends on extraction correctness, only on the schema
// contract being satisfied; anything malformed is rejected here before
// it can reach the hasher or the ledger.
package event

import (
	"time"
)

// Event is a single discrete activity performed by an actor.
type Event struct {
	// ID uniquely identifies the event. If empty, the ledger derives a
	// content-addressed ID from the event digest at seal time.
	ID string `json:"id,omitempty"`

	// Actor is the identity that performed the action. Mandatory.
	Actor string `json:"actor"`

	// Action is the action token, e.g. "Create_Invoice". Mandatory.
	Action string `json:"action"`

	// Resource is the object the action was performed on, if any.
	Resource string `json:"resource,omitempty"`

	// Timestamp is the business time of the action, UTC. Mandatory.
	Timestamp time.Time `json:"timestamp"`

	// RawText is the original log line, retained verbatim. It is the
	// primary input to canonicalization and is immutable once sealed.
	RawText string `json:"raw_text"`
}

// Normalize returns a copy of the event with the timestamp forced to UTC.
func (e Event) Normalize() Event {
	e.Timestamp = e.Timestamp.UTC()
	return e
}
