package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrSchemaValidation is the sentinel for input-contract breaches.
// Callers should match with errors.Is; the wrapped error carries the
// validator detail.
var ErrSchemaValidation = errors.New("event schema validation failed")

// eventSchema is the input contract with the extraction collaborator.
// Additive-only evolution: new optional fields may be added, existing
// fields never change meaning or type.
const eventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["actor", "action", "timestamp"],
	"properties": {
		"id": {"type": "string"},
		"actor": {"type": "string", "minLength": 1},
		"action": {"type": "string", "minLength": 1},
		"resource": {"type": "string"},
		"timestamp": {"type": "string", "format": "date-time"},
		"raw_text": {"type": "string"}
	}
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	const url = "https://alisa.schemas.local/event.schema.json"
	if err := c.AddResource(url, strings.NewReader(eventSchema)); err != nil {
		panic(fmt.Sprintf("event: add schema resource: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("event: compile schema: %v", err))
	}
	return s
}

// Parse validates raw JSON against the event schema and decodes it.
// Validation happens before decoding so a contract breach is reported
// as ErrSchemaValidation rather than a type error.
func Parse(data []byte) (Event, error) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return Event{}, fmt.Errorf("%w: invalid JSON: %w", ErrSchemaValidation, err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrSchemaValidation, err)
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrSchemaValidation, err)
	}
	return ev.Normalize(), nil
}

// Validate checks an already-structured event against the mandatory
// field contract. Used when events are constructed in process rather
// than decoded from the wire.
func Validate(ev Event) error {
	if ev.Actor == "" {
		return fmt.Errorf("%w: actor is required", ErrSchemaValidation)
	}
	if ev.Action == "" {
		return fmt.Errorf("%w: action is required", ErrSchemaValidation)
	}
	if ev.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrSchemaValidation)
	}
	return nil
}
