//go:build property
// +build property

package canonicalize

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/alisa-labs/alisa/pkg/event"
)

// TestSealDeterminism: Seal(e) == Seal(e) for any raw text.
func TestSealDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("sealing is deterministic", prop.ForAll(
		func(raw string) bool {
			ev := event.Event{
				Actor:     "actor",
				Action:    "Action",
				Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
				RawText:   raw,
			}
			d1, err1 := Seal(ev)
			d2, err2 := Seal(ev)
			if err1 != nil || err2 != nil {
				return (err1 == nil) == (err2 == nil)
			}
			return d1 == d2
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// TestSealSensitivity: appending any suffix to the raw text changes the
// digest. Restricted to ASCII so Unicode normalization cannot collapse
// the mutation back into the original canonical form.
func TestSealSensitivity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("any appended suffix changes the digest", prop.ForAll(
		func(raw, suffix string) bool {
			if suffix == "" {
				return true
			}
			base := event.Event{
				Actor:     "actor",
				Action:    "Action",
				Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
				RawText:   raw,
			}
			mutated := base
			mutated.RawText = raw + suffix

			d1, err := Seal(base)
			if err != nil {
				return true
			}
			d2, err := Seal(mutated)
			if err != nil {
				return true
			}
			return d1 != d2
		},
		gen.AlphaString(),
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
	))

	properties.TestingRun(t)
}
