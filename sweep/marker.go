// Package sweep implements marker-scoped teardown of test-created kernel
// storage state: device-mapper devices and filesystem mounts whose names
// carry a test-identifying marker.
//
// Tests create devices that may stack on each other and mount filesystems on
// top; afterwards everything marked must go, but removal order is unknown
// and some removals fail transiently while a device is still held open. The
// engine converges by repeated best-effort passes instead of computing a
// dependency graph: each pass removes what it can, and a pass that removes
// nothing means the remainder is permanently stuck and is reported as such.
package sweep

import (
	"fmt"
	"strings"
	"unicode"
)

// DefaultToken is the marker appended to every resource name created by the
// test harness. The token is deliberately ugly: nothing in production naming
// should ever contain it.
const DefaultToken = "_dmsweep_test_delme"

// Marker decides whether a resource name belongs to the test run. It is the
// single owner of the match rule; callers never do their own substring
// checks against the token.
//
// The zero Marker matches nothing. Construct one with NewMarker or Default.
type Marker struct {
	token string
}

// Default returns the Marker for DefaultToken.
func Default() Marker {
	return Marker{token: DefaultToken}
}

// NewMarker builds a Marker around a custom token. The token must be
// non-empty and contain no whitespace; a token that could appear in ordinary
// device names would turn the sweep into a shotgun.
func NewMarker(token string) (Marker, error) {
	if token == "" {
		return Marker{}, fmt.Errorf("marker token cannot be empty")
	}
	for _, r := range token {
		if unicode.IsSpace(r) {
			return Marker{}, fmt.Errorf("marker token cannot contain whitespace: %q", token)
		}
	}
	return Marker{token: token}, nil
}

// Matches reports whether s carries the marker. A zero Marker matches
// nothing, so an unconstructed Marker can never select a victim.
func (m Marker) Matches(s string) bool {
	if m.token == "" {
		return false
	}
	return strings.Contains(s, m.token)
}

// Suffix appends the marker token to a base name, the way harness setup
// names the resources it creates.
func (m Marker) Suffix(base string) string {
	return base + m.token
}

// Token returns the raw marker token.
func (m Marker) Token() string {
	return m.token
}

// String implements fmt.Stringer for log fields.
func (m Marker) String() string {
	return m.token
}
