// Package reqid generates request identifiers that double as feed keys and
// e-book filename stems.
package reqid

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const prefix = "req-"

var pattern = regexp.MustCompile(`^req-[0-9a-f]{32}$`)

// New returns a fresh identifier of the form req-<32 lowercase hex chars>.
func New() string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether id has the shape produced by New. Anything that passes
// is safe to use as a single path component.
func Valid(id string) bool {
	return pattern.MatchString(id)
}
