// Package correlation mints and carries the identifiers that tie a submitted
// command to its completion event.
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// MaxIDLength bounds identifiers accepted from callers.
const MaxIDLength = 128

// None is the sentinel returned for rejected submissions.
const None = ""

type contextKey struct{}

// New returns a fresh random identifier. It carries no ordering meaning.
func New() string {
	return uuid.NewString()
}

// Normalize trims id and reports whether it is a usable identifier:
// non-empty, at most MaxIDLength bytes, printable ASCII only.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c < 0x20 || c > 0x7e {
			return "", false
		}
	}
	return id, true
}

// WithID returns a child of ctx carrying id. Invalid ids leave ctx untouched.
func WithID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// FromContext returns the identifier carried by ctx, or None.
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return None
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
