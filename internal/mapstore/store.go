// Package mapstore persists session mappings so that placeholders can be
// restored later or by another process. Records are validated on load: a
// mapping that is not a bijection between originals and well-formed
// placeholders, or whose signature does not verify, is reported as corrupt.
package mapstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/gonkalabs/gonka-redact/internal/sanitize"
)

var (
	// ErrNotFound is returned when no mapping is stored under an id.
	ErrNotFound = errors.New("mapstore: mapping not found")
	// ErrCorrupt is returned when a stored mapping cannot be trusted.
	ErrCorrupt = errors.New("mapstore: corrupt mapping")
	// ErrInvalidID is returned for ids outside [A-Za-z0-9_-]{1,128}.
	ErrInvalidID = errors.New("mapstore: invalid mapping id")
)

var idRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Store saves and loads mappings by id. Implementations are safe for
// concurrent use.
type Store interface {
	Save(ctx context.Context, id string, m sanitize.Mapping) error
	Load(ctx context.Context, id string) (sanitize.Mapping, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// NewID returns a fresh random mapping id.
func NewID() string { return uuid.NewString() }

// ValidID reports whether id may name a stored mapping.
func ValidID(id string) bool { return idRe.MatchString(id) }

func checkID(id string) error {
	if !ValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Validate checks that m maps non-empty originals to distinct, well-formed
// placeholders.
func Validate(m sanitize.Mapping) error {
	seen := make(map[string]bool, len(m))
	for orig, tok := range m {
		if orig == "" {
			return fmt.Errorf("%w: empty original for %s", ErrCorrupt, tok)
		}
		if !sanitize.IsPlaceholder(tok) {
			return fmt.Errorf("%w: malformed placeholder %q", ErrCorrupt, tok)
		}
		if seen[tok] {
			return fmt.Errorf("%w: placeholder %s assigned twice", ErrCorrupt, tok)
		}
		seen[tok] = true
	}
	return nil
}
