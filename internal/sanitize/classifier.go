package sanitize

import (
	"context"
	"fmt"
)

// Span describes a sensitive substring detected within a text.
type Span struct {
	Start int     // byte offset of the first character (UTF-8)
	End   int     // byte offset one past the last character
	Label string  // e.g. "PERSON", "EMAIL", "SSN", "BANK_ACCOUNT"
	Score float32 // confidence in [0,1]; 1.0 for rule-based detectors
}

// Len returns the span length in bytes.
func (s Span) Len() int { return s.End - s.Start }

// Overlaps reports whether the half-open ranges of s and o intersect.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// ValidIn reports whether s addresses a non-empty, in-bounds range of text
// whose offsets both fall on rune boundaries.
func (s Span) ValidIn(text string) bool {
	if s.Start < 0 || s.End > len(text) || s.Start >= s.End {
		return false
	}
	return isRuneBoundary(text, s.Start) && isRuneBoundary(text, s.End)
}

func (s Span) String() string {
	return fmt.Sprintf("[%d,%d %s)", s.Start, s.End, s.Label)
}

// Classifier detects sensitive spans in a text string.
// Implementations must be safe for concurrent use.
type Classifier interface {
	Classify(ctx context.Context, text string) ([]Span, error)
}

// Expensive is implemented by classifiers that call a generative model.
// The pipeline skips them for history messages and when the caller opts out.
type Expensive interface {
	Expensive() bool
}

// Pinger is implemented by classifiers backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Named lets a classifier report a short name for logs and health output.
type Named interface {
	Name() string
}

// ClassifierName returns c's Name() or its dynamic type.
func ClassifierName(c Classifier) string {
	if n, ok := c.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", c)
}

func isExpensive(c Classifier) bool {
	e, ok := c.(Expensive)
	return ok && e.Expensive()
}

// ClassifierFunc adapts a plain function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, text string) ([]Span, error)

// Classify calls f(ctx, text).
func (f ClassifierFunc) Classify(ctx context.Context, text string) ([]Span, error) {
	return f(ctx, text)
}

func isRuneBoundary(s string, i int) bool {
	if i == 0 || i == len(s) {
		return true
	}
	return s[i]&0xC0 != 0x80
}
