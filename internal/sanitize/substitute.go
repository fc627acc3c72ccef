package sanitize

import "strings"

// Substitute rewrites text, replacing every resolved span with the
// placeholder the session assigns to its substring. Text between spans is
// copied verbatim. spans must be disjoint and ordered by Start, as returned
// by Resolve.
func Substitute(text string, spans []Span, s *Session) string {
	if len(spans) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	cursor := 0
	for _, sp := range spans {
		b.WriteString(text[cursor:sp.Start])
		b.WriteString(s.Allocate(sp.Label, text[sp.Start:sp.End]))
		cursor = sp.End
	}
	b.WriteString(text[cursor:])
	return b.String()
}
