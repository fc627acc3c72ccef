package sanitize

import (
	"log/slog"
	"slices"
)

// Resolve merges the candidate spans of every detector into one disjoint set
// ordered by Start.
//
// Invalid spans are dropped. The remaining candidates are stably sorted by
// Start and then by length (longest first), and kept greedily unless they
// overlap a span already kept. Because the sort is stable, when two detectors
// report the same extent the span from the earlier list wins; callers express
// detector precedence through argument order.
func Resolve(text string, lists ...[]Span) []Span {
	var n int
	for _, l := range lists {
		n += len(l)
	}
	if n == 0 || text == "" {
		return []Span{}
	}

	candidates := make([]Span, 0, n)
	dropped := 0
	for _, l := range lists {
		for _, sp := range l {
			if !sp.ValidIn(text) {
				dropped++
				continue
			}
			candidates = append(candidates, sp)
		}
	}
	if dropped > 0 {
		slog.Debug("sanitize: dropped invalid spans", "count", dropped)
	}

	slices.SortStableFunc(candidates, func(a, b Span) int {
		if a.Start != b.Start {
			return a.Start - b.Start
		}
		return b.Len() - a.Len()
	})

	// Candidates arrive in Start order, so a new span can only collide with
	// the kept span that reaches furthest right.
	kept := make([]Span, 0, len(candidates))
	reach := -1
	for _, sp := range candidates {
		if sp.Start < reach {
			continue
		}
		kept = append(kept, sp)
		reach = sp.End
	}

	slices.SortFunc(kept, func(a, b Span) int { return a.Start - b.Start })
	return kept
}
