package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestResolve(t *testing.T) {
	text := "John Doe lives at 742 Evergreen Terrace, Springfield."

	tests := []struct {
		name  string
		lists [][]Span
		want  []Span
	}{
		{
			name: "no spans",
			want: []Span{},
		},
		{
			name:  "longest match wins at same start",
			lists: [][]Span{{{Start: 0, End: 10, Label: "A"}, {Start: 0, End: 5, Label: "B"}}},
			want:  []Span{{Start: 0, End: 10, Label: "A"}},
		},
		{
			name: "longest match wins across detectors",
			lists: [][]Span{
				{{Start: 0, End: 4, Label: "PERSON"}},
				{{Start: 0, End: 8, Label: "PERSON"}},
			},
			want: []Span{{Start: 0, End: 8, Label: "PERSON"}},
		},
		{
			name: "identical extents keep the first detector",
			lists: [][]Span{
				{{Start: 18, End: 39, Label: "ADDRESS"}},
				{{Start: 18, End: 39, Label: "LOCATION"}},
			},
			want: []Span{{Start: 18, End: 39, Label: "ADDRESS"}},
		},
		{
			name: "earlier start wins over later overlapping span",
			lists: [][]Span{{
				{Start: 5, End: 12, Label: "B"},
				{Start: 0, End: 8, Label: "A"},
			}},
			want: []Span{{Start: 0, End: 8, Label: "A"}},
		},
		{
			name:  "adjacent spans both survive",
			lists: [][]Span{{{Start: 4, End: 8, Label: "B"}, {Start: 0, End: 4, Label: "A"}}},
			want:  []Span{{Start: 0, End: 4, Label: "A"}, {Start: 4, End: 8, Label: "B"}},
		},
		{
			name: "invalid spans are dropped",
			lists: [][]Span{{
				{Start: -1, End: 3, Label: "NEG"},
				{Start: 5, End: 5, Label: "EMPTY"},
				{Start: 9, End: 4, Label: "BACKWARDS"},
				{Start: 40, End: 400, Label: "OOB"},
				{Start: 0, End: 4, Label: "PERSON"},
			}},
			want: []Span{{Start: 0, End: 4, Label: "PERSON"}},
		},
		{
			name: "output sorted by start",
			lists: [][]Span{
				{{Start: 41, End: 52, Label: "LOCATION"}},
				{{Start: 0, End: 8, Label: "PERSON"}},
				{{Start: 18, End: 39, Label: "ADDRESS"}},
			},
			want: []Span{
				{Start: 0, End: 8, Label: "PERSON"},
				{Start: 18, End: 39, Label: "ADDRESS"},
				{Start: 41, End: 52, Label: "LOCATION"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(text, tt.lists...))
		})
	}
}

func TestResolveEmptyDocument(t *testing.T) {
	assert.Empty(t, Resolve("", []Span{{Start: 0, End: 1, Label: "X"}}))
}

func TestResolveRejectsSplitRunes(t *testing.T) {
	text := "Zoë Müller"
	// "ë" occupies bytes 2-3; offset 3 is inside the rune.
	got := Resolve(text, []Span{{Start: 0, End: 3, Label: "PERSON"}, {Start: 5, End: 12, Label: "PERSON"}})
	assert.Equal(t, []Span{{Start: 5, End: 12, Label: "PERSON"}}, got)
}

func spanGen(textLen int) *rapid.Generator[Span] {
	return rapid.Custom(func(t *rapid.T) Span {
		return Span{
			Start: rapid.IntRange(-2, textLen+2).Draw(t, "start"),
			End:   rapid.IntRange(-2, textLen+2).Draw(t, "end"),
			Label: rapid.SampledFrom([]string{"PERSON", "EMAIL", "ssn", "credit_card", "42"}).Draw(t, "label"),
		}
	})
}

func TestResolveDisjointProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.String().Draw(t, "text")
		lists := rapid.SliceOfN(rapid.SliceOf(spanGen(len(text))), 0, 4).Draw(t, "lists")

		got := Resolve(text, lists...)

		for i, sp := range got {
			if !sp.ValidIn(text) {
				t.Fatalf("invalid span kept: %v", sp)
			}
			if i > 0 && got[i-1].End > sp.Start {
				t.Fatalf("spans %v and %v overlap or are out of order", got[i-1], sp)
			}
		}

		// Every valid candidate is either kept or overlaps a kept span.
		for _, l := range lists {
			for _, c := range l {
				if !c.ValidIn(text) {
					continue
				}
				covered := false
				for _, k := range got {
					if k == c || k.Overlaps(c) {
						covered = true
						break
					}
				}
				if !covered {
					t.Fatalf("valid span %v neither kept nor shadowed", c)
				}
			}
		}
	})
}
