// Package patterns is the deterministic classifier: regular-expression
// recognizers loaded from YAML, with checksum gates and context-word scoring
// for numbers that are only sensitive next to the right keywords.
package patterns

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gonkalabs/gonka-redact/internal/sanitize"
)

//go:embed default.yaml
var defaultYAML []byte

const (
	// DefaultMinScore is the confidence below which a match is discarded.
	DefaultMinScore = 0.5

	// ContextBoost is added to a match's score when one of its recognizer's
	// context words appears near it.
	ContextBoost = 0.35

	// DefaultContextWindow is how many bytes before and after a match are
	// searched for context words.
	DefaultContextWindow = 100
)

// File is the top-level YAML structure of a recognizer file.
type File struct {
	Recognizers []Recognizer `yaml:"recognizers"`
}

// Recognizer detects one entity with one or more regular expressions.
type Recognizer struct {
	Name            string    `yaml:"name"`
	SupportedEntity string    `yaml:"supported_entity"`
	Enabled         *bool     `yaml:"enabled,omitempty"`
	Patterns        []Pattern `yaml:"patterns"`
	Context         []string  `yaml:"context,omitempty"`
	ContextWindow   int       `yaml:"context_window,omitempty"`
	Validate        string    `yaml:"validate,omitempty"` // "", "luhn" or "aba"
}

// Pattern is a single regex within a recognizer.
type Pattern struct {
	Name  string  `yaml:"name"`
	Regex string  `yaml:"regex"`
	Score float64 `yaml:"score"`
}

func (r *Recognizer) enabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Parse decodes recognizer YAML.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("patterns: parsing recognizer YAML: %w", err)
	}
	return &f, nil
}

// Load reads and parses a recognizer file from disk.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("patterns: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Defaults returns the built-in recognizers.
func Defaults() []Recognizer {
	f, err := Parse(defaultYAML)
	if err != nil {
		panic(err)
	}
	return f.Recognizers
}

// Merge overlays later layers on earlier ones by recognizer name. Recognizers
// with new names are appended.
func Merge(layers ...[]Recognizer) []Recognizer {
	index := make(map[string]int)
	var merged []Recognizer
	for _, layer := range layers {
		for _, r := range layer {
			if i, ok := index[r.Name]; ok {
				merged[i] = r
				continue
			}
			index[r.Name] = len(merged)
			merged = append(merged, r)
		}
	}
	return merged
}

type compiled struct {
	name     string
	entity   string
	re       *regexp.Regexp
	score    float64
	context  []string
	window   int
	validate func(string) bool
}

// Scanner is a sanitize.Classifier backed by compiled recognizers.
type Scanner struct {
	patterns []compiled
	minScore float64
}

// Option configures a Scanner.
type Option func(*options)

type options struct {
	patternFile string
	disabled    []string
	minScore    float64
	extra       []Recognizer
}

// WithPatternFile merges recognizers from a YAML file over the defaults.
func WithPatternFile(path string) Option {
	return func(o *options) { o.patternFile = path }
}

// WithRecognizers merges recognizers over the defaults.
func WithRecognizers(rs ...Recognizer) Option {
	return func(o *options) { o.extra = append(o.extra, rs...) }
}

// WithDisabledEntities drops recognizers for the named entities. Names are
// compared after label normalization, so "credit_card" disables CREDIT_CARD.
func WithDisabledEntities(entities ...string) Option {
	return func(o *options) { o.disabled = append(o.disabled, entities...) }
}

// WithMinScore overrides DefaultMinScore.
func WithMinScore(s float64) Option {
	return func(o *options) { o.minScore = s }
}

// New builds a Scanner from the built-in recognizers plus any options.
func New(opts ...Option) (*Scanner, error) {
	o := options{minScore: DefaultMinScore}
	for _, fn := range opts {
		fn(&o)
	}

	layers := [][]Recognizer{Defaults()}
	if o.patternFile != "" {
		f, err := Load(o.patternFile)
		if err != nil {
			return nil, err
		}
		layers = append(layers, f.Recognizers)
	}
	layers = append(layers, o.extra)

	blocked := make(map[string]bool, len(o.disabled))
	for _, e := range o.disabled {
		blocked[sanitize.NormalizeLabel(e)] = true
	}

	s := &Scanner{minScore: o.minScore}
	for _, r := range Merge(layers...) {
		if !r.enabled() || blocked[sanitize.NormalizeLabel(r.SupportedEntity)] {
			continue
		}
		validate, err := validator(r.Validate)
		if err != nil {
			return nil, fmt.Errorf("patterns: recognizer %q: %w", r.Name, err)
		}
		window := r.ContextWindow
		if window <= 0 {
			window = DefaultContextWindow
		}
		ctxWords := make([]string, len(r.Context))
		for i, w := range r.Context {
			ctxWords[i] = strings.ToLower(w)
		}
		for _, p := range r.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("patterns: compiling %q in recognizer %q: %w", p.Name, r.Name, err)
			}
			s.patterns = append(s.patterns, compiled{
				name:     r.Name,
				entity:   r.SupportedEntity,
				re:       re,
				score:    p.Score,
				context:  ctxWords,
				window:   window,
				validate: validate,
			})
		}
	}
	slog.Debug("patterns: scanner ready", "patterns", len(s.patterns))
	return s, nil
}

func validator(name string) (func(string) bool, error) {
	switch strings.ToLower(name) {
	case "":
		return nil, nil
	case "luhn":
		return func(v string) bool { return luhnValid(digitsOf(v)) }, nil
	case "aba":
		return func(v string) bool { return abaValid(digitsOf(v)) }, nil
	default:
		return nil, fmt.Errorf("unknown validator %q", name)
	}
}

// Name implements sanitize.Named.
func (s *Scanner) Name() string { return "patterns" }

// Classify implements sanitize.Classifier. When several recognizers match
// the same extent only the highest-scoring one is reported.
func (s *Scanner) Classify(ctx context.Context, text string) ([]sanitize.Span, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type extent struct{ start, end int }
	best := make(map[extent]sanitize.Span)
	var order []extent

	for _, p := range s.patterns {
		for _, m := range p.re.FindAllStringIndex(text, -1) {
			value := text[m[0]:m[1]]
			if p.validate != nil && !p.validate(value) {
				continue
			}
			score := p.score
			if nearContext(text, m[0], m[1], p.window, p.context) {
				score += ContextBoost
			}
			if score < s.minScore {
				continue
			}
			if score > 1 {
				score = 1
			}
			e := extent{m[0], m[1]}
			prev, seen := best[e]
			if !seen {
				order = append(order, e)
			}
			if !seen || float32(score) > prev.Score {
				best[e] = sanitize.Span{Start: m[0], End: m[1], Label: p.entity, Score: float32(score)}
			}
		}
	}

	out := make([]sanitize.Span, 0, len(order))
	for _, e := range order {
		out = append(out, best[e])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

// nearContext reports whether any context word occurs within window bytes
// before start or after end.
func nearContext(text string, start, end, window int, words []string) bool {
	if len(words) == 0 {
		return false
	}
	lo := max(start-window, 0)
	hi := min(end+window, len(text))
	around := strings.ToLower(text[lo:start] + " " + text[end:hi])
	for _, w := range words {
		if strings.Contains(around, w) {
			return true
		}
	}
	return false
}

func digitsOf(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// luhnValid checks a digit string against the Luhn checksum (ISO/IEC 7812).
func luhnValid(number string) bool {
	if len(number) < 2 {
		return false
	}
	sum, alt := 0, false
	for i := len(number) - 1; i >= 0; i-- {
		d := int(number[i] - '0')
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

// abaValid checks a nine-digit ABA routing transit number.
func abaValid(number string) bool {
	if len(number) != 9 {
		return false
	}
	w := [9]int{3, 7, 1, 3, 7, 1, 3, 7, 1}
	sum := 0
	for i := 0; i < 9; i++ {
		sum += w[i] * int(number[i]-'0')
	}
	return sum%10 == 0
}
