package sanitize

import (
	"hash/fnv"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// placeholderRe matches the full bracketed placeholder shape. Reversal and
// the collision guard both rely on matching the whole token, never a prefix.
var placeholderRe = regexp.MustCompile(`\[([A-Z]+)([0-9]+)\]`)

// IsPlaceholder reports whether s is exactly one placeholder token.
func IsPlaceholder(s string) bool {
	loc := placeholderRe.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

// Mapping associates each original substring with its placeholder token.
type Mapping map[string]string

// Invert returns the placeholder → original view of m.
func (m Mapping) Invert() map[string]string {
	inv := make(map[string]string, len(m))
	for orig, tok := range m {
		inv[tok] = orig
	}
	return inv
}

// Clone returns a shallow copy of m.
func (m Mapping) Clone() Mapping {
	out := make(Mapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Redaction describes a single redacted value for UI display.
type Redaction struct {
	Token    string `json:"token"`    // e.g. [PERSON1]
	Original string `json:"original"` // the actual sensitive value
}

// Redactions returns all entries of m ordered by token.
func (m Mapping) Redactions() []Redaction {
	out := make([]Redaction, 0, len(m))
	for orig, tok := range m {
		out = append(out, Redaction{Token: tok, Original: orig})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// labelAliases folds the vocabularies of common NER models onto one label.
var labelAliases = map[string]string{
	"PER":          "PERSON",
	"NAME":         "PERSON",
	"LOC":          "LOCATION",
	"GPE":          "LOCATION",
	"ADDRESS":      "LOCATION",
	"ORGANIZATION": "ORG",
	"ZIPCODE":      "ZIP",
	"DOB":          "DATEOFBIRTH",
	"IPADDRESS":    "IP",
	"CC":           "CREDITCARD",
}

// NormalizeLabel maps a detector label onto the [A-Z]+ alphabet used in
// placeholders. Case and punctuation are not significant: "credit_card" and
// "CREDIT-CARD" are the same label. Digits and non-Latin letters are
// significant but cannot appear in a placeholder label, so a label carrying
// them keeps its ASCII letters and gains "X" plus a letter hash of all its
// letters and digits: "ID1" and "ID2" stay apart, as do "ЛИЦО" and "ОРГ".
func NormalizeLabel(label string) string {
	var ascii, all strings.Builder
	extended := false
	for _, r := range label {
		switch {
		case r >= 'A' && r <= 'Z':
			ascii.WriteRune(r)
			all.WriteRune(r)
		case r >= 'a' && r <= 'z':
			ascii.WriteRune(r - 'a' + 'A')
			all.WriteRune(r - 'a' + 'A')
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			extended = true
			all.WriteRune(unicode.ToUpper(r))
		}
	}
	out := ascii.String()
	if extended {
		return out + "X" + letterHash(all.String())
	}
	if alias, ok := labelAliases[out]; ok {
		return alias
	}
	if out == "" {
		return "REDACTED"
	}
	return out
}

// letterHash encodes the FNV-1a hash of s as six letters.
func letterHash(s string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	n := h.Sum32()
	var b [6]byte
	for i := range b {
		b[i] = byte('A' + n%26)
		n /= 26
	}
	return string(b[:])
}

// Session is the scope within which placeholder identity is consistent:
// one mapping plus the per-label counters used to number new placeholders.
// A Session is not safe for concurrent use; callers sharing one across
// goroutines must serialise access.
type Session struct {
	mapping  Mapping
	tokens   map[string]string // placeholder → original
	reserved map[string]bool   // placeholder-shaped text found in inputs
	counters map[string]int
}

// NewSession returns an empty session.
func NewSession() *Session {
	return &Session{
		mapping:  make(Mapping),
		tokens:   make(map[string]string),
		reserved: make(map[string]bool),
		counters: make(map[string]int),
	}
}

// ResumeSession continues a previous session from its mapping so that the
// same originals keep their placeholders across documents. Counters are
// re-derived from the highest ordinal already used for each label.
func ResumeSession(m Mapping) *Session {
	s := NewSession()
	for orig, tok := range m {
		s.mapping[orig] = tok
		s.tokens[tok] = orig
		sub := placeholderRe.FindStringSubmatch(tok)
		if sub == nil {
			continue
		}
		if n, err := strconv.Atoi(sub[2]); err == nil && n > s.counters[sub[1]] {
			s.counters[sub[1]] = n
		}
	}
	return s
}

// Reserve marks every placeholder-shaped token occurring in text as
// unavailable, so Allocate never mints a token that the text already
// contains verbatim. It returns the tokens in text that are already bound to
// an original in this session; such tokens cannot be told apart from
// substituted ones on reversal.
func (s *Session) Reserve(text string) (ambiguous []string) {
	for _, tok := range placeholderRe.FindAllString(text, -1) {
		if _, bound := s.tokens[tok]; bound {
			ambiguous = append(ambiguous, tok)
			continue
		}
		s.reserved[tok] = true
	}
	return ambiguous
}

// Allocate returns the placeholder for original, minting a new one under
// label when original has not been seen in this session.
func (s *Session) Allocate(label, original string) string {
	if tok, ok := s.mapping[original]; ok {
		return tok
	}
	norm := NormalizeLabel(label)
	var tok string
	for {
		s.counters[norm]++
		tok = "[" + norm + strconv.Itoa(s.counters[norm]) + "]"
		if _, taken := s.tokens[tok]; !taken && !s.reserved[tok] {
			break
		}
	}
	s.mapping[original] = tok
	s.tokens[tok] = original
	return tok
}

// Mapping returns a copy of the session's original → placeholder table.
func (s *Session) Mapping() Mapping {
	return s.mapping.Clone()
}

// Len returns the number of distinct originals in the session.
func (s *Session) Len() int { return len(s.mapping) }
