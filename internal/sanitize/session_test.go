package sanitize

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeLabel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"PERSON", "PERSON"},
		{"person", "PERSON"},
		{"credit_card", "CREDITCARD"},
		{"CREDIT-CARD", "CREDITCARD"},
		{"CC", "CREDITCARD"},
		{"PER", "PERSON"},
		{"GPE", "LOCATION"},
		{"ORGANIZATION", "ORG"},
		{"ZIP_CODE", "ZIP"},
		{"ip_address", "IP"},
		{"", "REDACTED"},
		{"__", "REDACTED"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeLabel(tt.in))
		})
	}
}

func TestNormalizeLabelKeepsDigitsAndScripts(t *testing.T) {
	labelRe := regexp.MustCompile(`^[A-Z]+$`)
	for _, in := range []string{"ID1", "ID2", "ЛИЦО", "ОРГ", "42", "Имя"} {
		assert.Regexp(t, labelRe, NormalizeLabel(in), in)
	}

	assert.NotEqual(t, NormalizeLabel("ID1"), NormalizeLabel("ID2"))
	assert.NotEqual(t, NormalizeLabel("ЛИЦО"), NormalizeLabel("ОРГ"))
	assert.NotEqual(t, NormalizeLabel("ЛИЦО"), "REDACTED")
	assert.NotEqual(t, NormalizeLabel("ID1"), NormalizeLabel("ID"))
	assert.True(t, strings.HasPrefix(NormalizeLabel("id_1"), "IDX"))

	assert.Equal(t, NormalizeLabel("ID1"), NormalizeLabel("id-1"), "case and punctuation still fold")
	assert.Equal(t, NormalizeLabel("ЛИЦО"), NormalizeLabel("лицо"))

	s := NewSession()
	a := s.Allocate("ЛИЦО", "Иван")
	b := s.Allocate("ОРГ", "Ромашка")
	assert.True(t, IsPlaceholder(a), a)
	assert.True(t, IsPlaceholder(b), b)
	assert.NotEqual(t, strings.TrimSuffix(a, "1]"), strings.TrimSuffix(b, "1]"))
}

func TestAllocate(t *testing.T) {
	s := NewSession()

	assert.Equal(t, "[PERSON1]", s.Allocate("PERSON", "John Doe"))
	assert.Equal(t, "[EMAIL1]", s.Allocate("EMAIL", "john@example.test"))
	assert.Equal(t, "[PERSON2]", s.Allocate("per", "Jane Roe"))
	assert.Equal(t, "[PERSON1]", s.Allocate("PERSON", "John Doe"), "repeat reuses placeholder")
	assert.Equal(t, "[PERSON1]", s.Allocate("ORG", "John Doe"), "label of a repeat is ignored")
	assert.Equal(t, 3, s.Len())

	m := s.Mapping()
	assert.Equal(t, Mapping{
		"John Doe":          "[PERSON1]",
		"john@example.test": "[EMAIL1]",
		"Jane Roe":          "[PERSON2]",
	}, m)

	m["mutated"] = "[X1]"
	assert.Equal(t, 3, s.Len(), "Mapping returns a copy")
}

func TestAllocateSkipsReservedTokens(t *testing.T) {
	s := NewSession()
	ambiguous := s.Reserve("template mentions [PERSON1] and [PERSON2] literally")
	assert.Empty(t, ambiguous)

	assert.Equal(t, "[PERSON3]", s.Allocate("PERSON", "John Doe"))
	assert.Equal(t, "[PERSON4]", s.Allocate("PERSON", "Jane Roe"))
}

func TestResumeSession(t *testing.T) {
	prev := Mapping{
		"John Doe":    "[PERSON1]",
		"Jane Roe":    "[PERSON7]",
		"123-45-6789": "[SSN1]",
		"legacy":      "<<not a placeholder>>",
	}
	s := ResumeSession(prev)

	assert.Equal(t, "[PERSON1]", s.Allocate("PERSON", "John Doe"))
	assert.Equal(t, "[PERSON8]", s.Allocate("PERSON", "Max Mustermann"))
	assert.Equal(t, "[SSN2]", s.Allocate("SSN", "987-65-4321"))
	assert.Equal(t, "[EMAIL1]", s.Allocate("EMAIL", "a@b.test"))

	ambiguous := s.Reserve("reply about [PERSON1]")
	assert.Equal(t, []string{"[PERSON1]"}, ambiguous)
	assert.NotContains(t, prev, "Max Mustermann", "resume copies the mapping")
}

func TestIsPlaceholder(t *testing.T) {
	assert.True(t, IsPlaceholder("[PERSON1]"))
	assert.True(t, IsPlaceholder("[SSN12]"))
	assert.False(t, IsPlaceholder("[PERSON]"))
	assert.False(t, IsPlaceholder("[person1]"))
	assert.False(t, IsPlaceholder("x[PERSON1]"))
	assert.False(t, IsPlaceholder("[CREDIT_CARD1]"))
}

func TestMappingInvertAndRedactions(t *testing.T) {
	m := Mapping{"b": "[X2]", "a": "[X1]"}
	assert.Equal(t, map[string]string{"[X1]": "a", "[X2]": "b"}, m.Invert())

	r := m.Redactions()
	require.Len(t, r, 2)
	assert.Equal(t, Redaction{Token: "[X1]", Original: "a"}, r[0])
	assert.Equal(t, Redaction{Token: "[X2]", Original: "b"}, r[1])
}
