package sanitize

import "log/slog"

// Restore replaces every placeholder token in text with its original value
// from m. Tokens are matched by the full bracketed pattern in a single pass,
// so [PERSON1] is never matched inside [PERSON10] and restored values are
// never rescanned. Tokens that m does not know are left in place and
// returned, each once, in order of first occurrence.
func Restore(text string, m Mapping) (string, []string) {
	if text == "" {
		return text, nil
	}
	inv := m.Invert()
	var unresolved []string
	seen := make(map[string]bool)
	out := placeholderRe.ReplaceAllStringFunc(text, func(tok string) string {
		if orig, ok := inv[tok]; ok {
			return orig
		}
		if !seen[tok] {
			seen[tok] = true
			unresolved = append(unresolved, tok)
		}
		return tok
	})
	if len(unresolved) > 0 {
		slog.Warn("sanitize: unresolved placeholders", "count", len(unresolved), "tokens", unresolved)
	}
	return out, unresolved
}

// Deanonymize is Restore under the name used by the public API.
func Deanonymize(text string, m Mapping) (string, []string) {
	return Restore(text, m)
}
