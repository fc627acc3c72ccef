// Package sanitize provides reversible redaction of sensitive text. It
// collects candidate spans from classifier plugins (regex patterns, NER
// sidecar, local LLM), resolves them into one disjoint set, replaces each
// distinct value with a stable placeholder token such as [PERSON1], and
// restores the originals when text carrying those placeholders comes back.
//
// Usage:
//
//	s := sanitize.NewWithClassifiers(classifiers)
//	res := s.Anonymize(ctx, text, sanitize.NewSession(), sanitize.Options{})
//	// send res.Text to the untrusted processor
//	restored, unresolved := sanitize.Restore(reply, res.Mapping)
package sanitize

import (
	"context"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
)

// DefaultBudget is the maximum time we wait for all classifiers to finish.
// Classifiers that miss the deadline are skipped; their results are
// discarded. Set high enough to cover a small LLM running on CPU.
const DefaultBudget = 120 * time.Second

// Sanitizer is the top-level object created once at startup.
type Sanitizer struct {
	classifiers []Classifier
	budget      time.Duration
}

// New creates a Sanitizer from the given classifiers, in precedence order.
func New(classifiers ...Classifier) *Sanitizer {
	return NewWithClassifiers(classifiers)
}

// NewWithClassifiers creates a Sanitizer with an ordered list of classifiers
// (e.g. patterns, NER sidecar, LLM classifier). Earlier classifiers win ties
// on identical spans.
func NewWithClassifiers(classifiers []Classifier) *Sanitizer {
	return &Sanitizer{classifiers: classifiers, budget: DefaultBudget}
}

// WithBudget sets the detection budget. Non-positive values keep the default.
func (s *Sanitizer) WithBudget(d time.Duration) *Sanitizer {
	if d > 0 {
		s.budget = d
	}
	return s
}

// Classifiers returns the configured classifiers in precedence order.
func (s *Sanitizer) Classifiers() []Classifier {
	return s.classifiers
}

// Options tunes a single Anonymize call.
type Options struct {
	// SkipExpensive leaves out classifiers that call a generative model.
	SkipExpensive bool
}

// Result is the outcome of one anonymization pass.
type Result struct {
	Text     string  // anonymized text
	Mapping  Mapping // original → placeholder, whole session
	Spans    []Span  // resolved spans, offsets into the input text
	Degraded []string
}

func (s *Sanitizer) selectClassifiers(opts Options) []Classifier {
	if !opts.SkipExpensive {
		return s.classifiers
	}
	out := make([]Classifier, 0, len(s.classifiers))
	for _, c := range s.classifiers {
		if !isExpensive(c) {
			out = append(out, c)
		}
	}
	return out
}

// runClassifiers runs all Classify calls concurrently. It returns one span
// list per classifier, in classifier order, plus the names of classifiers
// that failed or missed the budget. A failing classifier never aborts the
// others.
func (s *Sanitizer) runClassifiers(ctx context.Context, text string, classifiers []Classifier) ([][]Span, []string) {
	if len(classifiers) == 0 {
		return nil, nil
	}

	type result struct {
		idx   int
		spans []Span
		err   error
	}
	ch := make(chan result, len(classifiers))

	ctx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	for i, clf := range classifiers {
		go func(i int, c Classifier) {
			spans, err := c.Classify(ctx, text)
			ch <- result{idx: i, spans: spans, err: err}
		}(i, clf)
	}

	lists := make([][]Span, len(classifiers))
	done := make([]bool, len(classifiers))
	var degraded []string
	for range classifiers {
		select {
		case r := <-ch:
			done[r.idx] = true
			if r.err != nil {
				name := ClassifierName(classifiers[r.idx])
				slog.Warn("sanitize: classifier error", "classifier", name, "err", r.err)
				degraded = append(degraded, name)
				continue
			}
			lists[r.idx] = r.spans
		case <-ctx.Done():
			for i, ok := range done {
				if !ok {
					degraded = append(degraded, ClassifierName(classifiers[i]))
				}
			}
			slog.Warn("sanitize: classifier budget exceeded, using partial results", "missing", len(degraded))
			return lists, degraded
		}
	}
	return lists, degraded
}

// Detect runs the selected classifiers on text and returns the resolved,
// disjoint span set together with the names of degraded classifiers.
func (s *Sanitizer) Detect(ctx context.Context, text string, opts Options) ([]Span, []string) {
	if text == "" {
		return []Span{}, nil
	}
	lists, degraded := s.runClassifiers(ctx, text, s.selectClassifiers(opts))
	return Resolve(text, lists...), degraded
}

// Anonymize detects sensitive spans in text and substitutes placeholders
// allocated from sess. The returned mapping covers the whole session.
func (s *Sanitizer) Anonymize(ctx context.Context, text string, sess *Session, opts Options) Result {
	spans, degraded := s.Detect(ctx, text, opts)
	return Result{
		Text:     apply(text, spans, sess),
		Mapping:  sess.Mapping(),
		Spans:    spans,
		Degraded: degraded,
	}
}

// apply reserves placeholder-shaped text already present in the input, then
// substitutes the resolved spans.
func apply(text string, spans []Span, sess *Session) string {
	reserve(text, sess)
	return substitute(text, spans, sess)
}

func reserve(text string, sess *Session) {
	if ambiguous := sess.Reserve(text); len(ambiguous) > 0 {
		slog.Warn("sanitize: input contains placeholders already bound in this session",
			"tokens", ambiguous)
	}
}

func substitute(text string, spans []Span, sess *Session) string {
	out := Substitute(text, spans, sess)
	if len(spans) > 0 {
		slog.Debug("sanitize: redacted", "spans", len(spans), "distinct", sess.Len())
	}
	return out
}

// Anonymize runs classifiers on document in a fresh session and returns the
// anonymized text with its mapping.
func Anonymize(ctx context.Context, document string, classifiers ...Classifier) (string, Mapping) {
	res := NewWithClassifiers(classifiers).Anonymize(ctx, document, NewSession(), Options{})
	return res.Text, res.Mapping
}

// maxMessageWorkers bounds concurrent detection across chat messages.
const maxMessageWorkers = 4

// chatText addresses one redactable string inside a chat request body.
type chatText struct {
	msg, part int // part < 0 for plain string content
	text      string
	history   bool
	spans     []Span
}

// RedactMessages parses the OpenAI-format JSON body and redacts sensitive
// data in place, allocating placeholders from sess. History messages (all
// but the last user message) skip expensive classifiers for speed. Detection
// runs concurrently across messages; substitution runs in message order so
// placeholder numbering is deterministic. Non-JSON bodies are treated as
// plain text.
func (s *Sanitizer) RedactMessages(ctx context.Context, body []byte, sess *Session) ([]byte, []string) {
	var req map[string]json.RawMessage
	if err := json.Unmarshal(body, &req); err != nil {
		res := s.Anonymize(ctx, string(body), sess, Options{})
		return []byte(res.Text), res.Degraded
	}

	messagesRaw, ok := req["messages"]
	if !ok {
		return body, nil
	}

	var messages []map[string]json.RawMessage
	if err := json.Unmarshal(messagesRaw, &messages); err != nil {
		return body, nil
	}

	lastUserIdx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		roleRaw, hasRole := messages[i]["role"]
		if !hasRole {
			continue
		}
		var role string
		if err := json.Unmarshal(roleRaw, &role); err == nil && role == "user" {
			lastUserIdx = i
			break
		}
	}

	// Collect every string we may redact, in document order.
	var items []*chatText
	parts := make(map[int][]map[string]json.RawMessage)
	for i, msg := range messages {
		contentRaw, ok := msg["content"]
		if !ok {
			continue
		}
		history := i != lastUserIdx

		var strContent string
		if err := json.Unmarshal(contentRaw, &strContent); err == nil {
			items = append(items, &chatText{msg: i, part: -1, text: strContent, history: history})
			continue
		}

		// Array content (vision / multi-modal messages).
		var ps []map[string]json.RawMessage
		if err := json.Unmarshal(contentRaw, &ps); err != nil {
			continue
		}
		parts[i] = ps
		for j, part := range ps {
			textRaw, ok := part["text"]
			if !ok {
				continue
			}
			var text string
			if err := json.Unmarshal(textRaw, &text); err != nil {
				continue
			}
			items = append(items, &chatText{msg: i, part: j, text: text, history: history})
		}
	}
	if len(items) == 0 {
		return body, nil
	}

	degradedCh := make(chan []string, len(items))
	var g errgroup.Group
	g.SetLimit(maxMessageWorkers)
	for _, it := range items {
		it := it
		g.Go(func() error {
			var degraded []string
			it.spans, degraded = s.Detect(ctx, it.text, Options{SkipExpensive: it.history})
			degradedCh <- degraded
			return nil
		})
	}
	_ = g.Wait()
	close(degradedCh)
	var degraded []string
	for d := range degradedCh {
		degraded = append(degraded, d...)
	}

	// Every message is one document: reserve literal placeholders across all
	// of them before any token is minted.
	for _, it := range items {
		reserve(it.text, sess)
	}

	changed := false
	changedParts := make(map[int]bool)
	for _, it := range items {
		redacted := substitute(it.text, it.spans, sess)
		if redacted == it.text {
			continue
		}
		b, _ := json.Marshal(redacted)
		if it.part < 0 {
			messages[it.msg]["content"] = b
		} else {
			parts[it.msg][it.part]["text"] = b
			changedParts[it.msg] = true
		}
		changed = true
	}
	for i := range changedParts {
		b, _ := json.Marshal(parts[i])
		messages[i]["content"] = b
	}

	if !changed {
		return body, degraded
	}

	b, _ := json.Marshal(messages)
	req["messages"] = b
	out, err := json.Marshal(req)
	if err != nil {
		return body, degraded
	}
	return out, degraded
}

// RestoreBytes scans a JSON response body for placeholder tokens and
// replaces them with their original values from m. Originals are escaped as
// JSON string content so quotes or backslashes in them keep the body valid.
func (s *Sanitizer) RestoreBytes(respBody []byte, m Mapping) []byte {
	if len(m) == 0 {
		return respBody
	}
	out, _ := Restore(string(respBody), JSONEscaped(m))
	return []byte(out)
}

// JSONEscaped returns a copy of m whose originals are escaped for use inside
// a JSON string literal.
func JSONEscaped(m Mapping) Mapping {
	out := make(Mapping, len(m))
	for orig, tok := range m {
		b, err := json.Marshal(orig)
		if err != nil || len(b) < 2 {
			out[orig] = tok
			continue
		}
		out[string(b[1:len(b)-1])] = tok
	}
	return out
}
