// Package llmclassifier provides a Classifier that uses a local
// OpenAI-compatible LLM (e.g. Ollama with llama3.2:3b or qwen3:4b) to detect
// sensitive spans that patterns and NER cannot catch: names in odd
// positions, addresses, API keys and passwords.
//
// We ask the model to return the sensitive strings verbatim rather than byte
// offsets, because small models get offsets wrong. Go code locates all
// occurrences in the original text itself.
package llmclassifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	json "github.com/goccy/go-json"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/gonkalabs/gonka-redact/internal/sanitize"
)

const systemPrompt = `Extract PII entities and secrets from the text. Return ONLY a JSON object, nothing else.

Entity types:
- PERSON: person names (first, last, full names) like "John A Doe", "Jane Smith", "Mr. Doe", "Иван Иванов"
- ORG: organization names like "Globex LLC"
- LOCATION: addresses, cities, states like "742 Evergreen Terrace, Apt. 4B, Springfield, IL 62704"
- PHONE: phone numbers like "(415) 555-2672", "+79997899900"
- DATE: dates like "July 22, 1986", "07/22/1986"
- CC: credit card numbers
- IP: IP addresses
- SECRET: API keys, tokens, passwords, private keys (e.g. sk-abc123xyz789, ghp_xyz789)

Return this format:
{"entities": [{"text": "exact text from document", "label": "PERSON"}]}

Instructions:
- "text" must be the EXACT text as it appears in the document
- Do NOT flag bracketed placeholders like [PERSON1], common words, or regular numbers
- Return {"entities": []} if nothing is sensitive

Examples:
Input: "my api key is sk-abc123xyz789"
Output: {"entities": [{"text": "sk-abc123xyz789", "label": "SECRET"}]}

Input: "call me at +79997899900, John Smith"
Output: {"entities": [{"text": "+79997899900", "label": "PHONE"}, {"text": "John Smith", "label": "PERSON"}]}

Input: "how are you?"
Output: {"entities": []}`

// DefaultLabel is used for values the model returns without a label.
const DefaultLabel = "SECRET"

// Classifier calls a local LLM to detect semantically sensitive values.
type Classifier struct {
	client    *openai.Client
	model     string
	limiter   *rate.Limiter
	maxTokens int
}

// New creates a Classifier.
// baseURL is the Ollama (or any OpenAI-compatible) server, e.g. "http://ollama:11434".
// rps bounds requests per second to the model; zero or less means unlimited.
func New(baseURL, model, apiKey string, rps float64) *Classifier {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"

	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Classifier{
		client:    openai.NewClientWithConfig(cfg),
		model:     model,
		limiter:   rate.NewLimiter(limit, 1),
		maxTokens: 4096,
	}
}

// Name implements sanitize.Named.
func (c *Classifier) Name() string { return "llm" }

// Expensive implements sanitize.Expensive.
func (c *Classifier) Expensive() bool { return true }

// Ping lists the server's models.
func (c *Classifier) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("llmclassifier: ping: %w", err)
	}
	return nil
}

// Classify sends text to the LLM and returns sensitive spans.
// It is safe for concurrent use.
func (c *Classifier) Classify(ctx context.Context, text string) ([]sanitize.Span, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("llmclassifier: rate limit: %w", err)
	}
	slog.Debug("llmclassifier: classifying", "model", c.model, "text_len", len(text))

	user := "Text to analyze:\n" + text
	if strings.Contains(strings.ToLower(c.model), "qwen3") {
		// /no_think is Qwen3's control token to skip thinking and go straight to the answer.
		user += "\n/no_think"
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("llmclassifier: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("llmclassifier: no choices returned")
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonLength {
		slog.Warn("llmclassifier: response truncated by token limit")
	}

	entities, err := parseEntities(choice.Message.Content)
	if err != nil {
		return nil, err
	}
	spans := locate(text, entities)
	if len(spans) > 0 {
		slog.Debug("llmclassifier: detected sensitive spans", "count", len(spans), "values", len(entities))
	}
	return spans, nil
}

type entity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}

// parseEntities accepts {"entities":[...]}, a bare array of entity objects,
// or a bare array of strings, optionally wrapped in a think block, a code
// fence or surrounding prose.
func parseEntities(raw string) ([]entity, error) {
	content := stripCodeFence(stripThinkBlock(strings.TrimSpace(raw)))
	if content == "" {
		return nil, nil
	}
	if es, ok := decodeEntities(content); ok {
		return es, nil
	}
	if es, ok := decodeEntities(extractJSON(content)); ok {
		return es, nil
	}
	return nil, fmt.Errorf("llmclassifier: could not parse model output (%d bytes)", len(content))
}

func decodeEntities(s string) ([]entity, bool) {
	var obj struct {
		Entities []entity `json:"entities"`
	}
	if err := json.Unmarshal([]byte(s), &obj); err == nil && strings.HasPrefix(s, "{") {
		return obj.Entities, true
	}
	var objs []entity
	if err := json.Unmarshal([]byte(s), &objs); err == nil {
		return objs, true
	}
	var strs []string
	if err := json.Unmarshal([]byte(s), &strs); err == nil {
		out := make([]entity, 0, len(strs))
		for _, v := range strs {
			out = append(out, entity{Text: v, Label: DefaultLabel})
		}
		return out, true
	}
	return nil, false
}

// locate finds every occurrence of each entity in text, skipping matches that
// land in the middle of a longer word.
func locate(text string, entities []entity) []sanitize.Span {
	var spans []sanitize.Span
	for _, e := range entities {
		val := strings.TrimSpace(e.Text)
		if val == "" || sanitize.IsPlaceholder(val) {
			continue
		}
		label := e.Label
		if strings.TrimSpace(label) == "" {
			label = DefaultLabel
		}
		start := 0
		for {
			idx := strings.Index(text[start:], val)
			if idx < 0 {
				break
			}
			abs := start + idx
			end := abs + len(val)
			start = end
			if isInsideToken(text, abs, end) {
				continue
			}
			spans = append(spans, sanitize.Span{Start: abs, End: end, Label: label, Score: 1.0})
		}
	}
	return spans
}

// isInsideToken reports whether span [start,end) sits inside a larger word.
// For example "sd@yandex.ru" inside "asd@yandex.ru" would return true.
func isInsideToken(text string, start, end int) bool {
	if start > 0 && !isBoundary(text[start-1]) {
		return true
	}
	if end < len(text) && !isBoundary(text[end]) {
		return true
	}
	return false
}

func isBoundary(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '<', '>', ',', ';', ':', '.', '!', '?', '(', ')', '[', ']', '{', '}', '"', '\'', '`':
		return true
	}
	return false
}

// extractJSON finds the outermost {...} or [...] substring in s, preferring
// whichever opens first.
func extractJSON(s string) string {
	open := strings.IndexAny(s, "{[")
	if open < 0 {
		return s
	}
	closeCh := "}"
	if s[open] == '[' {
		closeCh = "]"
	}
	end := strings.LastIndex(s, closeCh)
	if end < open {
		return s
	}
	return s[open : end+1]
}

// stripThinkBlock removes a <think>...</think> block that reasoning models
// emit before the actual answer.
func stripThinkBlock(s string) string {
	const open, close = "<think>", "</think>"
	start := strings.Index(s, open)
	if start < 0 {
		return s
	}
	end := strings.Index(s, close)
	if end < 0 {
		// Unclosed block - drop everything from <think> onwards.
		return strings.TrimSpace(s[:start])
	}
	return strings.TrimSpace(s[:start] + s[end+len(close):])
}

// stripCodeFence removes ```json ... ``` or ``` ... ``` wrappers.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
