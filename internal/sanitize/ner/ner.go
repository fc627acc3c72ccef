// Package ner provides a Classifier that calls the sanitize-ner sidecar over
// HTTP. The sidecar reports character (code point) offsets; they are
// converted to byte offsets here, and spans whose offsets do not address the
// reported entity text are re-located by searching for that text.
package ner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"

	"github.com/gonkalabs/gonka-redact/internal/sanitize"
)

// Client calls the NER sidecar's /classify endpoint.
type Client struct {
	base string
	http *http.Client
}

// New creates a NER Client pointing at the given base URL
// (e.g. "http://sanitize-ner:8001").
func New(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Spans []nerSpan `json:"spans"`
}

type nerSpan struct {
	Start int     `json:"start"`
	End   int     `json:"end"`
	Label string  `json:"label"`
	Text  string  `json:"text"`
	Score float32 `json:"score"`
}

// Name implements sanitize.Named.
func (c *Client) Name() string { return "ner" }

// Classify sends text to the NER sidecar and returns sensitive spans.
// It is safe for concurrent use.
func (c *Client) Classify(ctx context.Context, text string) ([]sanitize.Span, error) {
	if text == "" {
		return nil, nil
	}
	body, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("ner: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ner: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ner: sidecar unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ner: sidecar status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ner: decode: %w", err)
	}
	return toSpans(text, result.Spans), nil
}

// Ping checks the sidecar's /health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return fmt.Errorf("ner: request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ner: health: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ner: health status %d", resp.StatusCode)
	}
	return nil
}

func toSpans(text string, in []nerSpan) []sanitize.Span {
	offsets := runeOffsets(text)
	spans := make([]sanitize.Span, 0, len(in))
	for _, s := range in {
		score := s.Score
		if score == 0 {
			score = 1.0
		}
		if s.Start >= 0 && s.End < len(offsets) && s.Start < s.End {
			start, end := offsets[s.Start], offsets[s.End]
			if s.Text == "" || text[start:end] == s.Text {
				spans = append(spans, sanitize.Span{Start: start, End: end, Label: s.Label, Score: score})
				continue
			}
		}
		if s.Text == "" {
			slog.Debug("ner: dropping span without text and bad offsets", "start", s.Start, "end", s.End, "label", s.Label)
			continue
		}
		// Offsets disagree with the entity text: mark every occurrence.
		for off := 0; ; {
			i := strings.Index(text[off:], s.Text)
			if i < 0 {
				break
			}
			start := off + i
			spans = append(spans, sanitize.Span{Start: start, End: start + len(s.Text), Label: s.Label, Score: score})
			off = start + len(s.Text)
		}
	}
	return spans
}

// runeOffsets maps each code point index of text, plus one past the end, to
// its byte offset.
func runeOffsets(text string) []int {
	out := make([]int, 0, utf8.RuneCountInString(text)+1)
	for i := range text {
		out = append(out, i)
	}
	return append(out, len(text))
}
