package api

import (
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/gonkalabs/gonka-redact/internal/sanitize"
)

// maxChatBody bounds chat completion request bodies.
const maxChatBody = 32 << 20

func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	models := h.models
	h.mu.RUnlock()

	if models == nil {
		var err error
		models, err = h.client.FetchModels(r.Context())
		if err != nil {
			slog.Warn("api: model load failed", "err", err)
			writeErr(w, http.StatusBadGateway, "upstream error: "+err.Error())
			return
		}
		h.mu.Lock()
		h.models = models
		h.mu.Unlock()
		slog.Info("api: models loaded", "count", len(models))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   models,
	})
}

// chatCompletions redacts the outgoing messages, forwards the request and
// restores placeholders in the reply. Every request gets its own session.
func (h *Handler) chatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChatBody))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}
	defer r.Body.Close()

	sess := sanitize.NewSession()
	body, degraded := h.sanitizer.RedactMessages(r.Context(), body, sess)
	m := sess.Mapping()
	if len(m) > 0 {
		slog.Info("sanitize: redacted tokens in request", "count", len(m))
	}
	setSanitizeHeaders(w, m, degraded)

	// Peek at stream flag
	var peek struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(body, &peek)

	slog.Info("api: chat completions", "stream", peek.Stream, "body_len", len(body))

	if peek.Stream {
		h.streamResponse(w, r, body, m)
	} else {
		h.nonStreamResponse(w, r, body, m)
	}
}

func (h *Handler) nonStreamResponse(w http.ResponseWriter, r *http.Request, body []byte, m sanitize.Mapping) {
	respBody, status, err := h.client.Do(r.Context(), http.MethodPost, "/chat/completions", body)
	if err != nil {
		slog.Error("api: upstream error", "err", err)
		writeErr(w, http.StatusBadGateway, "upstream error: "+err.Error())
		return
	}

	// Restore any redacted tokens before returning to the client.
	respBody = h.sanitizer.RestoreBytes(respBody, m)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

func (h *Handler) streamResponse(w http.ResponseWriter, r *http.Request, body []byte, m sanitize.Mapping) {
	resp, err := h.client.DoStream(r.Context(), http.MethodPost, "/chat/completions", body)
	if err != nil {
		slog.Error("api: upstream stream error", "err", err)
		writeErr(w, http.StatusBadGateway, "upstream error: "+err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		slog.Error("api: upstream stream status", "code", resp.StatusCode, "body_len", len(errBody))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(h.sanitizer.RestoreBytes(errBody, m))
		return
	}

	// SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Warn("api: response writer does not support flushing")
	}

	src := sanitize.NewRestoringReader(resp.Body, m)

	buf := make([]byte, 4096)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				slog.Error("api: client write error", "err", writeErr)
				return
			}
			if ok {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				slog.Error("api: upstream read error", "err", readErr)
			}
			return
		}
	}
}

// setSanitizeHeaders encodes the redaction list into the X-Sanitize-Redactions
// response header so clients can display what was redacted and restored. The
// JSON is base64-encoded so UTF-8 survives header transmission. Classifiers
// that failed are listed in X-Sanitize-Degraded.
func setSanitizeHeaders(w http.ResponseWriter, m sanitize.Mapping, degraded []string) {
	if len(degraded) > 0 {
		names := slices.Clone(degraded)
		slices.Sort(names)
		w.Header().Set("X-Sanitize-Degraded", strings.Join(slices.Compact(names), ","))
	}
	if len(m) == 0 {
		return
	}
	b, err := json.Marshal(m.Redactions())
	if err != nil {
		return
	}
	w.Header().Set("X-Sanitize-Redactions", base64.StdEncoding.EncodeToString(b))
}
