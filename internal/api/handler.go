package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"

	"github.com/gonkalabs/gonka-redact/internal/ingest"
	"github.com/gonkalabs/gonka-redact/internal/mapstore"
	"github.com/gonkalabs/gonka-redact/internal/sanitize"
	"github.com/gonkalabs/gonka-redact/internal/seal"
	"github.com/gonkalabs/gonka-redact/internal/upstream"
)

// Options wires a Handler. Only Sanitizer is required.
type Options struct {
	Sanitizer *sanitize.Sanitizer
	Store     mapstore.Store    // nil disables session persistence
	Extractor *ingest.Extractor // nil uses a text extractor bounded by MaxUpload
	Upstream  *upstream.Client  // nil disables the chat proxy
	RateLimit int               // requests per minute per client IP; 0 disables
	MaxUpload int64             // upload limit in bytes
}

// Handler implements all HTTP endpoints.
type Handler struct {
	sanitizer *sanitize.Sanitizer
	store     mapstore.Store
	extractor *ingest.Extractor
	client    *upstream.Client
	limiter   *ipLimiter
	maxUpload int64
	locks     *sessionLocks

	mu     sync.RWMutex
	models []json.RawMessage // cached raw model objects from upstream
}

// New creates a Handler.
func New(opts Options) *Handler {
	h := &Handler{
		sanitizer: opts.Sanitizer,
		store:     opts.Store,
		extractor: opts.Extractor,
		client:    opts.Upstream,
		maxUpload: opts.MaxUpload,
		locks:     newSessionLocks(),
	}
	if h.maxUpload <= 0 {
		h.maxUpload = 16 << 20
	}
	if h.extractor == nil {
		h.extractor = ingest.New(h.maxUpload, nil)
	}
	if opts.RateLimit > 0 {
		h.limiter = newIPLimiter(opts.RateLimit)
	}
	return h
}

// Routes returns the chi router with all middleware and routes mounted.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if h.limiter != nil {
		r.Use(h.limiter.middleware)
	}

	r.Get("/health", h.liveness)
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Post("/anonymize", h.anonymize)
		r.Post("/deanonymize", h.deanonymize)
		r.Post("/upload", h.upload)
		r.Get("/mappings/{id}", h.getMapping)
		r.Delete("/mappings/{id}", h.deleteMapping)
	})
	if h.client != nil {
		r.Get("/v1/models", h.listModels)
		r.Post("/v1/chat/completions", h.chatCompletions)
	}
	return r
}

// ---------- endpoints ----------

func (h *Handler) liveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	classifiers := make(map[string]bool)
	for _, c := range h.sanitizer.Classifiers() {
		name := sanitize.ClassifierName(c)
		p, ok := c.(sanitize.Pinger)
		if !ok {
			classifiers[name] = true
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := p.Ping(ctx)
		cancel()
		if err != nil {
			slog.Warn("api: classifier unavailable", "classifier", name, "err", err)
		}
		classifiers[name] = err == nil
	}
	resp := map[string]any{
		"success":     true,
		"status":      "healthy",
		"classifiers": classifiers,
		"persistence": h.store != nil,
		"proxy":       h.client != nil,
	}
	if h.client != nil {
		resp["upstream_endpoints"] = len(h.client.Endpoints())
	}
	writeJSON(w, http.StatusOK, resp)
}

type anonymizeRequest struct {
	Text      *string `json:"text"`
	UseLLM    *bool   `json:"use_llm"`
	SessionID string  `json:"session_id"`
}

type spanJSON struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Label string `json:"label"`
}

type anonymizeResponse struct {
	Success        bool             `json:"success"`
	AnonymizedText string           `json:"anonymized_text"`
	Mapping        sanitize.Mapping `json:"mapping"`
	Spans          []spanJSON       `json:"spans"`
	SessionID      string           `json:"session_id,omitempty"`
	Degraded       []string         `json:"degraded,omitempty"`
}

func (h *Handler) anonymize(w http.ResponseWriter, r *http.Request) {
	var req anonymizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Text == nil {
		writeErr(w, http.StatusBadRequest, "Missing text parameter")
		return
	}
	if strings.TrimSpace(*req.Text) == "" {
		writeErr(w, http.StatusBadRequest, "Text cannot be empty")
		return
	}
	opts := sanitize.Options{SkipExpensive: req.UseLLM != nil && !*req.UseLLM}

	sess := sanitize.NewSession()
	id := req.SessionID
	if h.store != nil {
		if id == "" {
			id = mapstore.NewID()
		} else if !mapstore.ValidID(id) {
			writeErr(w, http.StatusBadRequest, "invalid session_id")
			return
		}
		unlock := h.locks.lock(id)
		defer unlock()

		if req.SessionID != "" {
			m, err := h.store.Load(r.Context(), id)
			switch {
			case err == nil:
				sess = sanitize.ResumeSession(m)
			case errors.Is(err, mapstore.ErrNotFound):
			default:
				writeStoreErr(w, err)
				return
			}
		}
	} else if id != "" {
		writeErr(w, http.StatusBadRequest, "session_id requires a mapping store")
		return
	}

	res := h.sanitizer.Anonymize(r.Context(), *req.Text, sess, opts)
	if h.store != nil {
		if err := h.store.Save(r.Context(), id, res.Mapping); err != nil {
			writeStoreErr(w, err)
			return
		}
	}
	slog.Info("api: anonymized text", "spans", len(res.Spans), "session_len", len(res.Mapping), "degraded", len(res.Degraded))

	spans := make([]spanJSON, len(res.Spans))
	for i, sp := range res.Spans {
		spans[i] = spanJSON{Start: sp.Start, End: sp.End, Label: sp.Label}
	}
	writeJSON(w, http.StatusOK, anonymizeResponse{
		Success:        true,
		AnonymizedText: res.Text,
		Mapping:        res.Mapping,
		Spans:          spans,
		SessionID:      id,
		Degraded:       res.Degraded,
	})
}

type deanonymizeRequest struct {
	AnonymizedText *string          `json:"anonymized_text"`
	Mapping        sanitize.Mapping `json:"mapping"`
	SessionID      string           `json:"session_id"`
}

func (h *Handler) deanonymize(w http.ResponseWriter, r *http.Request) {
	var req deanonymizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.AnonymizedText == nil || (req.Mapping == nil && req.SessionID == "") {
		writeErr(w, http.StatusBadRequest, "Missing anonymized_text or mapping parameter")
		return
	}
	if strings.TrimSpace(*req.AnonymizedText) == "" {
		writeErr(w, http.StatusBadRequest, "Anonymized text cannot be empty")
		return
	}

	m := req.Mapping
	if m == nil {
		var ok bool
		if m, ok = h.loadMapping(r.Context(), w, req.SessionID); !ok {
			return
		}
	}

	restored, unresolved := sanitize.Deanonymize(*req.AnonymizedText, m)
	if len(unresolved) > 0 {
		slog.Warn("api: unresolved placeholders", "count", len(unresolved), "placeholders", unresolved)
	} else {
		unresolved = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"restored_text": restored,
		"unresolved":    unresolved,
	})
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	// Leave room for multipart framing around the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeErr(w, http.StatusRequestEntityTooLarge, h.tooLargeMsg())
			return
		}
		writeErr(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer file.Close()
	if hdr.Filename == "" {
		writeErr(w, http.StatusBadRequest, "No file selected")
		return
	}

	name := filepath.Base(hdr.Filename)
	doc, err := h.extractor.Extract(r.Context(), name, file)
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrUnsupported):
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, ingest.ErrTooLarge):
		writeErr(w, http.StatusRequestEntityTooLarge, h.tooLargeMsg())
		return
	default:
		writeStoreErr(w, err)
		return
	}

	slog.Info("api: file extracted", "name", name, "kind", doc.Kind, "bytes", hdr.Size)
	resp := map[string]any{"success": true, "filename": name, "kind": doc.Kind}
	if doc.Kind == ingest.KindMapping {
		resp["mapping"] = doc.Mapping
	} else {
		resp["text"] = doc.Text
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, ok := h.loadMapping(r.Context(), w, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": id,
		"mapping":    m,
	})
}

func (h *Handler) deleteMapping(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeErr(w, http.StatusServiceUnavailable, "mapping persistence is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	unlock := h.locks.lock(id)
	defer unlock()
	if err := h.store.Delete(r.Context(), id); err != nil {
		writeStoreErr(w, err)
		return
	}
	slog.Info("api: mapping deleted", "session_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ---------- helpers ----------

// loadMapping reads a stored session, writing the error response itself
// when it returns false.
func (h *Handler) loadMapping(ctx context.Context, w http.ResponseWriter, id string) (sanitize.Mapping, bool) {
	if h.store == nil {
		writeErr(w, http.StatusServiceUnavailable, "mapping persistence is disabled")
		return nil, false
	}
	unlock := h.locks.lock(id)
	defer unlock()
	m, err := h.store.Load(ctx, id)
	if err != nil {
		writeStoreErr(w, err)
		return nil, false
	}
	return m, true
}

func (h *Handler) tooLargeMsg() string {
	if h.maxUpload < 1<<20 {
		return fmt.Sprintf("File too large. Maximum size is %d bytes.", h.maxUpload)
	}
	return fmt.Sprintf("File too large. Maximum size is %dMB.", h.maxUpload>>20)
}

// writeStoreErr maps persistence and decoding errors to HTTP statuses.
func writeStoreErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mapstore.ErrNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, mapstore.ErrInvalidID):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, mapstore.ErrCorrupt), errors.Is(err, seal.ErrNoKey):
		writeErr(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeErr(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("api: storage error", "err", err)
		writeErr(w, http.StatusInternalServerError, "Processing error: "+err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
