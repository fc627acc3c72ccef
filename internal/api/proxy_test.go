package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonkalabs/gonka-redact/internal/sanitize"
	"github.com/gonkalabs/gonka-redact/internal/upstream"
)

type chatRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// recorder keeps the prompts the fake model received.
type recorder struct {
	mu      sync.Mutex
	prompts []string
}

func (r *recorder) add(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, p)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.prompts...)
}

// fakeModel echoes the last message back. A streamed reply is written in two
// network writes that split a placeholder.
func fakeModel(t *testing.T, seen *recorder) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		last := req.Messages[len(req.Messages)-1].Content
		seen.add(last)

		reply := "You said: " + last
		if !req.Stream {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []any{map[string]any{
					"message": map[string]string{"role": "assistant", "content": reply},
				}},
			})
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		b, _ := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"delta": map[string]string{"content": reply}}},
		})
		event := "data: " + string(b) + "\n\ndata: [DONE]\n\n"
		cut := strings.Index(event, "[PERSON2]") + 4
		_, _ = io.WriteString(w, event[:cut])
		w.(http.Flusher).Flush()
		_, _ = io.WriteString(w, event[cut:])
	})
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"object":"list","data":[{"id":"echo-1","object":"model"}]}`)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newProxy(t *testing.T, seen *recorder) *httptest.Server {
	t.Helper()
	model := fakeModel(t, seen)
	return newServer(t, Options{
		Upstream: upstream.New([]string{model.URL + "/v1"}, upstream.NewKeyPool([]string{"sk-test"})),
	})
}

func chatBody(stream bool) []byte {
	b, _ := json.Marshal(map[string]any{
		"model":  "echo-1",
		"stream": stream,
		"messages": []map[string]string{
			{"role": "system", "content": "Be brief."},
			{"role": "user", "content": `Tell "Alice" that Bob called`},
		},
	})
	return b
}

func TestChatCompletionsRedactsAndRestores(t *testing.T) {
	seen := &recorder{}
	ts := newProxy(t, seen)

	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", bytes.NewReader(chatBody(false)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []string{`Tell "[PERSON1]" that [PERSON2] called`}, seen.all())

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Choices, 1)
	assert.Equal(t, `You said: Tell "Alice" that Bob called`, out.Choices[0].Message.Content)

	raw, err := base64.StdEncoding.DecodeString(resp.Header.Get("X-Sanitize-Redactions"))
	require.NoError(t, err)
	var redactions []sanitize.Redaction
	require.NoError(t, json.Unmarshal(raw, &redactions))
	assert.Len(t, redactions, 2)
}

func TestChatCompletionsStreaming(t *testing.T) {
	seen := &recorder{}
	ts := newProxy(t, seen)

	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", bytes.NewReader(chatBody(true)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "[PERSON")
	assert.Contains(t, string(body), `You said: Tell \"Alice\" that Bob called`)
	assert.Contains(t, string(body), "data: [DONE]")
}

func TestListModels(t *testing.T) {
	seen := &recorder{}
	ts := newProxy(t, seen)

	status, out := do(t, http.MethodGet, ts.URL+"/v1/models", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "list", out["object"])
	data, _ := out["data"].([]any)
	require.Len(t, data, 1)
	assert.Equal(t, "echo-1", data[0].(map[string]any)["id"])
}

func TestHealthReportsUpstream(t *testing.T) {
	ts := newProxy(t, &recorder{})
	status, out := do(t, http.MethodGet, ts.URL+"/api/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["proxy"])
	assert.Equal(t, float64(1), out["upstream_endpoints"])
}

func TestChatCompletionsUpstreamDown(t *testing.T) {
	ts := newServer(t, Options{Upstream: upstream.New([]string{"http://127.0.0.1:1/v1"}, nil)})
	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", bytes.NewReader(chatBody(false)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}
