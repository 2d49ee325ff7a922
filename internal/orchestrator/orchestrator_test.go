package orchestrator

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crispinlab/cc-proxy/internal/config"
	"github.com/crispinlab/cc-proxy/internal/history"
)

type noopMetrics struct{}

func (noopMetrics) ObserveUpstream(provider, outcome string, dur time.Duration) {}
func (noopMetrics) SetHistoryQueueDepth(n int)                                  {}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, cfg *config.Config) (*Orchestrator, *history.Store) {
	t.Helper()

	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mgr := config.NewManager(t.TempDir())
	require.NoError(t, mgr.Save(cfg))
	_, err = mgr.Load()
	require.NoError(t, err)

	o, err := New(mgr, store, discardLogger(), noopMetrics{})
	require.NoError(t, err)
	t.Cleanup(o.Close)

	return o, store
}

func baseConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Config: config.Section{
			MaxTokensLimit: 8192,
			MinTokensLimit: 1,
			MaxRetries:     0,
			Tiers: config.TierDefaults{
				Small: "test-provider:gpt-4o-mini",
			},
		},
		Providers: []config.Provider{
			{
				Name:         "test-provider",
				BaseURL:      upstreamURL,
				APIKey:       "sk-test",
				ProviderType: config.ProviderTypeOpenAI,
				SmallModels:  []string{"gpt-4o-mini"},
			},
		},
	}
}

func TestServeCountTokens_EstimatesTokens(t *testing.T) {
	o, _ := newTestOrchestrator(t, baseConfig("http://unused"))

	reqBody := `{"model":"claude-3-5-haiku-20241022","max_tokens":64,"messages":[{"role":"user","content":"Say hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()

	o.ServeCountTokens(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var out map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.GreaterOrEqual(t, out["input_tokens"], 1)
}

func TestServeMessages_NonStreamingOpenAI(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o-mini",
			"choices": [{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 3, "total_tokens": 13}
		}`))
	}))
	defer upstream.Close()

	o, store := newTestOrchestrator(t, baseConfig(upstream.URL))

	reqBody := `{"model":"claude-3-5-haiku-20241022","max_tokens":64,"messages":[{"role":"user","content":"Say hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()

	o.ServeMessages(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "end_turn", out["stop_reason"])

	// the terminal history write is queued onto the async writer, so it may
	// land a moment after the response is already on the wire.
	require.Eventually(t, func() bool {
		records, err := store.List(req.Context(), history.ListFilter{})
		return err == nil && len(records) == 1 && records[0].Status == "completed"
	}, time.Second, 5*time.Millisecond)

	records, err := store.List(req.Context(), history.ListFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "test-provider", records[0].Provider)
}

func TestServeMessages_StreamingOpenAI_CompletesSuccessfully(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		flusher := w.(http.Flusher)
		chunks := []string{
			`{"id":"chatcmpl-1","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","content":"hi"},"finish_reason":null}]}`,
			`{"id":"chatcmpl-1","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":" there"},"finish_reason":null}]}`,
			`{"id":"chatcmpl-1","model":"gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		}
		for _, c := range chunks {
			w.Write([]byte("data: " + c + "\n\n"))
			flusher.Flush()
		}
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer upstream.Close()

	o, store := newTestOrchestrator(t, baseConfig(upstream.URL))

	reqBody := `{"model":"claude-3-5-haiku-20241022","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"Say hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()

	o.ServeMessages(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "event: message_start")
	assert.Contains(t, body, "event: content_block_delta")
	assert.Contains(t, body, "event: message_stop")
	assert.NotContains(t, body, "event: error")

	require.Eventually(t, func() bool {
		records, err := store.List(req.Context(), history.ListFilter{})
		return err == nil && len(records) == 1 && records[0].Status == "completed"
	}, time.Second, 5*time.Millisecond)

	records, err := store.List(req.Context(), history.ListFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "end_turn", records[0].StopReason)
}

func TestServeMessages_StreamingOpenAI_AbortsOnTruncatedStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		flusher := w.(http.Flusher)
		w.Write([]byte(`data: {"id":"chatcmpl-1","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","content":"hi"},"finish_reason":null}]}` + "\n\n"))
		flusher.Flush()
		// Connection drops before a finish_reason or [DONE] is ever sent.
	}))
	defer upstream.Close()

	o, store := newTestOrchestrator(t, baseConfig(upstream.URL))

	reqBody := `{"model":"claude-3-5-haiku-20241022","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"Say hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()

	o.ServeMessages(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "event: content_block_start")
	assert.Contains(t, body, "event: error")
	assert.Contains(t, body, "event: content_block_stop")
	assert.Contains(t, body, "event: message_stop")

	require.Eventually(t, func() bool {
		records, err := store.List(req.Context(), history.ListFilter{})
		return err == nil && len(records) == 1 && records[0].Status == "partial"
	}, time.Second, 5*time.Millisecond)

	records, err := store.List(req.Context(), history.ListFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "error", records[0].StopReason)
	assert.NotEmpty(t, records[0].Error)
}

func TestServeMessages_UnknownModelReturnsNotFound(t *testing.T) {
	o, _ := newTestOrchestrator(t, baseConfig("http://unused"))

	reqBody := `{"model":"claude-3-opus-20240229","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()

	o.ServeMessages(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeMessages_MissingMaxTokensReturnsBadRequest(t *testing.T) {
	o, _ := newTestOrchestrator(t, baseConfig("http://unused"))

	reqBody := `{"model":"claude-3-5-haiku-20241022","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()

	o.ServeMessages(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHealth_ReportsConfiguredState(t *testing.T) {
	o, _ := newTestOrchestrator(t, baseConfig("http://unused"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	o.ServeHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, true, out["openai_api_configured"])
	assert.Equal(t, true, out["api_key_valid"])
}

func TestServeConfigUpdate_PersistsSelection(t *testing.T) {
	o, store := newTestOrchestrator(t, baseConfig("http://unused"))

	body := `{"SMALL_MODEL":"test-provider:gpt-4o-mini"}`
	req := httptest.NewRequest(http.MethodPost, "/api/config/update", strings.NewReader(body))
	rec := httptest.NewRecorder()

	o.ServeConfigUpdate(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	selections, err := store.LoadSelections(req.Context())
	require.NoError(t, err)
	assert.Equal(t, "test-provider:gpt-4o-mini", selections["SMALL_MODEL"])
}

func TestServeConfigUpdate_RejectsUnknownModel(t *testing.T) {
	o, _ := newTestOrchestrator(t, baseConfig("http://unused"))

	body := `{"SMALL_MODEL":"test-provider:does-not-exist"}`
	req := httptest.NewRequest(http.MethodPost, "/api/config/update", strings.NewReader(body))
	rec := httptest.NewRecorder()

	o.ServeConfigUpdate(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
