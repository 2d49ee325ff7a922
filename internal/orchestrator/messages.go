package orchestrator

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crispinlab/cc-proxy/internal/apierr"
	"github.com/crispinlab/cc-proxy/internal/config"
	"github.com/crispinlab/cc-proxy/internal/history"
	"github.com/crispinlab/cc-proxy/internal/protocol"
	"github.com/crispinlab/cc-proxy/internal/router"
	"github.com/crispinlab/cc-proxy/internal/transform"
	"github.com/crispinlab/cc-proxy/internal/translate"
	"github.com/crispinlab/cc-proxy/internal/upstream"
)

const maxSSELineBytes = 1024 * 1024

func requestIDFrom(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}

	return uuid.New().String()
}

// ServeMessages implements POST /v1/messages: §4.5 steps 2-8. Step 1
// (shared-secret validation) already ran in the auth middleware wrapping
// this handler.
func (o *Orchestrator) ServeMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(r)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		o.writeError(w, apierr.Wrap(apierr.KindInvalidRequest, err, "reading request body"))
		return
	}

	var req protocol.ClaudeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		o.writeError(w, apierr.Wrap(apierr.KindInvalidRequest, err, "decoding request body"))
		return
	}

	if req.MaxTokens <= 0 {
		o.writeError(w, apierr.New(apierr.KindInvalidRequest, "max_tokens is required and must be positive"))
		return
	}

	rec := &protocol.HistoryRecord{
		RequestID:        requestID,
		Timestamp:        time.Now(),
		ClaimedModel:     req.Model,
		IsStreaming:      req.Stream,
		UserAgent:        r.Header.Get("User-Agent"),
		RequestLength:    len(body),
		TiktokenEstimate: estimateRequestTokens(&req),
		RequestJSON:      string(body),
	}

	if err := o.store.InsertPending(ctx, rec); err != nil {
		o.logger.Error("failed to insert pending history row", "request_id", requestID, "error", err)
	}

	sel, err := o.router.Select(req.Model)
	if err != nil {
		o.finalizeError(requestID, err)
		o.writeError(w, asAPIErr(err))

		return
	}

	cfg := o.config.Get()

	provider, ok := findProvider(cfg, sel.Provider)
	if !ok {
		apiErr := apierr.New(apierr.KindNoProvider, "provider %q is no longer configured", sel.Provider)
		o.finalizeError(requestID, apiErr)
		o.writeError(w, apiErr)

		return
	}

	transformers := o.pipeline.Select(sel.Provider, sel.ConcreteModel)

	if sel.Type == router.ProviderAnthropic {
		o.dispatchNative(ctx, w, requestID, body, &req, provider, transformers)
		return
	}

	o.dispatchOpenAI(ctx, w, requestID, &req, provider, sel, transformers, cfg)
}

// ServeCountTokens implements POST /v1/messages/count_tokens: the
// character-based heuristic from §9(i), applied to the same request shape
// /v1/messages accepts.
func (o *Orchestrator) ServeCountTokens(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		o.writeError(w, apierr.Wrap(apierr.KindInvalidRequest, err, "reading request body"))
		return
	}

	var req protocol.ClaudeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		o.writeError(w, apierr.Wrap(apierr.KindInvalidRequest, err, "decoding request body"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"input_tokens": estimateRequestTokens(&req)})
}

func estimateRequestTokens(req *protocol.ClaudeRequest) int {
	var systemText string
	if req.System != nil {
		systemText = flattenContent(*req.System)
	}

	messageTexts := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		messageTexts = append(messageTexts, flattenContent(m.Content))
	}

	return translate.EstimateRequestInputTokens(systemText, messageTexts)
}

// flattenContent joins every text-bearing part of a Claude content value
// (plain string or block list) for token estimation; image and tool blocks
// contribute no text.
func flattenContent(c protocol.Content) string {
	if c.Blocks == nil {
		return c.Text
	}

	var parts []string

	for _, b := range c.Blocks {
		switch b.Type {
		case protocol.BlockText:
			if b.Text != nil {
				parts = append(parts, b.Text.Text)
			}
		case protocol.BlockThinking:
			if b.Thinking != nil {
				parts = append(parts, b.Thinking.Thinking)
			}
		}
	}

	return strings.Join(parts, " ")
}

// dispatchNative forwards the inbound body byte-identical to a native
// Anthropic upstream (E5), skipping request translation and the
// request_in/request_out hooks entirely since both operate on types that
// only apply to the OpenAI-compatible path.
func (o *Orchestrator) dispatchNative(ctx context.Context, w http.ResponseWriter, requestID string, body []byte, req *protocol.ClaudeRequest, provider config.Provider, transformers []transform.Transformer) {
	o.queueTranslated(requestID, provider.Name, provider.Name, "")

	start := time.Now()
	resp, err := o.anthropic.Send(ctx, provider.BaseURL, provider.ResolvedAPIKey(), body)
	o.observeUpstream(provider.Name, err, time.Since(start))

	if err != nil {
		o.finalizeError(requestID, err)
		o.writeError(w, asAPIErr(err))

		return
	}

	if req.Stream {
		o.streamNative(w, requestID, req.Model, resp, transformers)
		return
	}

	o.respondNative(w, requestID, req.Model, resp, transformers)
}

func (o *Orchestrator) dispatchOpenAI(ctx context.Context, w http.ResponseWriter, requestID string, req *protocol.ClaudeRequest, provider config.Provider, sel router.Selection, transformers []transform.Transformer, cfg *config.Config) {
	limits := translate.Limits{MaxTokens: cfg.Config.MaxTokensLimit, MinTokens: cfg.Config.MinTokensLimit}

	claudeReq, err := transform.RequestIn(transformers, req)
	if err != nil {
		apiErr := apierr.Wrap(apierr.KindInternal, err, "request_in transformer failed")
		o.finalizeError(requestID, apiErr)
		o.writeError(w, apiErr)

		return
	}

	oaReq := translate.ToOpenAI(claudeReq, limits)
	oaReq.Model = sel.ConcreteModel

	oaReq, err = transform.RequestOut(transformers, oaReq)
	if err != nil {
		apiErr := apierr.Wrap(apierr.KindInternal, err, "request_out transformer failed")
		o.finalizeError(requestID, apiErr)
		o.writeError(w, apiErr)

		return
	}

	oaBody, err := json.Marshal(oaReq)
	if err != nil {
		apiErr := apierr.Wrap(apierr.KindInternal, err, "encoding translated request")
		o.finalizeError(requestID, apiErr)
		o.writeError(w, apiErr)

		return
	}

	o.queueTranslated(requestID, sel.ConcreteModel, sel.Provider, string(oaBody))

	start := time.Now()
	resp, err := o.openai.Send(ctx, provider.BaseURL, provider.ResolvedAPIKey(), oaBody)
	o.observeUpstream(sel.Provider, err, time.Since(start))

	if err != nil {
		o.finalizeError(requestID, err)
		o.writeError(w, asAPIErr(err))

		return
	}

	if oaReq.Stream {
		o.streamOpenAI(w, requestID, req.Model, resp, transformers)
		return
	}

	o.respondOpenAI(w, requestID, req.Model, estimateRequestTokens(req), resp, transformers)
}

func (o *Orchestrator) queueTranslated(requestID, concreteModel, provider, openAIRequestJSON string) {
	o.writer.enqueue(func(ctx context.Context, store *history.Store) error {
		return store.UpdateTranslated(ctx, requestID, concreteModel, provider, openAIRequestJSON)
	})
}

func (o *Orchestrator) observeUpstream(provider string, err error, dur time.Duration) {
	if o.metrics == nil {
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	o.metrics.ObserveUpstream(provider, outcome, dur)
}

// respondOpenAI handles a buffered (non-streaming) OpenAI-compatible
// response: response_in, translate to Claude, response_out, record,
// return. estimatedInputTokens backfills Usage.InputTokens when the
// upstream response carries no usage block of its own.
func (o *Orchestrator) respondOpenAI(w http.ResponseWriter, requestID, requestedModel string, estimatedInputTokens int, resp *http.Response, transformers []transform.Transformer) {
	defer resp.Body.Close()

	raw, err := readBody(resp)
	if err != nil {
		apiErr := apierr.Wrap(apierr.KindUpstreamTransport, err, "reading upstream response")
		o.finalizeError(requestID, apiErr)
		o.writeError(w, apiErr)

		return
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := upstreamStatusError(resp.StatusCode, raw)
		o.finalizeError(requestID, apiErr)
		o.writeError(w, apiErr)

		return
	}

	var oaResp protocol.OAResponse
	if err := json.Unmarshal(raw, &oaResp); err != nil {
		apiErr := apierr.Wrap(apierr.KindUpstreamProtocol, err, "decoding upstream response")
		o.finalizeError(requestID, apiErr)
		o.writeError(w, apiErr)

		return
	}

	transformedOA, err := transform.ResponseIn(transformers, &oaResp)
	if err != nil {
		apiErr := apierr.Wrap(apierr.KindInternal, err, "response_in transformer failed")
		o.finalizeError(requestID, apiErr)
		o.writeError(w, apiErr)

		return
	}

	claudeResp := translate.ToClaude(transformedOA, requestedModel, estimatedInputTokens)

	for _, b := range claudeResp.Content {
		if b.ToolUse == nil {
			continue
		}

		if input, ok := b.ToolUse.Input.(map[string]any); ok {
			if _, raw := input["_raw"]; raw {
				o.logger.Warn("tool call arguments are not valid JSON", "request_id", requestID, "tool", b.ToolUse.Name)
			}
		}
	}

	claudeResp, err = transform.ResponseOut(transformers, claudeResp)
	if err != nil {
		apiErr := apierr.Wrap(apierr.KindInternal, err, "response_out transformer failed")
		o.finalizeError(requestID, apiErr)
		o.writeError(w, apiErr)

		return
	}

	respBody, err := json.Marshal(claudeResp)
	if err != nil {
		apiErr := apierr.Wrap(apierr.KindInternal, err, "encoding response")
		o.finalizeError(requestID, apiErr)
		o.writeError(w, apiErr)

		return
	}

	o.writer.enqueue(func(ctx context.Context, store *history.Store) error {
		return store.UpdateTerminal(ctx, requestID, history.Terminal{
			Status:       protocol.StatusCompleted,
			ResponseJSON: string(respBody),
			StopReason:   claudeResp.StopReason,
			InputTokens:  claudeResp.Usage.InputTokens,
			OutputTokens: claudeResp.Usage.OutputTokens,
		})
	})

	writeJSONBytes(w, http.StatusOK, respBody)
}

// respondNative handles a buffered native-Anthropic response. Unlike the
// OpenAI path there is no protocol translation, but response_out still
// runs (E5: "propagated unchanged except through response_out") before the
// body reaches the client.
func (o *Orchestrator) respondNative(w http.ResponseWriter, requestID, requestedModel string, resp *http.Response, transformers []transform.Transformer) {
	defer resp.Body.Close()

	raw, err := readBody(resp)
	if err != nil {
		apiErr := apierr.Wrap(apierr.KindUpstreamTransport, err, "reading upstream response")
		o.finalizeError(requestID, apiErr)
		o.writeError(w, apiErr)

		return
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := upstreamStatusError(resp.StatusCode, raw)
		o.finalizeError(requestID, apiErr)
		o.writeError(w, apiErr)

		return
	}

	var claudeResp protocol.ClaudeResponse
	if err := json.Unmarshal(raw, &claudeResp); err != nil {
		apiErr := apierr.Wrap(apierr.KindUpstreamProtocol, err, "decoding upstream response")
		o.finalizeError(requestID, apiErr)
		o.writeError(w, apiErr)

		return
	}

	transformed, err := transform.ResponseOut(transformers, &claudeResp)
	if err != nil {
		apiErr := apierr.Wrap(apierr.KindInternal, err, "response_out transformer failed")
		o.finalizeError(requestID, apiErr)
		o.writeError(w, apiErr)

		return
	}

	respBody, err := json.Marshal(transformed)
	if err != nil {
		apiErr := apierr.Wrap(apierr.KindInternal, err, "encoding response")
		o.finalizeError(requestID, apiErr)
		o.writeError(w, apiErr)

		return
	}

	o.writer.enqueue(func(ctx context.Context, store *history.Store) error {
		return store.UpdateTerminal(ctx, requestID, history.Terminal{
			Status:       protocol.StatusCompleted,
			ResponseJSON: string(respBody),
			StopReason:   transformed.StopReason,
			InputTokens:  transformed.Usage.InputTokens,
			OutputTokens: transformed.Usage.OutputTokens,
		})
	})

	writeJSONBytes(w, http.StatusOK, respBody)
}

// streamOpenAI runs the §4.2.3 state machine over an OpenAI-compatible SSE
// stream, forwarding each produced Claude event to the client as it is
// produced and assembling the final message for the history row.
func (o *Orchestrator) streamOpenAI(w http.ResponseWriter, requestID, requestedModel string, resp *http.Response, transformers []transform.Transformer) {
	setSSEHeaders(w)

	flusher, _ := w.(http.Flusher)

	state := translate.NewStreamState()

	reader, err := upstream.DecompressReader(resp)
	if err != nil {
		o.abortStream(w, flusher, requestID, state, "decompressing upstream stream: "+err.Error())
		o.finalizeStream(requestID, resp.Body, history.Terminal{Status: protocol.StatusError, Error: err.Error()})

		return
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk protocol.OAResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		transformedChunk, err := transform.ResponseIn(transformers, &chunk)
		if err != nil {
			o.abortStream(w, flusher, requestID, state, "response_in transformer failed: "+err.Error())
			o.finalizeStream(requestID, resp.Body, history.Terminal{Status: protocol.StatusPartial, Error: err.Error()})

			return
		}

		writeSSE(w, flusher, state.ProcessChunk(transformedChunk))

		if state.Done() {
			break
		}
	}

	if err := scanner.Err(); err != nil && !state.Done() {
		o.abortStream(w, flusher, requestID, state, "reading upstream stream: "+err.Error())
	} else if !state.Done() {
		o.abortStream(w, flusher, requestID, state, "upstream stream ended before a finish reason was received")
	}

	assembled := state.Assemble()
	if assembled.Model == "" {
		assembled.Model = requestedModel
	}

	o.finishStream(requestID, assembled, transformers, resp.Body)
}

// streamNative forwards a native-Anthropic SSE stream to the client mostly
// byte-for-byte, decoding just enough to run response_out and assemble the
// terminal history row; per E5 the client-facing bytes are not re-encoded.
func (o *Orchestrator) streamNative(w http.ResponseWriter, requestID, requestedModel string, resp *http.Response, transformers []transform.Transformer) {
	setSSEHeaders(w)

	flusher, _ := w.(http.Flusher)

	reader, err := upstream.DecompressReader(resp)
	if err != nil {
		o.abortStream(w, flusher, requestID, translate.NewStreamState(), "decompressing upstream stream: "+err.Error())
		o.finalizeStream(requestID, resp.Body, history.Terminal{Status: protocol.StatusError, Error: err.Error()})

		return
	}

	assembled := &protocol.ClaudeResponse{Type: "message", Role: protocol.RoleAssistant, Model: requestedModel}

	var text strings.Builder

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)

	for scanner.Scan() {
		line := scanner.Text()

		if _, err := w.Write([]byte(line + "\n")); err == nil && flusher != nil {
			flusher.Flush()
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		var event map[string]any
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event["type"] {
		case "message_start":
			if msg, ok := event["message"].(map[string]any); ok {
				if id, ok := msg["id"].(string); ok {
					assembled.ID = id
				}
				if model, ok := msg["model"].(string); ok {
					assembled.Model = model
				}
				if usage, ok := msg["usage"].(map[string]any); ok {
					if v, ok := usage["input_tokens"].(float64); ok {
						assembled.Usage.InputTokens = int(v)
					}
				}
			}
		case "content_block_delta":
			if delta, ok := event["delta"].(map[string]any); ok {
				if s, ok := delta["text"].(string); ok {
					text.WriteString(s)
				}
			}
		case "message_delta":
			if delta, ok := event["delta"].(map[string]any); ok {
				if reason, ok := delta["stop_reason"].(string); ok {
					assembled.StopReason = reason
				}
			}
			if usage, ok := event["usage"].(map[string]any); ok {
				if v, ok := usage["output_tokens"].(float64); ok {
					assembled.Usage.OutputTokens = int(v)
				}
			}
		}
	}

	if text.Len() > 0 {
		assembled.Content = []protocol.Block{{Type: protocol.BlockText, Text: &protocol.TextBlock{Text: text.String()}}}
	}

	if assembled.StopReason == "" {
		assembled.StopReason = protocol.StopError
	}

	o.finishStream(requestID, assembled, transformers, resp.Body)
}

// finishStream runs response_out on the already-assembled message for the
// history record, then queues the terminal write. The client-facing bytes
// were already written by the caller and are never re-encoded here.
func (o *Orchestrator) finishStream(requestID string, assembled *protocol.ClaudeResponse, transformers []transform.Transformer, body io.ReadCloser) {
	assembled, err := transform.ResponseOut(transformers, assembled)
	if err != nil {
		o.logger.Error("response_out transformer failed on stream assembly", "request_id", requestID, "error", err)
	}

	respJSON, err := json.Marshal(assembled)
	if err != nil {
		o.logger.Error("encoding assembled stream response", "request_id", requestID, "error", err)
	}

	term := history.Terminal{
		Status:       protocol.StatusCompleted,
		ResponseJSON: string(respJSON),
		StopReason:   assembled.StopReason,
		InputTokens:  assembled.Usage.InputTokens,
		OutputTokens: assembled.Usage.OutputTokens,
	}

	// A stream that ended in stop_reason=error already sent a message_stop
	// to the client carrying that reason; the history row must record the
	// same outcome rather than being reported as a clean completion.
	if assembled.StopReason == protocol.StopError {
		term.Status = protocol.StatusPartial
		term.Error = "stream ended with stop_reason=error"
	}

	o.finalizeStream(requestID, body, term)
}

// abortStream emits an SSE error event on the caller's in-flight state,
// closing whatever content blocks it already opened, and logs the cause.
// state must be the same *translate.StreamState the caller has been
// feeding chunks to, so Abort can close the blocks it actually holds open.
func (o *Orchestrator) abortStream(w http.ResponseWriter, flusher http.Flusher, requestID string, state *translate.StreamState, message string) {
	o.logger.Error("aborting stream", "request_id", requestID, "error", message)

	writeSSE(w, flusher, state.Abort(message))
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, events []byte) {
	if len(events) == 0 {
		return
	}

	if _, err := w.Write(events); err != nil {
		return
	}

	if flusher != nil {
		flusher.Flush()
	}
}

func readBody(resp *http.Response) ([]byte, error) {
	reader, err := upstream.DecompressReader(resp)
	if err != nil {
		return nil, err
	}

	if gz, ok := reader.(*gzip.Reader); ok {
		defer gz.Close()
	}

	return io.ReadAll(reader)
}

// upstreamStatusError maps a non-2xx upstream response to the error
// taxonomy's UpstreamProtocol kind, carrying along whatever message the
// upstream's own error body names.
func upstreamStatusError(status int, body []byte) *apierr.Error {
	var oaErr struct {
		Error protocol.OAError `json:"error"`
	}

	if err := json.Unmarshal(body, &oaErr); err == nil && oaErr.Error.Message != "" {
		return apierr.New(apierr.KindUpstreamProtocol, "upstream returned %d: %s", status, oaErr.Error.Message)
	}

	return apierr.New(apierr.KindUpstreamProtocol, "upstream returned %d", status)
}

func (o *Orchestrator) writeError(w http.ResponseWriter, err *apierr.Error) {
	writeJSON(w, err.HTTPStatus(), err.Body())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSONBytes(w, status, body)
}

func writeJSONBytes(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
