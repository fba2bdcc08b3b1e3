// Package runtimeclient drives a remote code-execution runtime over its
// streaming HTTP API: POST a snippet of code, receive a server-sent
// event stream of stdout/stderr/display/result events, and forward the
// runtime's requests for stdin back to it.
package runtimeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// Client executes code against runtime HTTP endpoints and tracks
// in-flight requests so they can be cancelled by execution id.
type Client struct {
	http *http.Client
	log  *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func New(log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		http:   &http.Client{},
		log:    log,
		active: make(map[string]context.CancelFunc),
	}
}

type executeRequestBody struct {
	Code         string `json:"code"`
	Session      string `json:"session"`
	StoreHistory bool   `json:"storeHistory"`
}

// Execute POSTs code to runtimeUrl's streaming endpoint and drives
// opts.Callbacks as the response's SSE stream is parsed. It blocks
// until the stream ends, the request is cancelled via Cancel, or ctx is
// done, and returns the final result.
func (c *Client) Execute(ctx context.Context, runtimeUrl, code string, opts ExecuteOptions) (Result, error) {
	session := opts.Session
	if session == "" {
		session = "default"
	}
	cb := opts.Callbacks
	correlationId := uuid.NewString()
	log := c.log.With("execId", opts.ExecId, "requestId", correlationId)

	execCtx, cancel := context.WithCancel(ctx)
	if opts.ExecId != "" {
		c.register(opts.ExecId, cancel)
		defer c.unregister(opts.ExecId)
	}
	defer cancel()

	body, err := json.Marshal(executeRequestBody{Code: code, Session: session, StoreHistory: true})
	if err != nil {
		return Result{}, fmt.Errorf("marshal execute request: %w", err)
	}

	req, err := http.NewRequestWithContext(execCtx, http.MethodPost, runtimeUrl+"/execute/stream", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if execCtx.Err() != nil {
			log.Debug("execute aborted before response")
			return abortedResult(), nil
		}
		connErr := Error{Type: "ConnectionError", Message: err.Error()}
		if cb.OnError != nil {
			cb.OnError(connErr)
		}
		return Result{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("runtime returned %d: %s", resp.StatusCode, string(msg))
	}

	if cb.OnStart != nil {
		cb.OnStart()
	}

	result, err := c.consumeStream(execCtx, resp.Body, cb, log)
	if err != nil {
		if execCtx.Err() != nil {
			log.Debug("execute aborted mid-stream")
			return abortedResult(), nil
		}
		connErr := Error{Type: "ConnectionError", Message: err.Error()}
		if cb.OnError != nil {
			cb.OnError(connErr)
		}
		return Result{}, fmt.Errorf("read execute stream: %w", err)
	}

	if cb.OnDone != nil {
		cb.OnDone()
	}
	return result, nil
}

func abortedResult() Result {
	return Result{Success: false, Raw: map[string]any{
		"error": map[string]any{"type": "Aborted", "message": "Execution cancelled"},
	}}
}

// consumeStream reads body in raw chunks, feeds them to an sseScanner,
// and dispatches decoded events to callbacks until the body is
// exhausted or ctx is cancelled.
func (c *Client) consumeStream(ctx context.Context, body io.Reader, cb Callbacks, log *slog.Logger) (Result, error) {
	scanner := newSSEScanner()
	var stdoutAcc, stderrAcc string
	var final Result

	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return final, ctx.Err()
		}
		n, err := body.Read(buf)
		if n > 0 {
			for _, ev := range scanner.feed(string(buf[:n])) {
				c.dispatch(ev, cb, log, &stdoutAcc, &stderrAcc, &final)
			}
		}
		if err == io.EOF {
			return final, nil
		}
		if err != nil {
			return final, err
		}
	}
}

func (c *Client) dispatch(ev sseEvent, cb Callbacks, log *slog.Logger, stdoutAcc, stderrAcc *string, final *Result) {
	switch ev.name {
	case "stdout":
		var payload struct {
			Content string `json:"content"`
		}
		if !decode(ev.data, &payload, log) {
			return
		}
		*stdoutAcc += payload.Content
		if cb.OnStdout != nil {
			cb.OnStdout(payload.Content, *stdoutAcc)
		}
	case "stderr":
		var payload struct {
			Content string `json:"content"`
		}
		if !decode(ev.data, &payload, log) {
			return
		}
		*stderrAcc += payload.Content
		if cb.OnStderr != nil {
			cb.OnStderr(payload.Content, *stderrAcc)
		}
	case "stdin_request":
		var req StdinRequest
		if !decode(ev.data, &req, log) {
			return
		}
		if cb.OnStdinRequest != nil {
			cb.OnStdinRequest(req)
		}
	case "display":
		var d Display
		if !decode(ev.data, &d, log) {
			return
		}
		if cb.OnDisplay != nil {
			cb.OnDisplay(d)
		}
	case "asset":
		var a assetPayload
		if !decode(ev.data, &a, log) {
			return
		}
		// The protocol doesn't carry a mime type for assets; this is a
		// placeholder for callers that branch on Display.MimeType.
		d := Display{MimeType: "application/octet-stream", AssetId: a.Path, URL: a.URL}
		if cb.OnDisplay != nil {
			cb.OnDisplay(d)
		}
	case "result":
		var raw map[string]any
		if !decode(ev.data, &raw, log) {
			return
		}
		success, _ := raw["success"].(bool)
		*final = Result{Success: success, Raw: raw}
		if cb.OnResult != nil {
			cb.OnResult(*final)
		}
	case "error":
		var e Error
		if !decode(ev.data, &e, log) {
			return
		}
		if cb.OnError != nil {
			cb.OnError(e)
		}
	case "done":
		// Terminal marker; the result/error branch already fired and the
		// read loop's own EOF handling drives OnDone.
	default:
		log.Warn("unrecognized SSE event", "event", ev.name)
	}
}

func decode(data string, v any, log *slog.Logger) bool {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		log.Warn("unparseable SSE data line", "error", err, "data", data)
		return false
	}
	return true
}

func (c *Client) register(execId string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[execId] = cancel
}

func (c *Client) unregister(execId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, execId)
}

// Cancel aborts the in-flight execution registered under execId, if
// any. Execute's goroutine returns an aborted result rather than
// invoking OnError.
func (c *Client) Cancel(execId string) {
	c.mu.Lock()
	cancel, ok := c.active[execId]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// CancelAll aborts every currently active execution.
func (c *Client) CancelAll() {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.active))
	for _, cancel := range c.active {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (c *Client) IsActive(execId string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[execId]
	return ok
}

func (c *Client) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// SendInput POSTs a stdin response to the runtime's /input endpoint.
func (c *Client) SendInput(ctx context.Context, runtimeUrl, session, execId, text string) (map[string]any, error) {
	return c.postJSON(ctx, runtimeUrl+"/input", map[string]any{
		"session": session,
		"exec_id": execId,
		"text":    text,
	})
}

// Interrupt POSTs to the runtime's /interrupt endpoint.
func (c *Client) Interrupt(ctx context.Context, runtimeUrl, session string) (map[string]any, error) {
	return c.postJSON(ctx, runtimeUrl+"/interrupt", map[string]any{"session": session})
}

func (c *Client) postJSON(ctx context.Context, url string, payload any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, string(raw))
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return decoded, nil
}
