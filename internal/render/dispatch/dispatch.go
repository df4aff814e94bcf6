// Package dispatch carries generation jobs between the API process and the
// worker process that owns the model.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"dreamhex.ai/internal/protocol"
	"dreamhex.ai/internal/render"
)

const (
	PathGenerate = "/v1/generate"
	PathWake     = "/v1/wake"
	PathHealth   = "/healthz"
)

func EncodeJob(j render.Job) protocol.GenerateRequest {
	req := protocol.GenerateRequest{
		PromptA:    j.PromptA,
		Type:       string(j.Kind),
		Frames:     j.Frames,
		PathPrefix: j.PathPrefix,
	}
	if strings.TrimSpace(j.PromptB) != "" {
		b := j.PromptB
		req.PromptB = &b
	}
	return req
}

func DecodeJob(req protocol.GenerateRequest) render.Job {
	j := render.Job{
		PromptA:    req.PromptA,
		Kind:       render.Kind(req.Type),
		Frames:     req.Frames,
		PathPrefix: req.PathPrefix,
	}
	if req.PromptB != nil {
		j.PromptB = *req.PromptB
	}
	return j
}

// Client is the API-side Dispatcher.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("worker url is required")
	}
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Client{base: base, http: &http.Client{Timeout: timeout}}, nil
}

func (c *Client) GenerateFrames(ctx context.Context, job render.Job) ([]string, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	var out protocol.GenerateResponse
	if err := c.post(ctx, PathGenerate, EncodeJob(job), &out); err != nil {
		return nil, err
	}
	if out.Frames == nil {
		out.Frames = []string{}
	}
	return out.Frames, nil
}

func (c *Client) Wake(ctx context.Context) error {
	return c.post(ctx, PathWake, struct{}{}, nil)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("worker %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb protocol.ErrorBody
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		if json.Unmarshal(b, &eb) == nil && eb.Code != "" {
			return fmt.Errorf("worker %s status=%d code=%s: %s", path, resp.StatusCode, eb.Code, eb.Message)
		}
		return fmt.Errorf("worker %s status=%d: %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("worker %s: decode: %w", path, err)
	}
	return nil
}

// Painter is what the worker handler drives.
type Painter interface {
	render.Dispatcher
	Stats() render.Stats
}

// NewHandler exposes a Painter over HTTP.
func NewHandler(p Painter, logger *log.Logger) http.Handler {
	h := &handler{p: p, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc(PathGenerate, h.generate)
	mux.HandleFunc(PathWake, h.wake)
	mux.HandleFunc(PathHealth, h.health)
	return mux
}

type handler struct {
	p      Painter
	logger *log.Logger
}

func (h *handler) generate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, protocol.ErrBadRequest, "method not allowed")
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrBadRequest, "read body")
		return
	}
	if err := protocol.Validate(protocol.SchemaGenerate, raw); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	var req protocol.GenerateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	job := DecodeJob(req)
	start := time.Now()
	frames, err := h.p.GenerateFrames(r.Context(), job)
	if err != nil {
		h.printf("generate failed prefix=%s kind=%s err=%v", job.PathPrefix, job.Kind, err)
		writeError(w, http.StatusInternalServerError, protocol.ErrInternal, err.Error())
		return
	}
	h.printf("generate ok prefix=%s kind=%s frames=%d dur=%s", job.PathPrefix, job.Kind, len(frames), time.Since(start).Round(time.Millisecond))
	writeJSON(w, http.StatusOK, protocol.GenerateResponse{Frames: frames})
}

func (h *handler) wake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, protocol.ErrBadRequest, "method not allowed")
		return
	}
	if err := h.p.Wake(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, protocol.ErrUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, protocol.StatusResponse{Status: "awake"})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	st := h.p.Stats()
	status := http.StatusOK
	if !st.Available {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"available": st.Available,
		"jobs":      st.Jobs,
		"frames":    st.Frames,
	})
}

func (h *handler) printf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, protocol.ErrorBody{Code: code, Message: msg})
}
