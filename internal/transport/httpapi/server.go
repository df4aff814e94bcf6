// Package httpapi is the JSON HTTP surface of the dream service.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"dreamhex.ai/internal/hex"
	"dreamhex.ai/internal/persistence/docstore"
	"dreamhex.ai/internal/pipeline"
	"dreamhex.ai/internal/protocol"
	"dreamhex.ai/internal/reasoning"
)

const maxBodyBytes = 1 << 20

// Dreams is the set of operations the handlers call.
type Dreams interface {
	Submit(ctx context.Context, userID, narrative string) (hex.World, error)
	List(ctx context.Context, userID string) ([]protocol.DreamSummary, error)
	Get(ctx context.Context, slug string) (hex.World, error)
	Delete(ctx context.Context, userID, slug string) error
	Reprocess(ctx context.Context, slug string) (hex.World, error)
	Interact(ctx context.Context, userID, slug, stationID, command string) (pipeline.InteractResult, error)
	Warmup(userID string)
}

type Options struct {
	Logger *log.Logger
	// Watch serves GET /api/dreams/{id}/watch when set.
	Watch http.Handler
	// Assets is mounted at /assets/ when set.
	Assets http.Handler
	// Metrics writes the Prometheus text body for /metrics when set.
	Metrics func(w io.Writer)
}

type Server struct {
	dreams Dreams
	opts   Options
}

func New(d Dreams, opts Options) *Server {
	return &Server{dreams: d, opts: opts}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	if s.opts.Metrics != nil {
		mux.HandleFunc("GET /metrics", func(rw http.ResponseWriter, r *http.Request) {
			rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
			s.opts.Metrics(rw)
		})
	}
	if s.opts.Assets != nil {
		mux.Handle("GET /assets/", http.StripPrefix("/assets/", s.opts.Assets))
	}
	if s.opts.Watch != nil {
		mux.Handle("GET /api/dreams/{id}/watch", s.opts.Watch)
	}

	mux.HandleFunc("POST /api/warmup", s.warmup)
	mux.HandleFunc("POST /api/dreams/report", s.report)
	mux.HandleFunc("GET /api/dreams/list", s.list)
	mux.HandleFunc("POST /api/dreams/interact", s.interact)
	mux.HandleFunc("POST /api/dreams/reprocess/{id}", s.reprocess)
	mux.HandleFunc("DELETE /api/dreams/{id}", s.remove)
	mux.HandleFunc("GET /api/dreams/{id}", s.get)

	return s.withRequestLog(withCORS(mux))
}

func (s *Server) warmup(rw http.ResponseWriter, r *http.Request) {
	var req protocol.WarmupRequest
	// The body is optional.
	_ = decodeBody(rw, r, &req)
	s.dreams.Warmup(req.UserID)
	writeJSON(rw, http.StatusOK, protocol.StatusResponse{Status: "warming"})
}

func (s *Server) report(rw http.ResponseWriter, r *http.Request) {
	var req protocol.ReportRequest
	if err := decodeBody(rw, r, &req); err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	w, err := s.dreams.Submit(r.Context(), req.UserID, req.ReportText)
	if err != nil {
		s.fail(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, w)
}

func (s *Server) list(rw http.ResponseWriter, r *http.Request) {
	out, err := s.dreams.List(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		s.fail(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, out)
}

func (s *Server) interact(rw http.ResponseWriter, r *http.Request) {
	var req protocol.InteractRequest
	if err := decodeBody(rw, r, &req); err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.DreamID) == "" || strings.TrimSpace(req.StationID) == "" {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "dream_id and station_id are required")
		return
	}
	res, err := s.dreams.Interact(r.Context(), req.UserID, req.DreamID, req.StationID, req.UserCommand)
	if err != nil {
		s.fail(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, protocol.InteractResponse{Station: res.Station, Unlock: res.Unlock})
}

func (s *Server) reprocess(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.dreams.Reprocess(r.Context(), id); err != nil {
		s.fail(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, protocol.StatusResponse{
		Status:  "requeued",
		Message: fmt.Sprintf("Dream %s reset and generation started.", id),
	})
}

func (s *Server) remove(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req protocol.DreamAction
	_ = decodeBody(rw, r, &req)
	if req.UserID == "" {
		req.UserID = r.URL.Query().Get("user_id")
	}
	if err := s.dreams.Delete(r.Context(), req.UserID, id); err != nil {
		s.fail(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, protocol.StatusResponse{
		Status:  "success",
		Message: fmt.Sprintf("Dream %s removed from user list.", id),
	})
}

func (s *Server) get(rw http.ResponseWriter, r *http.Request) {
	w, err := s.dreams.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, w)
}

// StatusFor maps a service error onto the wire status and code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return http.StatusNotFound, protocol.ErrWorldNotFound
	case errors.Is(err, pipeline.ErrStationNotFound):
		return http.StatusNotFound, protocol.ErrStationNotFound
	case errors.Is(err, pipeline.ErrStationEmpty):
		return http.StatusBadRequest, protocol.ErrStationEmpty
	case errors.Is(err, pipeline.ErrBadInput):
		return http.StatusBadRequest, protocol.ErrBadRequest
	case errors.Is(err, reasoning.ErrMalformed), errors.Is(err, reasoning.ErrUnavailable):
		return http.StatusBadGateway, protocol.ErrReasoning
	case errors.Is(err, pipeline.ErrQueueFull):
		return http.StatusServiceUnavailable, protocol.ErrUnavailable
	case errors.Is(err, docstore.ErrStaleGeneration):
		return http.StatusConflict, protocol.ErrStale
	case errors.Is(err, docstore.ErrSlugExhausted):
		return http.StatusConflict, protocol.ErrConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, protocol.ErrUnavailable
	default:
		return http.StatusInternalServerError, protocol.ErrInternal
	}
}

func (s *Server) fail(rw http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.printf("http internal error method=%s path=%s req=%s err=%v", r.Method, r.URL.Path, rw.Header().Get("X-Request-Id"), err)
		msg = "internal error"
	}
	writeError(rw, status, code, msg)
}

func decodeBody(rw http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return fmt.Errorf("bad json: %w", err)
	}
	return nil
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, code, msg string) {
	writeJSON(rw, status, protocol.ErrorBody{Code: code, Message: msg})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		h := rw.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-Id")
		if r.Method == http.MethodOptions {
			rw.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		rw.Header().Set("X-Request-Id", id)
		sw := &statusWriter{ResponseWriter: rw, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		s.printf("http method=%s path=%s status=%d dur=%s req=%s", r.Method, r.URL.Path, sw.status, time.Since(start).Round(time.Microsecond), id)
	})
}

func (s *Server) printf(format string, args ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Printf(format, args...)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the watch stream upgrade through the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
