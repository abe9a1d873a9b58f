package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/strandlabs/strand/internal/agent"
	"github.com/strandlabs/strand/internal/compaction"
	"github.com/strandlabs/strand/internal/frames"
	"github.com/strandlabs/strand/internal/hooks"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/pkg/models"
)

// Config wires the server's collaborators.
type Config struct {
	Addr string

	Store     frames.Store
	Loop      *agent.Loop
	Compactor *compaction.Manager

	// Agent answers every turn. Multi-agent routing sits above this
	// server; one gateway serves one agent.
	Agent *models.Agent

	// Hooks receives session lifecycle events. May be nil.
	Hooks *hooks.Registry

	Logger  *observability.Logger
	Metrics *observability.Metrics

	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Server exposes the runtime over HTTP: SSE turns, frame queries, and
// compaction commands.
type Server struct {
	config  Config
	logger  *observability.Logger
	metrics *observability.Metrics

	httpServer *http.Server
	listener   net.Listener
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Loop == nil {
		return nil, errors.New("gateway: store and loop are required")
	}
	if cfg.Agent == nil {
		return nil, errors.New("gateway: agent is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8420"
	}

	return &Server{
		config:  cfg,
		logger:  cfg.Logger.WithFields("component", "gateway"),
		metrics: cfg.Metrics,
	}, nil
}

// Handler builds the route table. Split out from Start for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/sessions/{sessionID}/turns", s.handleTurn)
	mux.HandleFunc("GET /v1/sessions/{sessionID}/frames", s.handleRange)
	mux.HandleFunc("GET /v1/frames/{frameID}", s.handleGetFrame)
	mux.HandleFunc("GET /v1/targets/{targetID}/frames", s.handleByTarget)
	mux.HandleFunc("GET /v1/search", s.handleSearch)
	mux.HandleFunc("POST /v1/sessions/{sessionID}/compact", s.handleCompact)
	mux.HandleFunc("DELETE /v1/sessions/{sessionID}", s.handleDeleteSession)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	metricsHandler := promhttp.Handler()
	if s.config.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})
	}
	mux.Handle("GET /metrics", metricsHandler)

	return s.instrument(mux)
}

// Start serves until ctx is cancelled. Only ReadHeaderTimeout is set:
// write and idle timeouts would kill turns that legitimately spend
// minutes inside a model call.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info(ctx, "gateway listening", "addr", listener.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Addr reports the bound listen address once Start has run.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

type turnRequest struct {
	Text    string `json:"text"`
	OwnerID string `json:"owner_id"`
}

// handleTurn runs one turn and streams its events. The protocol per turn:
// message_start, then text/element events from the loop, then exactly one
// of message_complete or error.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.OwnerID == "" {
		req.OwnerID = ownerID(r)
	}
	if req.OwnerID == "" {
		s.writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	if err := s.config.Store.RegisterSession(r.Context(), sessionID, req.OwnerID); err != nil {
		s.writeError(w, http.StatusForbidden, "session belongs to another owner")
		return
	}

	stream, err := NewStreamWriter(w, r, s.logger, s.metrics)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer stream.Close()

	stream.Emit(&models.StreamEvent{
		Type: models.StreamMessageStart,
		Data: models.Document{"session_id": sessionID},
	})

	frame, err := s.config.Loop.Run(stream.Context(), agent.Turn{
		SessionID: sessionID,
		OwnerID:   req.OwnerID,
		Agent:     s.config.Agent,
		UserText:  req.Text,
	}, stream)

	if err != nil {
		data := models.Document{"error": err.Error()}
		if frame != nil {
			data["frame_id"] = frame.ID
		}
		stream.Emit(&models.StreamEvent{Type: models.StreamError, Data: data})
		return
	}

	stream.Emit(&models.StreamEvent{
		Type: models.StreamMessageComplete,
		Data: models.Document{"frame_id": frame.ID},
	})

	if s.config.Compactor != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := s.config.Compactor.Check(ctx, sessionID, s.config.Agent); err != nil {
				s.logger.Warn(ctx, "post-turn compaction failed", "session_id", sessionID, "error", err)
			}
		}()
	}
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	query := r.URL.Query()

	opts := frames.RangeOptions{
		AfterTimestamp:       query.Get("after"),
		BeforeTimestamp:      query.Get("before"),
		FromLatestCompaction: query.Get("from_compact") == "true",
		Descending:           query.Get("order") == "desc",
		IncludeHidden:        query.Get("include_hidden") == "true",
		Types:                parseTypes(query.Get("types")),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = limit
	}

	page, err := s.config.Store.Range(r.Context(), sessionID, opts)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"frames":   page.Frames,
		"has_more": page.HasMore,
	})
}

func (s *Server) handleGetFrame(w http.ResponseWriter, r *http.Request) {
	frame, err := s.config.Store.Get(r.Context(), r.PathValue("frameID"))
	if errors.Is(err, frames.ErrFrameNotFound) {
		s.writeError(w, http.StatusNotFound, "frame not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, frame)
}

func (s *Server) handleByTarget(w http.ResponseWriter, r *http.Request) {
	result, err := s.config.Store.ByTarget(r.Context(), r.PathValue("targetID"), r.URL.Query().Get("session_id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"frames": result})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		s.writeError(w, http.StatusBadRequest, "owner identity is required")
		return
	}
	query := r.URL.Query()
	text := query.Get("q")
	if text == "" {
		s.writeError(w, http.StatusBadRequest, "q is required")
		return
	}

	opts := frames.SearchOptions{
		SessionID: query.Get("session_id"),
		Types:     parseTypes(query.Get("types")),
	}
	if raw := query.Get("limit"); raw != "" {
		opts.Limit, _ = strconv.Atoi(raw)
	}
	if raw := query.Get("offset"); raw != "" {
		opts.Offset, _ = strconv.Atoi(raw)
	}

	result, err := s.config.Store.Search(r.Context(), owner, text, opts)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"frames": result})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if s.config.Compactor == nil {
		s.writeError(w, http.StatusNotImplemented, "compaction is not configured")
		return
	}

	result, err := s.config.Compactor.Force(r.Context(), r.PathValue("sessionID"), s.config.Agent)
	if err != nil {
		body := map[string]any{"outcome": string(compaction.OutcomeFailed), "reason": err.Error()}
		if result != nil {
			body["outcome"] = string(result.Outcome)
			body["reason"] = result.Reason
		}
		s.writeJSON(w, http.StatusBadGateway, body)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"outcome":   string(result.Outcome),
		"collapsed": result.Collapsed,
		"frame_id":  result.FrameID,
		"reason":    result.Reason,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if err := s.config.Store.DeleteSession(r.Context(), sessionID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.config.Hooks != nil {
		if err := s.config.Hooks.Fire(r.Context(), &hooks.Event{
			Type:      hooks.EventSessionDeleted,
			SessionID: sessionID,
		}); err != nil {
			s.logger.Warn(r.Context(), "hook error", "event", hooks.EventSessionDeleted, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument records request metrics around the mux.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rec.status), time.Since(start).Seconds())
		}
	})
}

// statusRecorder keeps Flusher visible so SSE handlers still work when
// wrapped.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func ownerID(r *http.Request) string {
	if owner := r.Header.Get("X-Owner-ID"); owner != "" {
		return owner
	}
	return r.URL.Query().Get("owner_id")
}

func parseTypes(raw string) []models.FrameType {
	if raw == "" {
		return nil
	}
	var types []models.FrameType
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			types = append(types, models.FrameType(part))
		}
	}
	return types
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn(context.Background(), "response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
