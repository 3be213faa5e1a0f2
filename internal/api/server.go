// Package api exposes the coordinator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/danielpatrickdp/convoloop/internal/bridge"
	"github.com/danielpatrickdp/convoloop/internal/convo"
	"github.com/danielpatrickdp/convoloop/internal/loop"
	"go.uber.org/zap"
)

// #region loop-interface
// Loop is the part of the coordinator the API drives.
type Loop interface {
	Submit(msg convo.ConvoMessage) error
	Await(ctx context.Context, messageID int) (convo.ConvoMessage, error)
	Patch(p loop.StatePatch) error
	SetTrustMod(mod float64) error
	Status() loop.Status
}

// #endregion loop-interface

// #region server
// Server routes HTTP requests to a Loop.
type Server struct {
	loop         Loop
	log          *zap.Logger
	awaitTimeout time.Duration
	now          func() time.Time
	nextID       atomic.Int64
	mux          *http.ServeMux
}

// NewServer builds the routes. awaitTimeout bounds POST /infer on top of the
// request context.
func NewServer(l Loop, awaitTimeout time.Duration, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		loop:         l,
		log:          log.Named("api"),
		awaitTimeout: awaitTimeout,
		now:          time.Now,
		mux:          http.NewServeMux(),
	}
	// Server-assigned IDs start high so they do not collide with small
	// client-chosen ones.
	s.nextID.Store(1 << 30)

	s.mux.HandleFunc("POST /infer", s.handleInfer)
	s.mux.HandleFunc("GET /loop", s.handleStatus)
	s.mux.HandleFunc("PATCH /loop", s.handlePatch)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.log.Debug("request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", rec.status),
		zap.Duration("elapsed", time.Since(start)))
}

// #endregion server

// #region listen
// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Info("listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// #endregion listen

// #region infer
type inferRequest struct {
	ConvoID   int    `json:"convoID"`
	MessageID int    `json:"messageID"`
	Timestamp string `json:"timestamp"`
	Text      string `json:"text"`
}

func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	var req inferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	msg := convo.ConvoMessage{
		ConvoID:   req.ConvoID,
		MessageID: req.MessageID,
		Timestamp: req.Timestamp,
		Kind:      convo.KindInput,
		Text:      req.Text,
	}
	if msg.MessageID <= 0 {
		msg.MessageID = int(s.nextID.Add(1))
	}
	if msg.Timestamp == "" {
		msg.Timestamp = convo.Timestamp(s.now())
	}

	if err := s.loop.Submit(msg); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	ctx := r.Context()
	if s.awaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.awaitTimeout)
		defer cancel()
	}
	resp, err := s.loop.Await(ctx, msg.MessageID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// #endregion infer

// #region loop-handlers
type patchRequest struct {
	State    loop.State `json:"state"`
	TrustMod *float64   `json:"trustMod,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.loop.Status())
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode patch: %w", err))
		return
	}
	if req.State == "" && req.TrustMod == nil {
		writeError(w, http.StatusBadRequest, errors.New("patch needs state or trustMod"))
		return
	}
	if req.TrustMod != nil {
		if err := s.loop.SetTrustMod(*req.TrustMod); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.State != "" {
		if _, err := loop.ParseState(string(req.State)); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.loop.Patch(loop.StatePatch{State: req.State}); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		s.log.Info("state patch accepted", zap.String("state", string(req.State)))
	}
	writeJSON(w, http.StatusAccepted, s.loop.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.loop.Status()
	code := http.StatusOK
	if st.State == loop.StateError || st.State == loop.StateExit {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"state": st.State, "trust": st.Trust})
}

// #endregion loop-handlers

// #region helpers
func statusFor(err error) int {
	switch {
	case errors.Is(err, bridge.ErrDuplicateID), errors.Is(err, loop.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, bridge.ErrNotInput):
		return http.StatusBadRequest
	case errors.Is(err, bridge.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499 // client closed request
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// #endregion helpers
