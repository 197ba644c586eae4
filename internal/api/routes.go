package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/mosaic-app/mosaic/internal/auth"
	"github.com/mosaic-app/mosaic/internal/backend"
	"github.com/mosaic-app/mosaic/internal/match"
	"github.com/mosaic-app/mosaic/internal/radio"
)

const (
	// MaxResumeWait caps the wait parameter of the resume endpoint.
	MaxResumeWait = 5 * time.Minute

	maxFragmentBytes = 4 << 20
)

// Handler builds the router for all v1 endpoints.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	protected := v1.NewRoute().Subrouter()
	protected.Use(s.auth.RequireAuth)

	protected.Handle("/match", s.scoped(auth.ScopeRead, s.handleMatchStatus)).Methods(http.MethodGet)
	protected.Handle("/match/start", s.scoped(auth.ScopeControl, s.handleStart)).Methods(http.MethodPost)
	protected.Handle("/match/resume", s.scoped(auth.ScopeControl, s.handleResume)).Methods(http.MethodPost)
	protected.Handle("/match/stop", s.scoped(auth.ScopeControl, s.handleStop)).Methods(http.MethodPost)
	protected.Handle("/peers", s.scoped(auth.ScopeRead, s.handlePeers)).Methods(http.MethodGet)
	protected.Handle("/peers/{id}", s.scoped(auth.ScopeRead, s.handlePeer)).Methods(http.MethodGet)
	protected.Handle("/peers/{id}", s.scoped(auth.ScopeControl, s.handleForgetPeer)).Methods(http.MethodDelete)
	protected.Handle("/fragments", s.scoped(auth.ScopeControl, s.handleFragment)).Methods(http.MethodPost)
	protected.Handle("/telemetry", s.scoped(auth.ScopeTelemetry, s.handleTelemetry)).Methods(http.MethodGet)

	return r
}

func (s *Server) scoped(scope string, h http.HandlerFunc) http.Handler {
	return s.auth.RequireScope(scope)(h)
}

// MatchStatus is the body of GET /match and the control endpoints.
type MatchStatus struct {
	State     match.State `json:"state"`
	Active    bool        `json:"active"`
	LocalID   string      `json:"localId"`
	LastMatch *radio.Peer `json:"lastMatch"`
}

// ResumeResult is the body of POST /match/resume.
type ResumeResult struct {
	State   match.State `json:"state"`
	Pending bool        `json:"pending"`
	Peer    *radio.Peer `json:"peer,omitempty"`
}

func (s *Server) status() MatchStatus {
	st := s.coordinator.State()
	ms := MatchStatus{
		State:   st,
		Active:  st.Active(),
		LocalID: s.coordinator.Self().String(),
	}
	if p, ok := s.coordinator.LastMatch(); ok {
		ms.LastMatch = &p
	}
	return ms
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.startTime).Seconds(),
		"version": s.version,
	}
	if s.coordinator == nil {
		health["status"] = "degraded"
		WriteError(w, http.StatusServiceUnavailable, "SERVICE_DEGRADED", "Coordinator not available", health)
		return
	}
	health["state"] = s.coordinator.State()
	WriteSuccess(w, health)
}

// handleMatchStatus handles GET /match
func (s *Server) handleMatchStatus(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	WriteSuccess(w, s.status())
}

// handleStart handles POST /match/start
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	start := time.Now()
	_, err := s.coordinator.Start(r.Context())
	s.audit(r.Context(), "start", err, start)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteAccepted(w, s.status())
}

// handleResume handles POST /match/resume?wait=<duration>
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	wait, err := parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		WriteAPIError(w, err)
		return
	}

	start := time.Now()
	f, err := s.coordinator.Resume(r.Context())
	s.audit(r.Context(), "resume", err, start)
	if err != nil {
		WriteAPIError(w, err)
		return
	}

	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		peer, err := f.Wait(ctx)
		cancel()
		if err == nil {
			WriteSuccess(w, ResumeResult{State: s.coordinator.State(), Peer: &peer})
			return
		}
	}
	WriteAccepted(w, ResumeResult{State: s.coordinator.State(), Pending: true})
}

func parseWait(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: invalid wait %q", ErrBadRequest, v)
	}
	return min(d, MaxResumeWait), nil
}

// handleStop handles POST /match/stop
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	start := time.Now()
	err := s.coordinator.Stop(r.Context())
	s.audit(r.Context(), "stop", err, start)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, s.status())
}

// handlePeers handles GET /peers
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if s.peers == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Peer registry not available", nil)
		return
	}
	WriteSuccess(w, s.peers.List())
}

// handlePeer handles GET /peers/{id}
func (s *Server) handlePeer(w http.ResponseWriter, r *http.Request) {
	if s.peers == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Peer registry not available", nil)
		return
	}
	p, err := s.peers.Get(radio.Identity(mux.Vars(r)["id"]))
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, p)
}

// handleForgetPeer handles DELETE /peers/{id}
func (s *Server) handleForgetPeer(w http.ResponseWriter, r *http.Request) {
	if s.peers == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Peer registry not available", nil)
		return
	}
	id := radio.Identity(mux.Vars(r)["id"])
	start := time.Now()
	err := s.peers.Remove(id)
	s.audit(r.Context(), "forget", err, start)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]any{"removed": id})
}

type fragmentRequest struct {
	MosaicID backend.MosaicID `json:"mosaicId"`
	SVG      string           `json:"svg"`
}

// handleFragment handles POST /fragments
func (s *Server) handleFragment(w http.ResponseWriter, r *http.Request) {
	if s.uploader == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Upload service not available", nil)
		return
	}

	var req fragmentRequest
	if err := decodeStrict(http.MaxBytesReader(w, r.Body, maxFragmentBytes), &req); err != nil {
		WriteAPIError(w, err)
		return
	}
	if strings.TrimSpace(string(req.MosaicID)) == "" || strings.TrimSpace(req.SVG) == "" {
		WriteAPIError(w, fmt.Errorf("%w: mosaicId and svg are required", ErrBadRequest))
		return
	}

	start := time.Now()
	res, err := s.uploader.UploadSVG(r.Context(), req.MosaicID, req.SVG)
	s.audit(r.Context(), "upload", err, start)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, res)
}

// handleTelemetry handles GET /telemetry (SSE)
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if s.telemetry == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Telemetry service not available", nil)
		return
	}
	if err := s.telemetry.Subscribe(r.Context(), w, r); err != nil {
		s.logger.Warn("telemetry subscribe failed", "err", err)
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "Failed to subscribe to telemetry stream", nil)
	}
}

func (s *Server) ready(w http.ResponseWriter) bool {
	if s.coordinator == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Coordinator not available", nil)
		return false
	}
	return true
}

func (s *Server) audit(ctx context.Context, action string, err error, start time.Time) {
	outcome := "ok"
	if err != nil {
		outcome = err.Error()
		s.logger.Warn("control action failed", "action", action, "err", err)
	}
	if s.auditor != nil {
		s.auditor.LogAction(ctx, action, outcome, err, time.Since(start))
	}
}

// decodeStrict decodes exactly one JSON object with no unknown fields.
func decodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return NewAPIError("PAYLOAD_TOO_LARGE", "Request body too large", http.StatusRequestEntityTooLarge, nil)
		}
		return fmt.Errorf("%w: malformed JSON or unknown fields", ErrBadRequest)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: trailing data after JSON object", ErrBadRequest)
	}
	return nil
}
