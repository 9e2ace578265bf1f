// Package transport exposes the execution engine over HTTP. It owns request
// framing only: identity arrives from the external auth layer as a bearer
// token, and every engine decision (validation, prompts, audit) happens in
// the packages below this one.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/shellgate-io/shellgate/internal/audit"
	"github.com/shellgate-io/shellgate/internal/config"
	"github.com/shellgate-io/shellgate/internal/executor"
	"github.com/shellgate-io/shellgate/internal/logger"
	"github.com/shellgate-io/shellgate/internal/privileged"
	"github.com/shellgate-io/shellgate/internal/session"
	"github.com/shellgate-io/shellgate/internal/validate"
)

type Server struct {
	addr      string
	exec      *executor.Executor
	sessions  *session.Manager
	gateway   *privileged.Gateway
	validator *validate.Validator
	limiter   *rate.Limiter
	jwtKey    []byte
}

func NewServer(cfg config.ServerConfig, e *executor.Executor, sm *session.Manager, gw *privileged.Gateway, v *validate.Validator, jwtKey []byte) *Server {
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &Server{
		addr:      cfg.Addr,
		exec:      e,
		sessions:  sm,
		gateway:   gw,
		validator: v,
		limiter:   limiter,
		jwtKey:    jwtKey,
	}
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	logger.Info("listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("POST /interactive/start", s.handleInteractiveStart)
	mux.HandleFunc("POST /interactive/{id}/input", s.handleInteractiveInput)
	mux.HandleFunc("GET /interactive/{id}/poll", s.handleInteractivePoll)
	mux.HandleFunc("POST /interactive/{id}/terminate", s.handleInteractiveTerminate)
	mux.HandleFunc("GET /interactive/{id}/stream", s.handleInteractiveStream)
	mux.HandleFunc("POST /validate/upload", s.handleValidateUpload)
	mux.HandleFunc("POST /privileged/execute", s.handlePrivilegedExecute)
	mux.HandleFunc("GET /privileged/history", s.handlePrivilegedHistory)
	mux.HandleFunc("GET /privileged/learning", s.handlePrivilegedLearning)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Request/response types

type executeRequest struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	WorkingDir     string            `json:"working_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

type executeResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   *int   `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMS int64  `json:"duration_ms"`
}

type privilegedRequest struct {
	executeRequest
	AgentID         string `json:"agent_id,omitempty"`
	ElevationSecret string `json:"elevation_secret"`
}

type pollResponse struct {
	OutputDelta   string `json:"output_delta"`
	State         string `json:"state"`
	PendingPrompt string `json:"pending_prompt"`
}

func (r *executeRequest) toRequest() executor.Request {
	return executor.Request{
		Command:    r.Command,
		Args:       r.Args,
		WorkingDir: r.WorkingDir,
		Env:        r.Env,
		Timeout:    time.Duration(r.TimeoutSeconds) * time.Second,
	}
}

func resultToResponse(res *executor.Result) executeResponse {
	return executeResponse{
		Stdout:     string(res.Stdout),
		Stderr:     string(res.Stderr),
		ExitCode:   res.ExitCode,
		TimedOut:   res.TimedOut,
		DurationMS: res.Duration.Milliseconds(),
	}
}

// Handlers

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if !s.allow() {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res, err := s.exec.Execute(r.Context(), req.toRequest())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultToResponse(res))
}

func (s *Server) handleInteractiveStart(w http.ResponseWriter, r *http.Request) {
	if !s.allow() {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	id, err := s.sessions.Start(req.toRequest())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Server) handleInteractiveInput(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.sessions.SendInput(r.PathValue("id"), req.Text); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

func (s *Server) handleInteractivePoll(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Poll(r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pollResponse{
		OutputDelta:   string(snap.Output),
		State:         string(snap.State),
		PendingPrompt: snap.Pending.String(),
	})
}

func (s *Server) handleInteractiveTerminate(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Terminate(r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleValidateUpload pre-checks uploaded script content without executing
// anything. File content arrives base64-encoded in the JSON body.
func (s *Server) handleValidateUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Files []struct {
			Name    string `json:"name"`
			Content []byte `json:"content"`
		} `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Files) == 0 {
		writeError(w, http.StatusBadRequest, "no files")
		return
	}

	var total int64
	for _, f := range req.Files {
		total += int64(len(f.Content))
	}
	if err := s.validator.Bundle(total); err != nil {
		writeEngineError(w, err)
		return
	}
	for _, f := range req.Files {
		if err := s.validator.Upload(f.Name, f.Content); err != nil {
			writeEngineError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePrivilegedExecute(w http.ResponseWriter, r *http.Request) {
	if !s.allow() {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var req privilegedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	agentID := s.agentID(r, req.AgentID)

	res, err := s.gateway.Execute(r.Context(), req.toRequest(), agentID, req.ElevationSecret)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultToResponse(res))
}

func (s *Server) handlePrivilegedHistory(w http.ResponseWriter, r *http.Request) {
	f, err := parseHistoryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := s.gateway.History(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type recordResponse struct {
		Timestamp   string `json:"timestamp"`
		AgentID     string `json:"agent_id"`
		Shape       string `json:"command_shape"`
		Success     bool   `json:"success"`
		ExitCode    *int   `json:"exit_code"`
		DurationMS  int64  `json:"duration_ms"`
		OutputBytes int64  `json:"output_size_bytes"`
		ErrorSig    string `json:"error_signature,omitempty"`
	}
	out := make([]recordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordResponse{
			Timestamp:   rec.Timestamp.UTC().Format(time.RFC3339),
			AgentID:     rec.AgentID,
			Shape:       rec.CommandShape,
			Success:     rec.Success,
			ExitCode:    rec.ExitCode,
			DurationMS:  rec.DurationMS,
			OutputBytes: rec.OutputBytes,
			ErrorSig:    rec.ErrorSig,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePrivilegedLearning(w http.ResponseWriter, r *http.Request) {
	stats, err := s.gateway.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	failures := s.gateway.Degraded()
	if failures > 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               status,
		"audit_write_failures": failures,
		"sessions":             s.sessions.Count(),
	})
}

// agentID recovers the caller identity. The external auth layer hands us a
// bearer token; its subject wins over anything in the request body.
func (s *Server) agentID(r *http.Request, fallback string) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(s.jwtKey) > 0 && len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		token, err := jwt.Parse(auth[len(prefix):], func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.jwtKey, nil
		})
		if err == nil {
			if sub, err := token.Claims.GetSubject(); err == nil && sub != "" {
				return sub
			}
		}
	}
	if fallback != "" {
		return fallback
	}
	return "anonymous"
}

func (s *Server) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

func parseHistoryFilter(r *http.Request) (audit.Filter, error) {
	f := audit.Filter{AgentID: r.URL.Query().Get("agent_id")}
	if v := r.URL.Query().Get("success"); v != "" {
		ok, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("bad success parameter %q", v)
		}
		f.Success = &ok
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("bad limit parameter %q", v)
		}
		f.Limit = n
	}
	return f, nil
}

// Helpers

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeEngineError maps engine error types onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var verr *executor.ValidationError
	var serr *executor.SpawnError
	var rej *validate.Rejection
	switch {
	case errors.As(err, &verr), errors.As(err, &rej):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &serr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, privileged.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrSessionNotInteractive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrTooManySessions):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
