package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/clinagent/internal/agent"
	"github.com/haasonsaas/clinagent/internal/jobs"
	"github.com/haasonsaas/clinagent/internal/sessions"
	"github.com/haasonsaas/clinagent/internal/stream"
	"github.com/haasonsaas/clinagent/pkg/models"
)

// sessionIDHeader carries the session a streamed query ran in, so callers
// that did not pick one can continue the conversation.
const sessionIDHeader = "X-Session-ID"

// QueryRequest is the body of POST /query and POST /query/async.
type QueryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
}

// JobAccepted is the 202 body of POST /query/async.
type JobAccepted struct {
	JobID     string      `json:"job_id"`
	Status    jobs.Status `json:"status"`
	SessionID string      `json:"session_id,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	ctx := r.Context()
	session, err := s.sessions.GetOrCreate(ctx, sessions.SessionKey(models.ChannelAPI, req.SessionID), models.ChannelAPI)
	if err != nil {
		s.logger.ErrorContext(ctx, "session lookup failed", "error", err, "session_id", req.SessionID)
		writeError(w, http.StatusInternalServerError, "session unavailable")
		return
	}

	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	events, err := s.loop.Run(ctx, session, req.Query)
	if err != nil {
		s.logger.ErrorContext(ctx, "query rejected", "error", err, "session_id", session.ID)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set(sessionIDHeader, req.SessionID)
	w.WriteHeader(http.StatusOK)
	if err := stream.Pipe(ctx, sse, events); err != nil {
		s.logger.DebugContext(ctx, "stream ended early", "error", err, "session_id", session.ID)
		if ctx.Err() == nil {
			// The client is still there, so end its stream with a terminal
			// frame in place of the events that will not arrive.
			if werr := sse.WriteEvent(models.ErrorEvent(models.ReasonInternal, "stream interrupted")); werr != nil {
				s.logger.WarnContext(ctx, "error frame not delivered", "error", werr, "session_id", session.ID)
			}
		}
		// Drain so the loop's producer never blocks on a gone client.
		for range events { //nolint:revive
		}
	}
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "async queries are disabled")
		return
	}
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	var key string
	if req.SessionID != "" {
		key = sessions.SessionKey(models.ChannelAPI, req.SessionID)
	}

	job, err := s.jobs.Submit(r.Context(), key, req.Query)
	switch {
	case errors.Is(err, jobs.ErrRunnerClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.ErrorContext(r.Context(), "job submit failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not start job")
		return
	}
	writeJSON(w, http.StatusAccepted, JobAccepted{JobID: job.ID, Status: job.Status, SessionID: req.SessionID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "async queries are disabled")
		return
	}
	id := r.PathValue("job_id")
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "job lookup failed", "error", err, "job_id", id)
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "async queries are disabled")
		return
	}
	id := r.PathValue("job_id")
	if s.jobs.Cancel(id) {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	switch {
	case err != nil:
		writeError(w, http.StatusInternalServerError, "job lookup failed")
	case job == nil:
		writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", id))
	default:
		writeError(w, http.StatusConflict, fmt.Sprintf("job %s is %s", id, job.Status))
	}
}

// handleResetSession clears the conversation. Resetting a session that has
// never been used succeeds.
func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}
	ctx := r.Context()
	session, err := s.sessions.GetOrCreate(ctx, sessions.SessionKey(models.ChannelAPI, id), models.ChannelAPI)
	if err == nil {
		err = s.sessions.Reset(ctx, session.ID)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "session reset failed", "error", err, "session_id", id)
		writeError(w, http.StatusInternalServerError, "session reset failed")
		return
	}
	s.logger.InfoContext(ctx, "session reset", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	descriptors := []agent.ToolDescriptor{}
	if s.registry != nil {
		descriptors = s.registry.Descriptors()
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": descriptors})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

func (s *Server) decodeQuery(w http.ResponseWriter, r *http.Request) (QueryRequest, bool) {
	var req QueryRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return req, false
	}
	req.Query = strings.TrimSpace(req.Query)
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// The client may already be gone.
		return
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
