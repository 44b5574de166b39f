package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/nstogner/codeagent/pkg/domain"
)

// messageRequest is the body of a user turn. Text is shorthand for a single
// text part; Content carries any parts directly.
type messageRequest struct {
	Text    string           `json:"text,omitempty"`
	Content []domain.Content `json:"content,omitempty"`
}

func (m messageRequest) parts() ([]domain.Content, error) {
	parts := m.Content
	if m.Text != "" {
		parts = append(domain.TextContent(m.Text), parts...)
	}
	if len(parts) == 0 {
		return nil, errors.New("message has no content")
	}
	for _, p := range parts {
		switch p.Kind {
		case domain.ContentText, domain.ContentImage, domain.ContentFile:
		default:
			return nil, fmt.Errorf("content kind %q not accepted from users", p.Kind)
		}
	}
	return parts, nil
}

type sessionResponse struct {
	Session     domain.Session `json:"session"`
	TotalTokens int            `json:"total_tokens"`
}

// --- Sessions ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	s.jsonResponse(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.agent.CreateSession(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, total, err := s.agent.Info(r.Context(), id)
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, sessionResponse{Session: sess, TotalTokens: total})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	compacted, err := s.agent.Compact(r.Context(), id)
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]bool{"compacted": compacted})
}

// --- Messages ---

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}

	var (
		msgs []domain.Message
		err  error
	)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		msgs, err = s.store.RecentWindow(r.Context(), id, n)
	} else {
		msgs, err = s.store.All(r.Context(), id)
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	s.jsonResponse(w, http.StatusOK, msgs)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	parts, err := req.parts()
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	reply, err := s.agent.Send(r.Context(), id, parts)
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, reply)
}

// --- Runs ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	runs, err := s.store.ListRuns(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	s.jsonResponse(w, http.StatusOK, runs)
}

// --- Sandbox ---

func (s *Server) handleSandboxStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.sandbox.Status(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": string(state)})
}
