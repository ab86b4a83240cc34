package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tergene/wagate/internal/credstore"
	"github.com/tergene/wagate/internal/session"
)

// health is the liveness probe.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "ok")
}

// listSessions returns every registered session.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.manager.List()
	if infos == nil {
		infos = []session.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// createSessionRequest is the POST /session body. All fields optional: an
// empty folder allocates a fresh one.
type createSessionRequest struct {
	Folder string `json:"folderName,omitempty"`
	Name   string `json:"name,omitempty"`
	Bridge string `json:"bridge,omitempty"`
}

// createSession creates a session and returns its snapshot. Pairing runs
// asynchronously; clients watch /event for the pairing artifact.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
			return
		}
	}

	sess, err := s.manager.Create(r.Context(), session.CreateOptions{
		Folder: req.Folder,
		Name:   req.Name,
		Bridge: req.Bridge,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, credstore.ErrCredentialLoad) {
			status = http.StatusBadRequest
		}
		writeError(w, status, ErrCodeInternalError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

// getSession returns one session's snapshot.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, ok := s.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// deleteSession stops a session. Idempotent: deleting an unknown session
// succeeds.
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.manager.Stop(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}
