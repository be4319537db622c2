package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/BadgerOps/dmfship/internal/invoke"
	"github.com/BadgerOps/dmfship/internal/safety"
)

// handleHealth reports that the server is up.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

// handleStatus returns the progress of the most recent delivery.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	last := s.invoker.LastRun()
	if last == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no delivery has run yet"})
		return
	}
	writeJSON(w, http.StatusOK, last.Snapshot())
}

// handleDeliver runs one delivery. The request body is the invocation
// event; an empty body runs with the configured defaults. Only one
// delivery runs at a time.
func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	body, err := safety.ReadAllWithLimit(r.Body, maxEventBytes)
	if err != nil {
		if errors.Is(err, safety.ErrBodyTooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}

	var ev invoke.Event
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &ev); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}

	if !s.running.CompareAndSwap(false, true) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "a delivery is already running"})
		return
	}
	defer s.running.Store(false)

	// a client disconnect must not abort a run halfway; the run deadline still applies
	resp := s.invoker.Handle(context.WithoutCancel(r.Context()), ev)

	if resp.StatusCode != http.StatusOK {
		writeJSON(w, resp.StatusCode, map[string]string{"error": resp.Body})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write([]byte(resp.Body)); err != nil {
		s.logger.Error("failed to write delivery response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
