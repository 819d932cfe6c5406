// Package server is the thin HTTP surface over the pipeline. It owns status
// code mapping and the bounded error envelope; no decision logic lives here.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"tripverdict/internal/envelope"
	"tripverdict/internal/guardrail"
	"tripverdict/internal/inference"
	"tripverdict/internal/pipeline"
	"tripverdict/internal/store"
)

// Server exposes evaluate, decision lookup, and health endpoints.
type Server struct {
	pipe    *pipeline.Pipeline
	tracker *guardrail.Tracker
	store   *store.Store
}

// New creates the HTTP server.
func New(pipe *pipeline.Pipeline, tracker *guardrail.Tracker, s *store.Store) *Server {
	return &Server{pipe: pipe, tracker: tracker, store: s}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/evaluate", s.handleEvaluate)
	mux.HandleFunc("GET /v1/decisions/{id}", s.handleGetDecision)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	return mux
}

// errorEnvelope is the only error shape the surface emits.
type errorEnvelope struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var env envelope.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: "malformed input envelope: " + err.Error(), Kind: "validation"})
		return
	}

	res, err := s.pipe.Evaluate(r.Context(), env)
	if err != nil {
		status, kind := classify(err)
		if status == http.StatusInternalServerError {
			log.Printf("[HTTP] evaluate failed: %v", err)
		}
		writeJSON(w, status, errorEnvelope{Error: err.Error(), Kind: kind})
		return
	}

	switch {
	case res.Meta.Deferred:
		w.Header().Set("Retry-After", "2")
		writeJSON(w, http.StatusAccepted, res)
	case res.Meta.CacheHit || !res.Meta.Persisted:
		writeJSON(w, http.StatusOK, res)
	default:
		writeJSON(w, http.StatusCreated, res)
	}
}

func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetDecision(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorEnvelope{Error: "decision not found", Kind: "not_found"})
			return
		}
		log.Printf("[HTTP] get decision: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: "store fault", Kind: "fault"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state, err := s.tracker.Snapshot()
	if err != nil {
		log.Printf("[HTTP] health snapshot: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: "store fault", Kind: "fault"})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// classify maps pipeline error kinds to status codes: validation 400,
// duplicate conditional writes 409, transport and store faults 500.
func classify(err error) (int, string) {
	var vErrs envelope.ValidationErrors
	if errors.As(err, &vErrs) {
		return http.StatusBadRequest, "validation"
	}
	if errors.Is(err, store.ErrConflict) {
		return http.StatusConflict, "conflict"
	}
	if errors.Is(err, inference.ErrTransport) {
		return http.StatusInternalServerError, "transport"
	}
	return http.StatusInternalServerError, "fault"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] encode response: %v", err)
	}
}
