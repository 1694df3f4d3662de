package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/driftboard/driftboard/internal/ap"
	"github.com/driftboard/driftboard/internal/db"
)

// adminAuth guards the operator API with the shared admin token.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleJobStatus reports per-status counts and the 24h error rate.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.JobStatusCounts()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	rate, err := s.store.ErrorRate24h(time.Now())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{
		"counts":         counts,
		"error_rate_24h": rate,
	}, http.StatusOK)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.store.RetryJob)
}

func (s *Server) handleAbandonJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.store.AbandonJob)
}

func (s *Server) jobAction(w http.ResponseWriter, r *http.Request, action func(int64) error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	if err := action(id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{"ok": true}, http.StatusOK)
}

func (s *Server) handleRetryDomain(w http.ResponseWriter, r *http.Request) {
	s.domainAction(w, r, s.store.RetryAllFailedForDomain)
}

func (s *Server) handleAbandonDomain(w http.ResponseWriter, r *http.Request) {
	s.domainAction(w, r, s.store.AbandonAllForDomain)
}

func (s *Server) domainAction(w http.ResponseWriter, r *http.Request, action func(string) (int, error)) {
	domain := chi.URLParam(r, "domain")
	if domain == "" {
		http.Error(w, "missing domain", http.StatusBadRequest)
		return
	}
	n, err := action(domain)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{"affected": n}, http.StatusOK)
}

func (s *Server) handlePurgeJobs(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.PurgeCompletedJobs(time.Now())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{"purged": n}, http.StatusOK)
}

// handleRotateKeys replaces a subject's keypair and pushes the refreshed
// actor document to its followers.
func (s *Server) handleRotateKeys(w http.ResponseWriter, r *http.Request) {
	if s.rotator == nil {
		http.Error(w, "rotation unavailable", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Subject string `json:"subject"` // user | board | site
		Name    string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	var (
		actorDoc *ap.Actor
		err      error
	)
	switch req.Subject {
	case "user":
		if _, err = s.rotator.Keys.RotateUserKeypair(req.Name); err == nil {
			actorDoc, err = s.rotator.Actors.User(req.Name)
		}
	case "board":
		if _, err = s.rotator.Keys.RotateBoardKeypair(req.Name); err == nil {
			actorDoc, err = s.rotator.Actors.Board(req.Name)
		}
	case "site":
		if _, err = s.rotator.Keys.RotateSiteKeypair(); err == nil {
			actorDoc, err = s.rotator.Actors.Site()
		}
	default:
		http.Error(w, "unknown subject", http.StatusBadRequest)
		return
	}
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		slog.Error("key rotation failed", "subject", req.Subject, "name", req.Name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	deliveries, err := s.rotator.Publisher.PublishKeyRotation(actorDoc)
	if err != nil {
		slog.Error("key rotation publish failed", "actor", actorDoc.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{"ok": true, "deliveries": deliveries}, http.StatusOK)
}
