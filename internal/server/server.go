// Package server exposes the federation HTTP surface: actor documents,
// webfinger and nodeinfo discovery, the inbox endpoints, and the operator
// API for the delivery queue.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/driftboard/driftboard/internal/ap"
	"github.com/driftboard/driftboard/internal/config"
	"github.com/driftboard/driftboard/internal/db"
	"github.com/driftboard/driftboard/internal/keys"
)

const (
	activityJSONType = `application/activity+json`
	version          = "1.0.0"
)

// Server is the federation HTTP server.
type Server struct {
	cfg      *config.Config
	store    *db.Store
	keys     *keys.Store
	verifier *ap.Verifier
	handler  *ap.Handler
	router   *chi.Mux

	// Optional admin dependencies, set before Start.
	rotator *Rotator
}

// Rotator bundles what key rotation needs: new key material plus the
// Update(actor) push to followers.
type Rotator struct {
	Keys      *keys.Store
	Publisher *ap.Publisher
	Actors    *ActorDocs
}

// New creates a Server and builds its routes.
func New(cfg *config.Config, store *db.Store, ks *keys.Store, verifier *ap.Verifier, handler *ap.Handler) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		keys:     ks,
		verifier: verifier,
		handler:  handler,
	}
	s.router = s.buildRouter()
	return s
}

// SetRotator attaches the key rotation dependencies for the admin API.
func (s *Server) SetRotator(r *Rotator) { s.rotator = r }

// Router exposes the chi mux, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	addr := ":" + s.cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", addr, "base_url", s.cfg.BaseURL)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Health check.
	r.Get("/api/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	// Discovery endpoints.
	r.Get("/.well-known/webfinger", s.handleWebFinger)
	r.Get("/.well-known/nodeinfo", s.handleNodeInfo)
	r.Get("/nodeinfo/2.0", s.handleNodeInfoSchema)

	// Actor documents and follower collections.
	r.Get("/ap/site", s.handleSiteActor)
	r.Get("/ap/users/{username}", s.handleUserActor)
	r.Get("/ap/users/{username}/followers", s.handleUserFollowers)
	r.Get("/ap/boards/{slug}", s.handleBoardActor)
	r.Get("/ap/boards/{slug}/followers", s.handleBoardFollowers)

	// Inboxes.
	r.Post("/ap/inbox", s.handleSharedInbox)
	r.Post("/ap/users/{username}/inbox", s.handleUserInbox)
	r.Post("/ap/boards/{slug}/inbox", s.handleBoardInbox)

	// Operator API, only mounted when a token is configured.
	if s.cfg.AdminToken != "" {
		r.Route("/admin/api", func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Get("/jobs/status", s.handleJobStatus)
			r.Post("/jobs/{id}/retry", s.handleRetryJob)
			r.Post("/jobs/{id}/abandon", s.handleAbandonJob)
			r.Post("/jobs/domain/{domain}/retry", s.handleRetryDomain)
			r.Post("/jobs/domain/{domain}/abandon", s.handleAbandonDomain)
			r.Post("/jobs/purge", s.handlePurgeJobs)
			r.Post("/keys/rotate", s.handleRotateKeys)
		})
	}

	return r
}

// ─── Inbox handlers ───────────────────────────────────────────────────────────

func (s *Server) handleSharedInbox(w http.ResponseWriter, r *http.Request) {
	s.receiveActivity(w, r, ap.Target{})
}

func (s *Server) handleUserInbox(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.UserByUsername(chi.URLParam(r, "username"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	s.receiveActivity(w, r, ap.Target{User: user})
}

func (s *Server) handleBoardInbox(w http.ResponseWriter, r *http.Request) {
	board, err := s.store.BoardBySlug(chi.URLParam(r, "slug"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	s.receiveActivity(w, r, ap.Target{Board: board})
}

// receiveActivity is the common inbox pipeline: read under the payload cap,
// verify the signature, resolve the signing actor and dispatch.
func (s *Server) receiveActivity(w http.ResponseWriter, r *http.Request, target ap.Target) {
	if !s.cfg.FederationEnabled {
		http.Error(w, "federation disabled", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxPayloadSize+1))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > s.cfg.MaxPayloadSize {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	actorID, err := s.verifier.Verify(r.Context(), r, body)
	if err != nil {
		slog.Warn("inbox signature rejected",
			"error", err, "remote", r.RemoteAddr, "path", r.URL.Path)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	actor, err := s.store.RemoteActorByAPID(actorID)
	if err != nil {
		http.Error(w, "unknown actor", http.StatusUnauthorized)
		return
	}

	if err := s.handler.Handle(r.Context(), body, actor, target); err != nil {
		status := dispatchStatus(err)
		slog.Warn("inbox activity rejected",
			"error", err, "actor", actorID, "status", status)
		http.Error(w, err.Error(), status)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// dispatchStatus maps dispatcher failures onto HTTP statuses: bad shape is
// the peer's fault, authentication mismatches are unauthorized, policy
// refusals are forbidden, anything else is ours.
func dispatchStatus(err error) int {
	switch {
	case errors.Is(err, ap.ErrActorMismatch),
		errors.Is(err, ap.ErrAttributionMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, ap.ErrDomainBlocked),
		errors.Is(err, ap.ErrLocalActorRefused):
		return http.StatusForbidden
	case errors.Is(err, ap.ErrPayloadTooLarge),
		errors.Is(err, ap.ErrContentTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ap.ErrInvalidJSON),
		errors.Is(err, ap.ErrInvalidActivityID),
		errors.Is(err, ap.ErrInvalidActorURI),
		errors.Is(err, ap.ErrMissingType),
		errors.Is(err, ap.ErrMissingObject):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ─── Discovery handlers ───────────────────────────────────────────────────────

func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "missing resource", http.StatusBadRequest)
		return
	}

	acct := strings.TrimPrefix(resource, "acct:")
	parts := strings.SplitN(acct, "@", 2)
	if len(parts) != 2 {
		http.Error(w, "invalid resource", http.StatusBadRequest)
		return
	}
	name, host := parts[0], parts[1]
	if host != s.cfg.URL().Host {
		http.NotFound(w, r)
		return
	}

	var actorURI string
	if _, err := s.store.UserByUsername(name); err == nil {
		actorURI = s.cfg.UserActorURI(name)
	} else if _, err := s.store.BoardBySlug(name); err == nil {
		actorURI = s.cfg.BoardActorURI(name)
	} else {
		http.NotFound(w, r)
		return
	}

	resp := ap.WebFingerResponse{
		Subject: resource,
		Aliases: []string{actorURI},
		Links: []ap.WebFingerLink{{
			Rel:  "self",
			Type: activityJSONType,
			Href: actorURI,
		}},
	}
	w.Header().Set("Content-Type", "application/jrd+json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode webfinger response", "error", err)
	}
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"links": []map[string]string{{
			"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.0",
			"href": s.cfg.AbsoluteURL("/nodeinfo/2.0"),
		}},
	}, http.StatusOK)
}

func (s *Server) handleNodeInfoSchema(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"version": "2.0",
		"software": map[string]string{
			"name":    "driftboard",
			"version": version,
		},
		"protocols": []string{"activitypub"},
		"services":  map[string]any{"inbound": []string{}, "outbound": []string{}},
		"openRegistrations": false,
		"usage":             map[string]any{"users": map[string]any{}},
		"metadata":          map[string]any{},
	}, http.StatusOK)
}

// ─── Response helpers ─────────────────────────────────────────────────────────

func apResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", activityJSONType)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode AP response", "error", err)
	}
}

func jsonResponse(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func cacheHeaders(w http.ResponseWriter, maxAge int) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
}

// loggingMiddleware logs each HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
