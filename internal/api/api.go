/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the HTTP surface: public channel reads, playback
// daemon callbacks, authenticated catalog edits, and admin queue control.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi/internal/audit"
	"github.com/friendsincode/bragi/internal/auth"
	"github.com/friendsincode/bragi/internal/catalog"
	"github.com/friendsincode/bragi/internal/channelstate"
	"github.com/friendsincode/bragi/internal/config"
	"github.com/friendsincode/bragi/internal/events"
	"github.com/friendsincode/bragi/internal/integrity"
	"github.com/friendsincode/bragi/internal/logbuffer"
	"github.com/friendsincode/bragi/internal/media"
	"github.com/friendsincode/bragi/internal/queue"
	"github.com/friendsincode/bragi/internal/reconciler"
	"github.com/friendsincode/bragi/internal/rotation"
)

// API exposes HTTP handlers.
type API struct {
	cfg        *config.Config
	jwtSecret  []byte
	store      *channelstate.Store
	catalog    *catalog.Gateway
	selector   *rotation.Selector
	queue      *queue.Mutator
	reconciler *reconciler.Service
	media      *media.Service
	integrity  *integrity.Service
	scanner    *media.OrphanScanner
	audit      *audit.Service
	bus        *events.Bus
	logBuffer  *logbuffer.Buffer
	logger     zerolog.Logger
}

// New creates the API router wrapper.
func New(cfg *config.Config, store *channelstate.Store, cat *catalog.Gateway, selector *rotation.Selector, mutator *queue.Mutator, rec *reconciler.Service, mediaSvc *media.Service, integritySvc *integrity.Service, scanner *media.OrphanScanner, auditSvc *audit.Service, bus *events.Bus, logBuf *logbuffer.Buffer, logger zerolog.Logger) *API {
	return &API{
		cfg:        cfg,
		jwtSecret:  []byte(cfg.JWTSigningKey),
		store:      store,
		catalog:    cat,
		selector:   selector,
		queue:      mutator,
		reconciler: rec,
		media:      mediaSvc,
		integrity:  integritySvc,
		scanner:    scanner,
		audit:      auditSvc,
		bus:        bus,
		logBuffer:  logBuf,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts API routes on the provided router.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		// The playback daemon is a trusted co-process on the same
		// network segment; its callbacks carry no tokens.
		r.Route("/callback", func(r chi.Router) {
			r.Post("/startup", a.handleCallbackStartup)
			r.Post("/play", a.handleCallbackPlay)
			r.Post("/stop", a.handleCallbackStop)
		})

		r.Route("/channels", func(r chi.Router) {
			r.Get("/", a.handleChannelsList)
			r.Route("/{channel}", func(r chi.Router) {
				r.Get("/", a.handleChannelState)
				r.Get("/now-playing", a.handleNowPlaying)
				r.Get("/history", a.handleHistory)
				r.Route("/queue", func(r chi.Router) {
					r.Get("/", a.handleQueueList)
					r.With(a.authMiddleware(), a.requireRoles(auth.RoleAdmin)).Post("/", a.handleQueueIn)
					r.With(a.authMiddleware(), a.requireRoles(auth.RoleAdmin)).Post("/move", a.handleQueueMove)
					r.With(a.authMiddleware(), a.requireRoles(auth.RoleAdmin)).Delete("/{index}", a.handleQueueOut)
				})
				r.With(a.authMiddleware(), a.requireRoles(auth.RoleAdmin)).Post("/reset", a.handleQueueReset)
			})
		})

		r.Route("/tracks", func(r chi.Router) {
			r.Get("/", a.handleTracksList)
			r.With(a.authMiddleware()).Post("/", a.handleTrackUpload)
			r.Route("/{trackID}", func(r chi.Router) {
				r.Get("/", a.handleTrackGet)
				r.With(a.authMiddleware()).Put("/", a.handleTrackUpdate)
				r.With(a.authMiddleware()).Delete("/", a.handleTrackDelete)
				r.With(a.authMiddleware()).Post("/like", a.handleTrackLike)
			})
		})

		r.With(a.authMiddleware(), a.requireRoles(auth.RoleAdmin)).Post("/reconcile", a.handleReconcile)

		r.Route("/admin", func(r chi.Router) {
			r.Use(a.authMiddleware(), a.requireRoles(auth.RoleAdmin))
			r.Get("/logs", a.handleLogs)
			r.Get("/logs/components", a.handleLogComponents)
			r.Get("/logs/stats", a.handleLogStats)
			r.Delete("/logs", a.handleLogsClear)
			r.Get("/integrity", a.handleIntegrityScan)
			r.Post("/integrity/repair", a.handleIntegrityRepair)
			r.Get("/orphans", a.handleOrphanScan)
			r.Get("/audit", a.handleAudit)
		})

		r.With(a.authMiddleware()).Get("/events", a.handleEvents)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) authMiddleware() func(http.Handler) http.Handler {
	return auth.Middleware(a.jwtSecret)
}

func (a *API) requireRoles(allowed ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !claims.HasRole(allowed...) {
				writeError(w, http.StatusForbidden, "insufficient_role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// channelFromRequest resolves and validates the {channel} URL segment
// against the configured channel set.
func (a *API) channelFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	channel := chi.URLParam(r, "channel")
	if !a.cfg.HasChannel(channel) {
		writeError(w, http.StatusBadRequest, "invalid_channel")
		return "", false
	}
	return channel, true
}

// writeDomainError maps service errors onto HTTP statuses.
func (a *API) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, http.StatusNotFound, "track_not_found")
	case errors.Is(err, queue.ErrIndexOutOfRange):
		writeError(w, http.StatusBadRequest, "index_out_of_range")
	case errors.Is(err, channelstate.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable")
	default:
		a.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

func parseEventTypes(raw string) []events.EventType {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]events.EventType, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		out = append(out, events.EventType(strings.TrimSpace(part)))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
