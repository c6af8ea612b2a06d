/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server wires the engine together: database, channel state
// store, rotation, queue, reconciler, daemon notifier, and the HTTP API
// in front of them.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/bragi/internal/api"
	"github.com/friendsincode/bragi/internal/audit"
	"github.com/friendsincode/bragi/internal/catalog"
	"github.com/friendsincode/bragi/internal/channelstate"
	"github.com/friendsincode/bragi/internal/config"
	"github.com/friendsincode/bragi/internal/db"
	"github.com/friendsincode/bragi/internal/eventbus"
	"github.com/friendsincode/bragi/internal/events"
	"github.com/friendsincode/bragi/internal/integrity"
	"github.com/friendsincode/bragi/internal/leadership"
	"github.com/friendsincode/bragi/internal/logbuffer"
	"github.com/friendsincode/bragi/internal/media"
	"github.com/friendsincode/bragi/internal/notifier"
	"github.com/friendsincode/bragi/internal/queue"
	"github.com/friendsincode/bragi/internal/reconciler"
	"github.com/friendsincode/bragi/internal/rotation"
	"github.com/friendsincode/bragi/internal/telemetry"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db         *gorm.DB
	store      *channelstate.Store
	bus        *events.Bus
	api        *api.API
	notifier   *notifier.Service
	reconciler *reconciler.Service
	election   *leadership.Election
	audit      *audit.Service
	bridge     *eventbus.Bridge
	logBuffer  *logbuffer.Buffer

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("bragi-api"))
	router.Use(telemetry.MetricsMiddleware)
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// WebSocket event feeds outlive any sane request deadline.
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			// Track uploads can legitimately exceed the middleware timeout.
			if r.Method == http.MethodPost && strings.TrimSuffix(r.URL.Path, "/") == "/api/v1/tracks" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    router,
		bus:       events.NewBus(),
		logBuffer: logBuf,
	}

	if err := srv.initDependencies(); err != nil {
		srv.Close()
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:    addr,
		Handler: srv.router,
		// Keep header deadline to protect against slowloris, but do not
		// enforce a full-body read deadline so large uploads are not
		// terminated mid-request.
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       0,
		// WriteTimeout stays 0 for the websocket event feed; the
		// middleware timeout covers the plain JSON routes.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	if err := db.Migrate(database); err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	store, err := channelstate.New(channelstate.Config{
		RedisAddr:     s.cfg.RedisAddr,
		RedisPassword: s.cfg.RedisPassword,
		RedisDB:       s.cfg.RedisDB,
	}, s.logger)
	if err != nil {
		return err
	}
	s.store = store
	s.DeferClose(store.Close)

	mediaSvc, err := media.NewService(s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("initialize media service: %w", err)
	}

	// The orphan scanner walks a local directory, so it only exists on
	// filesystem storage.
	var scanner *media.OrphanScanner
	if s.cfg.S3Bucket == "" {
		if err := os.MkdirAll(s.cfg.MediaRoot, 0755); err != nil {
			return fmt.Errorf("create media directory %s: %w", s.cfg.MediaRoot, err)
		}
		s.logger.Info().Str("path", s.cfg.MediaRoot).Msg("media directory ready")
		scanner = media.NewOrphanScanner(database, s.cfg.MediaRoot, s.logger)
	}

	gateway := catalog.New(database, mediaSvc, s.logger)
	selector := rotation.NewSelector(gateway, store, rotation.Config{
		NoRepeatWindow: s.cfg.NoRepeatWindow,
		RecencyWindow:  s.cfg.RecencyWindow,
	}, s.logger)
	mutator := queue.NewMutator(store, s.bus, s.logger)
	s.reconciler = reconciler.NewService(store, gateway, mutator, s.bus, s.logger)
	integritySvc := integrity.NewService(database, store, gateway, mutator, mediaSvc, s.cfg.Channels, s.logger)

	// The interval reconciler drains a list shared by every replica, so
	// only the elected leader runs it.
	if s.cfg.ReconcileInterval > 0 {
		election, err := leadership.NewElection(leadership.Config{
			RedisAddr:     s.cfg.RedisAddr,
			RedisPassword: s.cfg.RedisPassword,
			RedisDB:       s.cfg.RedisDB,
			InstanceID:    s.cfg.InstanceID,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("start leader election: %w", err)
		}
		s.election = election
		s.DeferClose(election.Stop)
	}

	s.notifier = notifier.NewService(notifier.Config{
		DaemonURL:    s.cfg.DaemonURL,
		Timeout:      s.cfg.DaemonTimeout,
		Retries:      s.cfg.DaemonRetries,
		RetryBackoff: s.cfg.DaemonRetryBackoff,
	}, s.bus, s.logger)

	if s.cfg.NATSURL != "" {
		bridge, err := eventbus.NewBridge(eventbus.Config{
			URL:           s.cfg.NATSURL,
			SubjectPrefix: s.cfg.NATSSubjectPrefix,
			Instance:      s.cfg.InstanceID,
		}, s.bus, s.logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		s.bridge = bridge
		s.DeferClose(bridge.Close)
	}

	s.audit = audit.NewService(database, s.bus, s.logger)

	s.api = api.New(s.cfg, store, gateway, selector, mutator, s.reconciler, mediaSvc, integritySvc, scanner, s.audit, s.bus, s.logBuffer, s.logger)

	return nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// LogBuffer returns the server's log buffer for attaching to zerolog.
func (s *Server) LogBuffer() *logbuffer.Buffer {
	return s.logBuffer
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.notifier.Start(ctx)
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.audit.Start(ctx)
	}()

	if s.election != nil {
		s.election.Start(ctx)

		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.runIntervalReconcilerWhenLeading(ctx)
		}()
	}

	if s.bridge != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.bridge.Run(ctx)
		}()
	}

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.UpdateConnectionMetrics(s.db)
			}
		}
	}()
}

// runIntervalReconcilerWhenLeading starts the interval reconciler when
// this instance acquires the lease and stops it when the lease is lost.
func (s *Server) runIntervalReconcilerWhenLeading(ctx context.Context) {
	var leaderCancel context.CancelFunc
	var leaderWG sync.WaitGroup

	stop := func() {
		if leaderCancel == nil {
			return
		}
		leaderCancel()
		leaderWG.Wait()
		leaderCancel = nil
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case leading := <-s.election.LeaderCh():
			if !leading {
				stop()
				continue
			}
			if leaderCancel != nil {
				continue
			}
			leaderCtx, cancel := context.WithCancel(ctx)
			leaderCancel = cancel
			leaderWG.Add(1)
			go func() {
				defer leaderWG.Done()
				s.reconciler.RunInterval(leaderCtx, s.cfg.ReconcileInterval)
			}()
		}
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	// Health reflects the state store: without Redis every channel
	// operation fails, so a degraded store means a degraded engine.
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := s.store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"degraded","store":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","store":"ok"}`))
	})

	s.router.Handle("/metrics", telemetry.Handler())

	s.api.Routes(s.router)
}
