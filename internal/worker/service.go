// Package worker provides the HTTP service that runs posture sessions and serves reports.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/thebtf/postura/internal/config"
	"github.com/thebtf/postura/internal/db/gorm"
	"github.com/thebtf/postura/internal/endpoints"
	"github.com/thebtf/postura/internal/media"
	"github.com/thebtf/postura/internal/privacy"
	"github.com/thebtf/postura/internal/report"
	"github.com/thebtf/postura/internal/worker/session"
	"github.com/thebtf/postura/internal/worker/sse"
	"github.com/thebtf/postura/pkg/models"
)

// Service is the posture worker.
type Service struct {
	version string

	cfgMu     sync.RWMutex
	config    *config.Config
	endpoints *endpoints.Registry

	store          *gorm.Store
	records        *gorm.SessionRecordStore
	assembler      *report.Assembler
	sessionManager *session.Manager
	sseBroadcaster *sse.Broadcaster

	router    *chi.Mux
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	ready     atomic.Bool
}

// NewService opens storage and wires the session manager to the event stream.
func NewService(version string, cfg *config.Config) (*Service, error) {
	store, err := gorm.NewStore(gorm.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DSN(),
		MaxConns: cfg.MaxConns,
		LogLevel: logger.Silent,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	records := gorm.NewSessionRecordStore(store)
	assembler := report.NewAssembler(records)

	svc := &Service{
		version:        version,
		config:         cfg,
		endpoints:      loadEndpoints(),
		store:          store,
		records:        records,
		assembler:      assembler,
		sseBroadcaster: sse.NewBroadcaster(),
		router:         chi.NewRouter(),
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
	}
	svc.sessionManager = session.NewManager(svc.newMediaSession, records, assembler,
		session.WithLogCapacity(cfg.LogCapacity))
	svc.wireEvents()
	svc.setupRoutes()

	svc.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.WorkerHost, strconv.Itoa(cfg.WorkerPort)),
		Handler:           svc.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	svc.ready.Store(true)

	return svc, nil
}

// loadEndpoints reads the endpoint registry. A broken file is logged and ignored.
func loadEndpoints() *endpoints.Registry {
	path := config.EndpointsPath()
	reg, err := endpoints.Load(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to load endpoint registry, using global detector settings")
		return endpoints.Empty()
	}
	return reg
}

// currentConfig returns the latest loaded configuration.
func (s *Service) currentConfig() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.config
}

func (s *Service) currentEndpoints() *endpoints.Registry {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	if s.endpoints == nil {
		return endpoints.Empty()
	}
	return s.endpoints
}

// ReloadConfig re-reads settings and the endpoint registry. New values apply to the next session.
func (s *Service) ReloadConfig() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	reg := loadEndpoints()

	s.cfgMu.Lock()
	s.config = cfg
	s.endpoints = reg
	s.cfgMu.Unlock()
	log.Info().Str("detector", privacy.Clean(cfg.DetectorURL)).Str("endpoint", cfg.EndpointID).Msg("Configuration reloaded")
	return nil
}

// newMediaSession builds a WebRTC session against the configured detector.
func (s *Service) newMediaSession(endpointID string, h media.Handlers) session.MediaSession {
	cfg := s.currentConfig()
	target := s.currentEndpoints().Resolve(endpointID, endpoints.Target{
		DetectorURL:    cfg.DetectorURL,
		ICEServers:     cfg.ICEServers,
		ConnectTimeout: cfg.ConnectTimeout(),
	})

	var capturer media.Capturer
	if cfg.CaptureFile != "" {
		capturer = media.IVFCapturer{Path: cfg.CaptureFile, FPS: cfg.CaptureFPS}
	}

	log.Debug().Str("endpoint", endpointID).Str("detector", privacy.Clean(target.DetectorURL)).Msg("Creating media session")
	return media.New(media.Config{
		BaseURL:        target.DetectorURL,
		EndpointID:     endpointID,
		ConnectTimeout: target.ConnectTimeout,
	}, capturer, h, media.WithPeerFactory(media.PionPeerFactory(target.ICEServers)))
}

func (s *Service) wireEvents() {
	s.sessionManager.SetOnEvent(func(ev models.PostureEvent) {
		s.sseBroadcaster.Publish(sse.EventPosture, ev)
	})
	s.sessionManager.SetOnStateChange(func(endpointID string, from, to media.ConnectionState) {
		s.sseBroadcaster.Publish(sse.EventState, map[string]string{
			"endpoint_id": endpointID,
			"from":        from.String(),
			"to":          to.String(),
		})
	})
	s.sessionManager.SetOnReport(func(r *models.Report) {
		s.sseBroadcaster.Publish(sse.EventReport, r)
	})
}

func (s *Service) setupRoutes() {
	r := s.router
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/api/version", s.handleVersion)
	r.Get("/api/ready", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(s.requireReady)

		r.Get("/api/events", s.sseBroadcaster.HandleSSE)
		r.Get("/api/endpoints", s.handleListEndpoints)

		r.Route("/api/sessions", func(r chi.Router) {
			r.Post("/start", s.handleStartSession)
			r.Post("/stop", s.handleStopSession)
			r.Get("/status", s.handleSessionStatus)
			r.Post("/events", s.handlePushEvent)
			r.Get("/recent", s.handleRecentSessions)
		})

		r.Route("/api/reports", func(r chi.Router) {
			r.Get("/", s.handlePlaceholderReport)
			r.Post("/", s.handleBuildReport)
			r.Get("/{id}", s.handleGetReport)
		})
	})
}

// Handler returns the service router.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until Shutdown is called. The listen address is fixed at construction.
func (s *Service) Start() error {
	cfg := s.currentConfig()
	log.Info().Str("addr", s.server.Addr).Str("version", s.version).
		Str("detector", privacy.Clean(cfg.DetectorURL)).Str("db", cfg.DBDriver).Msg("Posture worker listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops any running session, drains HTTP and closes storage.
func (s *Service) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.sessionManager.ShutdownAll()
	s.cancel()

	var errs []error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
