package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"plyr/internal/config"
	"plyr/internal/notify"
	"plyr/internal/queue"
	"plyr/internal/session"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// QueueServer serves the canonical queue over HTTP
type QueueServer struct {
	config     *config.Config
	configPath string
	service    *queue.Service
	hub        *notify.Hub
	devices    *session.Manager
	limiter    *ownerLimiter
	logger     *logrus.Logger
	upgrader   websocket.Upgrader
	watcher    *fsnotify.Watcher
}

// NewQueueServer creates a new queue server instance. configPath may be empty
// when the configuration does not come from a file.
func NewQueueServer(cfg *config.Config, configPath string, svc *queue.Service, hub *notify.Hub, logger *logrus.Logger) *QueueServer {
	return &QueueServer{
		config:     cfg,
		configPath: configPath,
		service:    svc,
		hub:        hub,
		devices:    session.NewManager(session.DefaultActivityTimeout),
		limiter:    newOwnerLimiter(cfg.Server.WriteRate, cfg.Server.WriteBurst),
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Behind the gateway that sets X-User-Id; origin is checked there.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the chi router with all routes and middleware
func (qs *QueueServer) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(qs.panicRecoveryMiddleware)
	r.Use(qs.requestLoggingMiddleware)
	r.Use(qs.corsMiddleware)

	r.Get("/health", qs.handleHealthCheck)

	r.Route("/queue", func(r chi.Router) {
		r.Use(qs.requireUser)
		r.Get("/", qs.handleGetQueue)
		r.Put("/", qs.handlePutQueue)
		r.Get("/events", qs.handleQueueEvents)
		r.Get("/devices", qs.handleGetDevices)
	})

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (qs *QueueServer) Start(ctx context.Context) error {
	if qs.configPath != "" {
		if err := qs.startConfigWatcher(); err != nil {
			qs.logger.WithError(err).Warn("Could not start config watcher")
		} else {
			defer qs.stopConfigWatcher()
		}
	}

	server := &http.Server{
		Addr:              qs.config.GetAddress(),
		Handler:           qs.Router(),
		ReadHeaderTimeout: time.Duration(qs.config.Server.ReadTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		qs.logger.WithFields(logrus.Fields{
			"address":  qs.config.GetAddress(),
			"database": qs.config.Database.Driver,
			"notify":   qs.config.Notify.Driver,
		}).Info("plyr server starting")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	qs.logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
