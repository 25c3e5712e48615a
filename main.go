package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"canvas-collab/collab"
	"canvas-collab/config"
	"canvas-collab/core"
	"canvas-collab/handlers/api/canvases"
	"canvas-collab/handlers/api/rooms"
	"canvas-collab/handlers/websocket"
	"canvas-collab/maintenance"
	"canvas-collab/metrics"
	authmw "canvas-collab/middleware"
	"canvas-collab/stores"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"
	"go.uber.org/multierr"
)

const shutdownTimeout = 10 * time.Second

func setupRouter(cfg *config.Config, store core.Store, hub *collab.Hub, m *metrics.Metrics) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	corsOptions := cors.Options{
		AllowedOrigins: []string{"tauri://localhost"},
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			if origin == "" {
				return false
			}

			parsed, err := url.Parse(origin)
			if err != nil {
				return false
			}

			switch parsed.Scheme {
			case "http", "https":
				switch parsed.Hostname() {
				case "localhost", "127.0.0.1", "[::1]":
					return true
				}
			case "tauri":
				return parsed.Hostname() == "localhost"
			}

			return false
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	r.Use(cors.Handler(corsOptions))

	auth := authmw.NewAuth(cfg.JWTSecret)
	if cfg.JWTSecret == "" {
		logrus.Warn("JWT_SECRET is not set, owner API will reject every request")
	}

	r.Mount("/api/canvases", canvases.Routes(store, cfg.MaxParticipants, auth.Middleware))
	r.Mount("/api/rooms", rooms.Routes(hub, store))
	r.Handle("/ws", websocket.NewHandler(hub))
	r.Handle("/metrics", m.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]any{"status": "ok", "rooms": hub.Registry().Len()})
	})

	return r
}

func closeSocketIO(ioo *socketio.Server) error {
	done := make(chan error, 1)
	ioo.Close(func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-time.After(shutdownTimeout):
		return errors.New("socket.io server did not close in time")
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	store, err := stores.GetStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	m, err := metrics.New(metrics.Options{WithRuntime: true})
	if err != nil {
		return multierr.Append(fmt.Errorf("register metrics: %w", err), store.Close())
	}

	hub := collab.NewHub(store,
		collab.WithMetrics(m),
		collab.WithRegistry(collab.NewRegistry(collab.WithDefaultCapacity(cfg.MaxParticipants))),
		collab.WithCursorRateLimit(cfg.CursorRateLimit),
		collab.WithIdleThreshold(cfg.IdleThreshold),
		collab.WithLockIdleTimeout(cfg.LockIdleTimeout),
	)

	janitor := maintenance.NewJanitor(hub, store, cfg.SweepInterval, cfg.IdleThreshold)
	if err := janitor.Start(); err != nil {
		hub.Close()
		return multierr.Append(fmt.Errorf("start janitor: %w", err), store.Close())
	}

	r := setupRouter(cfg, store, hub, m)
	ioo := websocket.SetupSocketIO(hub)
	r.Handle("/socket.io/", ioo.ServeHandler(nil))

	server := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	serveErr := make(chan error, 1)
	logrus.WithField("addr", cfg.ListenAddr).Info("starting server")
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(signalC)

	var errs error
	select {
	case err := <-serveErr:
		errs = multierr.Append(errs, fmt.Errorf("serve: %w", err))
	case sig := <-signalC:
		logrus.WithField("signal", sig.String()).Info("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	<-janitor.Stop().Done()
	errs = multierr.Append(errs, closeSocketIO(ioo))
	errs = multierr.Append(errs, server.Shutdown(shutdownCtx))
	hub.Close()
	errs = multierr.Append(errs, store.Close())
	return errs
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := run(cfg); err != nil {
		logrus.WithError(err).Error("Server stopped with errors")
		os.Exit(1)
	}
	logrus.Info("Server stopped")
}
