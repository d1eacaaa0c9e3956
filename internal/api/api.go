package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/sandbooks/runbox/internal/config"
	"github.com/sandbooks/runbox/internal/metrics"
	"github.com/sandbooks/runbox/internal/migrations"
	"github.com/sandbooks/runbox/internal/services"
)

// Server is the REST server fronting the sandbox services.
type Server struct {
	srv         *fasthttp.Server
	metricsSrv  *http.Server
	addr        string
	metricsAddr string
	services    *services.Services
}

// New wires config, migrations, services, and routes into a ready server.
func New() *Server {
	conf := config.ReadConfig()
	if err := conf.Validate(); err != nil {
		slog.Error("Invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	// Migrations only apply when persistence is configured; the server runs
	// fine without a database, minus API-key auth.
	if conf.DatabaseConfigured() {
		m, err := migrations.NewMigrator(conf)
		if err != nil {
			panic("unable to create migrator")
		}

		if err = m.Up(0); err != nil {
			panic("unable to run migrations")
		}
	}

	s := &Server{
		srv:         &fasthttp.Server{},
		addr:        fmt.Sprintf("0.0.0.0:%d", conf.HTTP_PORT),
		metricsAddr: fmt.Sprintf("0.0.0.0:%d", conf.METRICS_PORT),
		services:    services.NewServices(conf),
	}

	s.srv.Handler = s.initNewRoutes()

	return s
}

// Start runs the server until an OS interrupt, then shuts down gracefully.
func (s *Server) Start() {
	slog.Info("Starting REST server...", slog.String("addr", s.addr))
	s.metricsSrv = metrics.Serve(s.metricsAddr)

	go func() {
		if err := s.srv.ListenAndServe(s.addr); err != nil {
			slog.Error("Server shutdown", slog.Any("error", err))
		}
	}()
	slog.Info("REST server started!")

	// Listen for OS interrupts
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	// Block till we receive an interrupt
	<-c
	slog.Info("Received interrupt...")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	s.shutdown(ctx)
}

// shutdown stops accepting requests, then tears down services so every
// session sandbox and the shared sandbox are terminated before exit.
func (s *Server) shutdown(ctx context.Context) {
	slog.Info("Gracefully shutting down REST server...")
	if err := s.srv.Shutdown(); err != nil {
		slog.Error("Failed to shutdown the server", slog.Any("error", err))
	}

	s.services.Shutdown(ctx)

	if err := s.metricsSrv.Shutdown(ctx); err != nil {
		slog.Error("Failed to shutdown the metrics server", slog.Any("error", err))
	}
	slog.Info("REST server shutdown!")
}
