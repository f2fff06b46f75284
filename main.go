package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jomxxx/mcwdserver2/internal/config"
	"github.com/jomxxx/mcwdserver2/internal/handlers"
	"github.com/jomxxx/mcwdserver2/internal/jobs"
	"github.com/jomxxx/mcwdserver2/internal/logging"
	"github.com/jomxxx/mcwdserver2/internal/metrics"
	"github.com/jomxxx/mcwdserver2/internal/middleware"
	"github.com/jomxxx/mcwdserver2/internal/queue"
	"github.com/jomxxx/mcwdserver2/internal/sshtunnel"
)

func main() {
	config.Load()
	cfg := config.Cfg

	if err := logging.Init(cfg.LogPath); err != nil {
		log.Printf("WARNING: %v", err)
	}
	defer logging.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	provider, err := sshtunnel.NewFromSettings(cfg, m)
	if err != nil {
		log.Fatalf("Tunnel init: %v", err)
	}
	log.Printf("Config: ssh=%s@%s:%d db=%s:%d/%s retries=%d delay=%s",
		cfg.SSHUsername, cfg.SSHHost, cfg.SSHPort, cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBRetries, cfg.DBRetryDelay)

	q := queue.New(m)
	h := handlers.New(provider, provider, m, cfg.Location(), cfg.SlotCapacity)

	scheduler := jobs.New(provider, cfg.Location())
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Scheduler init: %v", err)
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/appointments/stats", h.Stats)
		r.Get("/db/status", h.DBStatus)

		// Appointment reads and writes run one at a time.
		r.Group(func(r chi.Router) {
			r.Use(q.Middleware)

			r.Post("/appointments", h.CreateAppointment)
			r.Get("/appointments", h.ListAppointments)
			r.Get("/appointments/fully-booked", h.FullyBooked)
		})
	})

	spa := middleware.NewSPAHandler(os.DirFS(cfg.StaticDir))
	r.NotFound(spa.ServeHTTP)

	addr := ":" + cfg.Port
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("Port %s is already in use or unavailable: %v", cfg.Port, err)
	}

	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		log.Printf("Scheduler shutdown: %v", err)
	}
	if err := q.Stop(shutdownCtx); err != nil {
		log.Printf("Queue shutdown: %v", err)
	}
	if err := provider.Release(shutdownCtx); err != nil {
		log.Printf("Database release: %v", err)
	}
	log.Println("Server stopped")
}
