// Package jobs runs the periodic maintenance tasks: pinging the tunnelled
// database and expiring stale pending appointments.
package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/jomxxx/mcwdserver2/internal/database"
)

// Schedules and per-run timeout. Tests shorten them.
var (
	healthCheckSpec = "@every 30s"
	expireSpec      = "@every 15m"
	jobTimeout      = 30 * time.Second
)

// Tunnel is the part of the connection provider the jobs use.
type Tunnel interface {
	Ready() bool
	HealthCheck(ctx context.Context) error
	Acquire(ctx context.Context) (*gorm.DB, error)
	ReportError(err error) bool
}

type Scheduler struct {
	cron   *cron.Cron
	tunnel Tunnel
	loc    *time.Location
	now    func() time.Time
}

func New(tunnel Tunnel, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		tunnel: tunnel,
		loc:    loc,
		now:    time.Now,
	}
}

// Start registers the jobs and starts the scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(healthCheckSpec, s.checkHealth); err != nil {
		return fmt.Errorf("schedule health check: %w", err)
	}
	if _, err := s.cron.AddFunc(expireSpec, s.expireStale); err != nil {
		return fmt.Errorf("schedule expiry: %w", err)
	}
	s.cron.Start()
	log.Printf("[jobs] started (health %s, expiry %s)", healthCheckSpec, expireSpec)
	return nil
}

// Stop stops scheduling and waits for running jobs, or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running jobs: %w", ctx.Err())
	}
}

func (s *Scheduler) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if err := s.tunnel.HealthCheck(ctx); err != nil {
		log.Printf("[jobs] health check: %v", err)
	}
}

// expireStale only runs against a live connection; it never opens a tunnel.
func (s *Scheduler) expireStale() {
	if !s.tunnel.Ready() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	db, err := s.tunnel.Acquire(ctx)
	if err != nil {
		log.Printf("[jobs] expire stale appointments: %v", err)
		return
	}
	n, err := database.ExpireStale(ctx, db, s.now().In(s.loc))
	if err != nil {
		s.tunnel.ReportError(err)
		log.Printf("[jobs] %v", err)
		return
	}
	if n > 0 {
		log.Printf("[jobs] expired %d appointment(s)", n)
	}
}
