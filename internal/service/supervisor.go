package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/gapd-project/gapd/internal/model"
)

// Sessions is the part of session.Manager the supervisor drives.
type Sessions interface {
	Heal(ctx context.Context, prestart bool) (bool, error)
	Recycle(ctx context.Context, maxAge time.Duration) bool
	Ping(ctx context.Context, timeout time.Duration) error
}

// Report describes one health pass.
type Report struct {
	Reason   string
	Started  time.Time
	Stopped  time.Time
	Healed   bool
	Recycled bool
	Err      error
}

type Supervisor struct {
	sessions    Sessions
	prestart    bool
	maxAge      time.Duration
	pingTimeout time.Duration
	scheduler   gocron.Scheduler

	check    chan string
	results  chan Report
	onReport func(Report)
	running  bool
	wg       sync.WaitGroup
}

// NewSupervisor builds a supervisor from the health section of cfg.
func NewSupervisor(ctx context.Context, cfg model.Config, sessions Sessions) (*Supervisor, error) {
	supervisor := &Supervisor{
		sessions:    sessions,
		prestart:    cfg.Health.PrestartOr(),
		maxAge:      cfg.Health.MaxAgeOr(),
		pingTimeout: cfg.Engine.DefaultTimeoutOr(),
		check:       make(chan string, 1),
		results:     make(chan Report, 1),
	}
	scheduler, err := newScheduler(ctx, cfg.Health, func() { supervisor.Check("schedule") })
	if err != nil {
		return nil, err
	}
	supervisor.scheduler = scheduler
	return supervisor, nil
}

// WithReportFunc registers fn called from the event loop after each pass.
// This method exists for a unit testing only.
func (s *Supervisor) WithReportFunc(fn func(Report)) *Supervisor {
	s.onReport = fn
	return s
}

// Check asks for a health pass. It never blocks; a pending request absorbs
// the new one.
func (s *Supervisor) Check(reason string) {
	select {
	case s.check <- reason:
	default:
	}
}

// Do runs the supervisor event loop until ctx is cancelled. With prestart
// the first pass starts the engine right away.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a health supervisor", "prestart", s.prestart, "max_age", s.maxAge)

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			err := s.scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	defer func() {
		s.wg.Wait()
	}()

	if s.prestart {
		s.Check("prestart")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case reason := <-s.check:
			if s.running {
				slog.DebugContext(ctx, "health pass in progress: ignoring", "reason", reason)
				continue
			}
			s.running = true
			s.wg.Go(func() {
				report := s.pass(ctx, reason)
				select {
				case s.results <- report:
				case <-ctx.Done():
				}
			})
		case report := <-s.results:
			s.running = false
			switch {
			case report.Err != nil:
				slog.WarnContext(ctx, "health pass failed", "reason", report.Reason, "error", report.Err)
			case report.Healed || report.Recycled:
				slog.InfoContext(ctx, "health pass replaced the session", "reason", report.Reason, "healed", report.Healed, "recycled", report.Recycled)
			default:
				slog.DebugContext(ctx, "health pass ok", "reason", report.Reason)
			}
			if s.onReport != nil {
				s.onReport(report)
			}
		}
	}
}

func (s *Supervisor) pass(ctx context.Context, reason string) Report {
	r := Report{Reason: reason, Started: time.Now().UTC()}

	var errs []error
	healed, err := s.sessions.Heal(ctx, s.prestart)
	r.Healed = healed
	errs = append(errs, err)

	if s.sessions.Recycle(ctx, s.maxAge) {
		r.Recycled = true
		if s.prestart {
			_, err = s.sessions.Heal(ctx, true)
			errs = append(errs, err)
		}
	} else if err == nil {
		errs = append(errs, s.sessions.Ping(ctx, s.pingTimeout))
	}
	r.Err = errors.Join(errs...)
	r.Stopped = time.Now().UTC()
	return r
}
