// Package scheduler drives the cron-based backup loop: a file-backup cron,
// an optional full-image cron, and a config-resync timer, generalizing the
// teacher's single-cron "Scheduler" (cron + atomic.Bool running guard) to
// spec.md §4.1's multi-schedule model.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/zimbackup/agent/internal/config"
	"github.com/zimbackup/agent/internal/executor"
)

// State is one of the three states the scheduler publishes on StateChanges.
type State int

const (
	StateIdle State = iota
	StateWaiting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// errorCooldown is how long the loop backs off after a run-dispatch error,
// the same named-constant style as the teacher's resume/backoff constants.
const errorCooldown = 5 * time.Minute

// RunFunc executes one backup run of the given kind and returns its
// RunResult (spec §4.1: "a second signal fires with the RunResult after
// each run"). The error return is reserved for structural failures; per-file
// failures are reported through the returned RunResult itself.
type RunFunc func(ctx context.Context, kind string) (executor.RunResult, error)

// Scheduler coordinates the file-backup cron, the optional full-image cron,
// and the config resync timer against a single task loop (spec §5: "single
// task loop, cooperative suspension").
type Scheduler struct {
	mu  sync.Mutex
	cfg *config.Config
	run RunFunc

	fileCron  cron.Schedule
	imageCron cron.Schedule

	trigger     chan struct{}
	stateChange chan State
	completed   chan executor.RunResult

	state State

	resyncInterval time.Duration
	now            func() time.Time

	nextScheduled time.Time
}

// New builds a Scheduler from cfg. Cron expressions are parsed eagerly so a
// malformed configuration fails at construction rather than mid-loop.
func New(cfg *config.Config, run RunFunc) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	fileCron, err := parser.Parse(cfg.FileBackupCron)
	if err != nil {
		return nil, fmt.Errorf("parsing fileBackupCron: %w", err)
	}

	var imageCron cron.Schedule
	if cfg.EnableFullImageBackup {
		imageCron, err = parser.Parse(cfg.FullImageCron)
		if err != nil {
			return nil, fmt.Errorf("parsing fullImageCron: %w", err)
		}
	}

	resync := time.Duration(cfg.ConfigSyncIntervalMinutes) * time.Minute
	if resync <= 0 {
		resync = time.Duration(config.DefaultConfigSyncIntervalMinutes) * time.Minute
	}

	return &Scheduler{
		cfg:            cfg,
		run:            run,
		fileCron:       fileCron,
		imageCron:      imageCron,
		trigger:        make(chan struct{}, 1),
		stateChange:    make(chan State, 8),
		completed:      make(chan executor.RunResult, 8),
		resyncInterval: resync,
		now:            time.Now,
	}, nil
}

// StateChanges returns the channel State transitions are published on.
func (s *Scheduler) StateChanges() <-chan State { return s.stateChange }

// CurrentState reports the scheduler's state as of the last transition
// (spec §4.1's "current_state() — observer").
func (s *Scheduler) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NextScheduledUTC reports the earlier of the next file and image backup
// fire times as of the last computed wakeup; the resync timer is not
// included (spec §4.1's "next_scheduled_utc()
// — observer"). It is zero until Run has computed its first wakeup.
func (s *Scheduler) NextScheduledUTC() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextScheduled
}

// Completed returns the channel each run's RunResult is published on after
// the run attempt finishes (spec §4.1's "BackupCompleted(result)" signal).
func (s *Scheduler) Completed() <-chan executor.RunResult { return s.completed }

// TriggerNow requests an immediate run. The request is a one-slot signal
// (spec §5's "trigger signal is a one-slot semaphore; overflowing releases
// are discarded"): a trigger while Waiting starts a run within one
// iteration; a trigger while Running is dropped, matching Testable Property
// 9.
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	select {
	case s.stateChange <- st:
	default:
	}
}

// Run blocks, driving the loop until ctx is cancelled. It computes the next
// fire time among the file cron, the (optional) image cron, and the resync
// timer, waits for whichever is soonest or for TriggerNow, and dispatches
// exactly one run per wakeup.
func (s *Scheduler) Run(ctx context.Context, log zerolog.Logger) {
	nextFile := s.fileCron.Next(s.now())
	var nextImage time.Time
	if s.imageCron != nil {
		nextImage = s.imageCron.Next(s.now())
	}
	nextResync := s.now().Add(s.resyncInterval)

	s.setState(StateIdle)

	for {
		wait, kind := s.nextWake(nextFile, nextImage, nextResync)

		// next_scheduled_utc (spec §4.1) tracks the earlier of the two
		// backup crons, not the resync timer.
		nextBackup := nextFile
		if s.imageCron != nil && nextImage.Before(nextBackup) {
			nextBackup = nextImage
		}
		s.mu.Lock()
		s.nextScheduled = nextBackup
		s.mu.Unlock()

		s.setState(StateWaiting)

		select {
		case <-ctx.Done():
			s.setState(StateIdle)
			return

		case <-s.trigger:
			s.dispatch(ctx, "file", log)

		case <-time.After(wait):
			switch kind {
			case "file":
				s.dispatch(ctx, "file", log)
				nextFile = s.fileCron.Next(s.now())
			case "image":
				s.dispatch(ctx, "full_image", log)
				nextImage = s.imageCron.Next(s.now())
			case "resync":
				s.dispatch(ctx, "config_sync", log)
				nextResync = s.now().Add(s.resyncInterval)
			}
		}
	}
}

func (s *Scheduler) nextWake(nextFile, nextImage, nextResync time.Time) (time.Duration, string) {
	now := s.now()
	best := nextFile
	kind := "file"

	if s.imageCron != nil && nextImage.Before(best) {
		best = nextImage
		kind = "image"
	}
	if nextResync.Before(best) {
		best = nextResync
		kind = "resync"
	}

	wait := best.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait, kind
}

func (s *Scheduler) dispatch(ctx context.Context, kind string, log zerolog.Logger) {
	s.setState(StateRunning)
	result, err := s.run(ctx, kind)
	s.setState(StateIdle)

	// Drop any trigger that arrived while this run was in flight: spec §4.1
	// says "a second trigger during a run is ignored," but TriggerNow's
	// one-slot channel has no notion of state and would otherwise buffer a
	// mid-run release and dispatch a spurious extra run on the very next
	// iteration.
	select {
	case <-s.trigger:
	default:
	}

	select {
	case s.completed <- result:
	default:
	}

	if err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("run dispatch failed, entering cooldown")
		select {
		case <-ctx.Done():
		case <-time.After(errorCooldown):
		}
	}
}
