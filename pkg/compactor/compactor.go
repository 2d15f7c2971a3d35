// Package compactor runs the compactor motor for a fixed duration, detached
// from the item cycle that triggered it. At most one run is active at a time:
// a new start waits for the current run to finish (bounded by run duration
// plus a grace period) and force-stops it if it does not.
package compactor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultGrace is the extra wait a start allows an active run before
// force-stopping it.
const DefaultGrace = 5 * time.Second

// ErrStartCancelled is returned by Start when ForceStop ran while it waited.
var ErrStartCancelled = errors.New("compactor: start cancelled by force-stop")

// Actuator drives the compactor motor.
type Actuator interface {
	CompactorStart(ctx context.Context) error
	CompactorStop(ctx context.Context) error
}

// Scheduler owns the compactor run state.
type Scheduler struct {
	act   Actuator
	run   time.Duration
	grace time.Duration

	startMu sync.Mutex // Serialises Start.

	mu     sync.Mutex
	active bool
	gen    uint64
	stops  uint64 // ForceStop count; a pending Start gives up when it moves.
	timer  *time.Timer
	done   chan struct{} // Closed when the active run ends.
}

// New creates a Scheduler that keeps the compactor on for run.
func New(act Actuator, run, grace time.Duration) *Scheduler {
	return &Scheduler{
		act:   act,
		run:   run,
		grace: grace,
	}
}

// Active reports whether a run is in progress.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Start begins a run. If a run is active it first waits up to run duration
// plus grace for it to end and force-stops it otherwise. Start returns once
// the compactor-start command has been issued; the run ends on its own timer.
// A ForceStop issued while Start waits or starts wins: Start returns
// ErrStartCancelled and leaves the compactor stopped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	stops := s.stops
	s.mu.Unlock()

	if s.Active() {
		log.Warn().Msg("compactor: waiting for active run")

		if !s.WaitIdle(ctx, s.run+s.grace) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Msg("compactor: active run overdue, force-stopping")
			if err := s.halt(ctx); err != nil {
				return err
			}
		}
	}

	if s.stoppedSince(stops) {
		log.Info().Msg("compactor: start dropped after force-stop")
		return ErrStartCancelled
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.act.CompactorStart(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.stops != stops {
		s.mu.Unlock()
		log.Info().Msg("compactor: force-stopped during start, stopping again")
		if err := s.act.CompactorStop(context.WithoutCancel(ctx)); err != nil {
			log.Error().Err(err).Msg("compactor: stop after cancelled start failed")
		}
		return ErrStartCancelled
	}
	s.gen++
	gen := s.gen
	s.active = true
	s.done = make(chan struct{})
	s.timer = time.AfterFunc(s.run, func() { s.finish(context.WithoutCancel(ctx), gen) })
	s.mu.Unlock()

	log.Info().Dur("duration", s.run).Msg("compactor: started")

	return nil
}

func (s *Scheduler) stoppedSince(stops uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops != stops
}

// finish ends run gen when its timer fires.
func (s *Scheduler) finish(ctx context.Context, gen uint64) {
	s.mu.Lock()
	current := s.active && s.gen == gen
	s.mu.Unlock()

	if !current {
		return
	}

	if err := s.act.CompactorStop(ctx); err != nil {
		log.Error().Err(err).Msg("compactor: stop after run failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active && s.gen == gen {
		s.clear()
		log.Info().Msg("compactor: finished")
	}
}

// clear marks the run ended. Callers hold s.mu.
func (s *Scheduler) clear() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	s.gen++
	s.active = false

	if s.done != nil {
		close(s.done)
		s.done = nil
	}
}

// ForceStop cancels the run timer, issues compactor-stop unconditionally and
// clears the active flag. Any Start still waiting for the previous run gives
// up without starting.
func (s *Scheduler) ForceStop(ctx context.Context) error {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()

	return s.halt(ctx)
}

// halt ends the active run without cancelling pending starts.
func (s *Scheduler) halt(ctx context.Context) error {
	s.mu.Lock()
	s.clear()
	s.mu.Unlock()

	return s.act.CompactorStop(ctx)
}

// WaitIdle blocks until no run is active, timeout elapses or ctx is done. It
// reports whether the compactor is idle.
func (s *Scheduler) WaitIdle(ctx context.Context, timeout time.Duration) bool {
	s.mu.Lock()
	done := s.done
	active := s.active
	s.mu.Unlock()

	if !active {
		return true
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-done:
		return true
	case <-t.C:
		return !s.Active()
	case <-ctx.Done():
		return !s.Active()
	}
}
