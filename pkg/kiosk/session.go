package kiosk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/germanamz/rvm/pkg/backend"
	"github.com/germanamz/rvm/pkg/hardware"
	"github.com/germanamz/rvm/pkg/journal"
	"github.com/germanamz/rvm/pkg/material"
	"github.com/rs/zerolog/log"
)

// Mode is the kind of session.
type Mode string

const (
	ModeMember Mode = "member"
	ModeGuest  Mode = "guest"
)

// End reasons.
const (
	reasonEnded       = "ended"
	reasonInactivity  = "inactivity"
	reasonMaxDuration = "max_duration"
	reasonAbandoned   = "abandoned"
)

// ItemCounts are per-material item counts.
type ItemCounts struct {
	PET      int `json:"pet"`
	Aluminum int `json:"aluminum"`
	Glass    int `json:"glass"`
}

// Item is one accepted item.
type Item struct {
	Seq        int               `json:"seq"`
	Material   material.Material `json:"material"`
	Weight     float64           `json:"weight"`
	Confidence int               `json:"confidence"`
	ClassName  string            `json:"className"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Session is the state of one recycling session. It is owned by the control
// loop.
type Session struct {
	Code           string
	Mode           Mode
	UserID         string
	UserName       string
	BackendID      string
	StartedAt      time.Time
	ItemsProcessed int
	TotalWeight    float64
	TotalPoints    float64
	Counts         ItemCounts
	Items          []Item
	Active         bool

	journalID string
}

func (s *Session) addItem(it Item) {
	s.ItemsProcessed++
	s.TotalWeight = math.Round((s.TotalWeight+it.Weight)*10) / 10
	s.Items = append(s.Items, it)

	switch it.Material {
	case material.PlasticBottle:
		s.Counts.PET++
	case material.MetalCan:
		s.Counts.Aluminum++
	case material.Glass:
		s.Counts.Glass++
	}
}

// SessionView is the externally visible part of a session.
type SessionView struct {
	Code           string        `json:"code"`
	Mode           Mode          `json:"mode"`
	UserID         string        `json:"userId,omitempty"`
	UserName       string        `json:"userName,omitempty"`
	StartedAt      time.Time     `json:"startedAt"`
	Duration       time.Duration `json:"duration"`
	ItemsProcessed int           `json:"itemsProcessed"`
	TotalWeight    float64       `json:"totalWeight"`
	TotalPoints    float64       `json:"totalPoints"`
	Counts         ItemCounts    `json:"counts"`
	Active         bool          `json:"active"`
}

func (s *Session) view() SessionView {
	return SessionView{
		Code:           s.Code,
		Mode:           s.Mode,
		UserID:         s.UserID,
		UserName:       s.UserName,
		StartedAt:      s.StartedAt,
		Duration:       time.Since(s.StartedAt),
		ItemsProcessed: s.ItemsProcessed,
		TotalWeight:    s.TotalWeight,
		TotalPoints:    s.TotalPoints,
		Counts:         s.Counts,
		Active:         s.Active,
	}
}

// Summary is the local account of a finished session.
type Summary struct {
	SessionCode    string        `json:"sessionCode"`
	Mode           Mode          `json:"mode"`
	UserID         string        `json:"userId,omitempty"`
	ItemsProcessed int           `json:"itemsProcessed"`
	TotalWeight    float64       `json:"totalWeight"`
	TotalPoints    float64       `json:"totalPoints"`
	Counts         ItemCounts    `json:"counts"`
	Duration       time.Duration `json:"duration"`
	Reason         string        `json:"reason"`
}

// EndResult is returned by [Kiosk.EndSession].
type EndResult struct {
	Summary Summary           `json:"summary"`
	Backend backend.EndResult `json:"backend"`
}

// do runs fn on the control loop regardless of any caller deadline.
func (k *Kiosk) do(fn func()) error {
	return k.exec(context.Background(), fn)
}

// ValidateMember checks a scanned member code with the accounting service.
func (k *Kiosk) ValidateMember(ctx context.Context, code string) (backend.User, error) {
	return k.backend.ValidateSession(ctx, code)
}

// StartMemberSession starts a session for a validated member and brings the
// hardware up. It returns once the kiosk is ready for the first item.
func (k *Kiosk) StartMemberSession(ctx context.Context, user backend.User) error {
	if user.SessionCode == "" {
		return fmt.Errorf("kiosk: start member session: %w", backend.ErrInvalidSessionCode)
	}

	gen, err := k.claimStart("Session active - Place your bottle")
	if err != nil {
		return err
	}

	log.Info().Str("user", user.DisplayName()).Msg("kiosk: member session start")

	return k.openSession(ctx, gen, &Session{
		Code:     user.SessionCode,
		Mode:     ModeMember,
		UserID:   user.ID,
		UserName: user.DisplayName(),
	})
}

// StartGuestSession opens a guest session with the accounting service, brings
// the hardware up and returns the assigned session code.
func (k *Kiosk) StartGuestSession(ctx context.Context) (string, error) {
	gen, err := k.claimStart("Starting guest session...")
	if err != nil {
		return "", err
	}

	log.Info().Msg("kiosk: guest session start")

	gs, err := k.backend.StartGuest(ctx)
	if err != nil {
		log.Error().Err(err).Msg("kiosk: guest session start failed")

		_ = k.do(func() {
			if k.sessionGen != gen || !k.starting {
				return
			}
			k.starting = false
			k.recordError("start guest session", err)
			k.setStatus(StatusError, err.Error())
		})
		return "", err
	}

	log.Info().Str("session", gs.Code).Msg("kiosk: guest session created")

	err = k.openSession(ctx, gen, &Session{
		Code:      gs.Code,
		Mode:      ModeGuest,
		BackendID: gs.ID,
	})
	if errors.Is(err, ErrStartAborted) {
		return "", err
	}

	return gs.Code, err
}

// claimStart reserves the right to start a session. It returns the session
// generation the claim holds under; an emergency stop moves it on.
func (k *Kiosk) claimStart(msg string) (uint64, error) {
	var (
		err error
		gen uint64
	)

	doErr := k.do(func() {
		switch {
		case k.hw.ModuleID() == "":
			err = ErrNotReady
		case k.starting || k.ending:
			err = ErrBusy
		case k.session != nil && k.session.Active:
			err = ErrSessionActive
		default:
			k.starting = true
			gen = k.sessionGen
			k.setStatus(StatusActive, msg)
		}
	})
	if doErr != nil {
		return 0, doErr
	}

	return gen, err
}

// openSession installs sess, arms the session timers and runs the hardware
// bring-up. claimed is the generation returned by claimStart; if the claim
// was revoked meanwhile, sess is not installed and ErrStartAborted is
// returned.
func (k *Kiosk) openSession(ctx context.Context, claimed uint64, sess *Session) error {
	var (
		gen     uint64
		sessCtx context.Context
		prev    *Session
		revoked bool
	)

	err := k.do(func() {
		if k.sessionGen != claimed || !k.starting {
			revoked = true
			return
		}

		prev = k.session

		k.abortCycle()
		k.timers.CancelAll()
		k.det.clear()

		sess.StartedAt = time.Now()
		sess.Active = true
		k.session = sess
		k.sessionGen++
		gen = k.sessionGen

		k.sessCancel()
		k.sessCtx, k.sessCancel = context.WithCancel(k.ctx)
		sessCtx = k.sessCtx

		k.autoCycle = true
		k.lastResult = nil
		k.lastWeight = nil
		k.armSessionTimers()
		k.publish(EventSessionStarted, sess.view())
	})
	if err != nil {
		return err
	}
	if revoked {
		log.Warn().Str("session", sess.Code).Msg("kiosk: session start aborted by emergency stop")
		return ErrStartAborted
	}

	if prev != nil {
		k.closeJournal(prev, Summary{ItemsProcessed: prev.ItemsProcessed, TotalWeight: prev.TotalWeight, TotalPoints: prev.TotalPoints}, reasonAbandoned, false)
	}
	k.openJournal(ctx, sess)

	log.Info().Str("session", sess.Code).Msg("kiosk: initializing hardware")
	bringUpErr := k.bringUp(sessCtx)

	_ = k.do(func() {
		if k.sessionGen != gen {
			return
		}

		k.starting = false

		if bringUpErr != nil {
			k.autoCycle = false
			k.recordError("session bring-up", bringUpErr)
			k.setStatus(StatusError, "Hardware initialization failed")
			return
		}

		k.setStatus(StatusReady, "Ready - Place your recyclables")
		k.armDetection()
	})

	if bringUpErr != nil {
		return fmt.Errorf("kiosk: bring-up: %w", bringUpErr)
	}

	log.Info().Str("session", sess.Code).Msg("kiosk: session ready")

	return nil
}

// bringUp stops the belt and compactor, homes the stepper, zeroes the scale
// and opens the gate.
func (k *Kiosk) bringUp(ctx context.Context) error {
	t := k.cfg.Timing

	return steps(
		func() error { return k.hw.Belt(ctx, hardware.BeltStop) },
		func() error {
			if k.compactor.Active() {
				return k.compactor.ForceStop(ctx)
			}
			return nil
		},
		func() error { return k.hw.Stepper(ctx, hardware.StepperHome) },
		func() error { return sleep(ctx, t.StepperHomeSettle) },
		func() error { return k.hw.CalibrateWeight(ctx) },
		func() error { return sleep(ctx, t.CalibrationSettle) },
		func() error { return k.hw.OpenGate(ctx) },
		func() error { return sleep(ctx, t.GateOperation) },
	)
}

func (k *Kiosk) armSessionTimers() {
	k.rearmInactivity()
	k.timers.Schedule(timerMaxDuration, k.cfg.Timing.SessionMaxDuration, func() {
		k.handleTimeout(reasonMaxDuration)
	})
}

// pauseDetection stops detection from starting new cycles. A cycle already
// in progress keeps running.
func (k *Kiosk) pauseDetection() {
	k.autoCycle = false

	for _, name := range detectionTimers {
		if name != timerCycleStart {
			k.timers.Cancel(name)
		}
	}

	if !k.det.phase.cycleInProgress() {
		k.det.clear()
	}
}

// EndSession waits for an in-progress cycle, closes the session with the
// accounting service and resets the hardware. If the service call fails the
// session is kept and the error is returned so the operator can retry.
func (k *Kiosk) EndSession(ctx context.Context) (EndResult, error) {
	var (
		sess     *Session
		done     <-chan struct{}
		wasAuto  bool
		claimErr error
	)

	err := k.do(func() {
		switch {
		case k.session == nil:
			claimErr = ErrNoSession
		case k.ending || k.starting:
			claimErr = ErrBusy
		default:
			k.ending = true
			sess = k.session
			wasAuto = k.autoCycle
			k.pauseDetection()
			done = k.cycleDone()
			k.setStatus(StatusProcessing, "Ending session...")
		}
	})
	if err != nil {
		return EndResult{}, err
	}
	if claimErr != nil {
		return EndResult{}, claimErr
	}

	log.Info().Str("session", sess.Code).Msg("kiosk: ending session")

	if !waitFor(ctx, done, k.cfg.Timing.CycleWait) {
		log.Warn().Msg("kiosk: cycle still running, ending anyway")
	}

	var items int
	_ = k.do(func() { items = sess.ItemsProcessed })

	res, err := k.backend.EndSession(ctx, sess.Code, items)
	if err != nil {
		log.Error().Err(err).Str("session", sess.Code).Msg("kiosk: end session failed")

		_ = k.do(func() {
			k.ending = false
			k.recordError("end session", err)
			k.setStatus(StatusError, "End session failed: "+err.Error())

			if k.session == sess && sess.Active && wasAuto {
				k.autoCycle = true
				k.armDetection()
			}
		})

		return EndResult{}, err
	}

	log.Info().Str("session", sess.Code).Float64("points", res.Summary.TotalPoints).Msg("kiosk: session ended")

	summary := k.reset(sess, reasonEnded, &res)

	return EndResult{Summary: summary, Backend: res}, nil
}

// handleTimeout ends the session locally after inactivity or when the
// maximum duration is reached. The accounting service is not notified.
func (k *Kiosk) handleTimeout(reason string) {
	if k.session == nil || !k.session.Active || k.ending {
		return
	}

	log.Warn().Str("reason", reason).Str("session", k.session.Code).Msg("kiosk: session timeout")

	k.ending = true
	k.pauseDetection()
	k.timers.CancelAll(timerInactivity, timerMaxDuration)

	sess := k.session
	done := k.cycleDone()

	k.goTask(func() {
		if !waitFor(k.ctx, done, k.cfg.Timing.CycleWait) {
			log.Warn().Msg("kiosk: cycle still running, resetting anyway")
		}
		k.reset(sess, reason, nil)
	})
}

// reset returns the hardware to its idle position, clears sess and returns
// its local summary.
func (k *Kiosk) reset(sess *Session, reason string, end *backend.EndResult) Summary {
	ctx := k.ctx

	log.Info().Str("reason", reason).Msg("kiosk: reset")

	_ = k.do(func() {
		k.autoCycle = false
		k.timers.CancelAll(detectionTimers...)
	})

	if !k.compactor.WaitIdle(ctx, k.cfg.Timing.Compactor+k.cfg.Timing.ResetCompactorGrace) {
		if err := k.compactor.ForceStop(ctx); err != nil {
			log.Error().Err(err).Msg("kiosk: reset compactor")
		}
	}

	err := steps(
		func() error { return k.hw.CloseGate(ctx) },
		func() error { return sleep(ctx, k.cfg.Timing.GateOperation) },
		func() error { return k.hw.Belt(ctx, hardware.BeltStop) },
	)
	if err != nil {
		log.Error().Err(err).Msg("kiosk: reset error")
	}

	var summary Summary

	_ = k.do(func() {
		summary = Summary{
			SessionCode:    sess.Code,
			Mode:           sess.Mode,
			UserID:         sess.UserID,
			ItemsProcessed: sess.ItemsProcessed,
			TotalWeight:    sess.TotalWeight,
			TotalPoints:    sess.TotalPoints,
			Counts:         sess.Counts,
			Duration:       time.Since(sess.StartedAt),
			Reason:         reason,
		}
		if end != nil {
			summary.TotalPoints = end.Summary.TotalPoints
		}

		if k.session != sess {
			return
		}

		k.publish(EventSessionEnded, summary)

		k.session = nil
		k.sessionGen++
		k.abortCycle()
		k.det.clear()
		k.timers.CancelAll()
		k.sessCancel()
		k.sessCtx, k.sessCancel = k.ctx, func() {}
		k.ending = false
		k.lastResult = nil
		k.lastWeight = nil
		k.setStatus(StatusReady, "System ready")
	})

	k.closeJournal(sess, summary, reason, end != nil)

	return summary
}

// EmergencyStop halts all motion immediately and deactivates the session.
// It does not wait for anything. The session counters are kept so the
// session can still be ended with the accounting service.
func (k *Kiosk) EmergencyStop(ctx context.Context) error {
	log.Warn().Msg("kiosk: EMERGENCY STOP")

	err := k.do(func() {
		k.autoCycle = false
		k.abortCycle()
		k.timers.CancelAll()
		k.det.clear()
		k.sessCancel()
		k.sessCtx, k.sessCancel = k.ctx, func() {}
		k.sessionGen++
		k.starting = false

		if k.session != nil {
			k.session.Active = false
		}

		k.lastErr = "emergency stop"
		k.setStatus(StatusError, "Emergency stop activated")
	})
	if err != nil {
		return err
	}

	return errors.Join(
		k.hw.CloseGate(ctx),
		k.hw.Belt(ctx, hardware.BeltStop),
		k.compactor.ForceStop(ctx),
	)
}

// waitFor waits until done is closed, d elapses or ctx ends. It reports
// whether done was closed.
func waitFor(ctx context.Context, done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-done:
		return true
	case <-t.C:
	case <-ctx.Done():
	}

	select {
	case <-done:
		return true
	default:
		return false
	}
}

func (k *Kiosk) openJournal(ctx context.Context, sess *Session) {
	if k.journal == nil {
		return
	}

	id, err := k.journal.OpenSession(ctx, journal.Session{
		Code:             sess.Code,
		Mode:             journal.Mode(sess.Mode),
		UserID:           sess.UserID,
		BackendSessionID: sess.BackendID,
		DeviceID:         k.cfg.Device.ID,
		StartedAt:        sess.StartedAt,
	})
	if err != nil {
		log.Error().Err(err).Msg("kiosk: journal session failed")
		return
	}

	_ = k.do(func() { sess.journalID = id })
}

func (k *Kiosk) closeJournal(sess *Session, s Summary, reason string, synced bool) {
	if k.journal == nil {
		return
	}

	var id string
	_ = k.do(func() { id = sess.journalID })
	if id == "" {
		return
	}

	err := k.journal.CloseSession(k.ctx, id, journal.Closing{
		EndedAt:        time.Now(),
		ItemsProcessed: s.ItemsProcessed,
		TotalWeight:    s.TotalWeight,
		TotalPoints:    s.TotalPoints,
		Reason:         reason,
		BackendSynced:  synced,
	})
	if err != nil {
		log.Error().Err(err).Msg("kiosk: journal close failed")
	}
}
