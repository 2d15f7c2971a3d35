package kiosk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/germanamz/rvm/pkg/backend"
	"github.com/germanamz/rvm/pkg/compactor"
	"github.com/germanamz/rvm/pkg/hardware"
	"github.com/germanamz/rvm/pkg/journal"
	"github.com/germanamz/rvm/pkg/material"
	"github.com/rs/zerolog/log"
)

// cycleRun is one accept or reject cycle. done is closed when the cycle has
// ended, whether it ran or was aborted before starting.
type cycleRun struct {
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// beginCycle marks a cycle in progress. The cycle task starts after the
// cycle start delay.
func (k *Kiosk) beginCycle() *cycleRun {
	ctx, cancel := context.WithCancel(k.sessCtx)
	run := &cycleRun{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	k.cycle = run
	return run
}

// abortCycle cancels the in-flight cycle.
func (k *Kiosk) abortCycle() {
	run := k.cycle
	if run == nil {
		return
	}

	run.cancel()
	if !run.started {
		close(run.done)
	}
	k.cycle = nil
}

// launch starts the task of run unless the cycle was aborted meanwhile.
func (k *Kiosk) launch(run *cycleRun, task func()) {
	if k.cycle != run || run.started {
		return
	}

	run.started = true
	k.goTask(func() {
		defer close(run.done)
		defer run.cancel()
		task()
	})
}

// cycleDone returns a channel closed once no cycle is in progress.
func (k *Kiosk) cycleDone() <-chan struct{} {
	if k.cycle == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return k.cycle.done
}

// acceptItem counts the item and schedules the accept sequence.
func (k *Kiosk) acceptItem(res material.Result, w float64) {
	s := k.session

	item := Item{
		Seq:        s.ItemsProcessed + 1,
		Material:   res.Material,
		Weight:     w,
		Confidence: res.Confidence,
		ClassName:  res.Label,
		Timestamp:  time.Now(),
	}
	s.addItem(item)

	k.det.phase = PhaseCycle
	run := k.beginCycle()

	log.Info().
		Int("item", item.Seq).
		Str("material", string(item.Material)).
		Float64("weight", item.Weight).
		Msg("kiosk: cycle")

	k.publish(EventItemAccepted, item)
	k.setStatus(StatusProcessing, fmt.Sprintf("Processing %s...", item.Material))
	k.rearmInactivity()

	code, journalID, sessCtx := s.Code, s.journalID, k.sessCtx
	k.timers.Schedule(timerCycleStart, k.cfg.Timing.CycleStartDelay, func() {
		k.launch(run, func() { k.runAccept(run, sessCtx, item, code, journalID) })
	})
}

// scheduleReject schedules the rejection sequence for the current item.
func (k *Kiosk) scheduleReject() {
	run := k.beginCycle()

	k.timers.Schedule(timerCycleStart, k.cfg.Timing.CycleStartDelay, func() {
		k.launch(run, func() { k.runReject(run) })
	})
}

// runAccept runs the accept sequence. The compactor run outlives the cycle,
// so it is bound to sessCtx rather than the cycle context.
func (k *Kiosk) runAccept(run *cycleRun, sessCtx context.Context, item Item, code, journalID string) {
	ctx := run.ctx

	err := k.acceptSequence(ctx, item.Material)

	var totals *backend.Totals
	synced := false

	if err == nil {
		k.startCompactor(sessCtx)
		totals, synced = k.recordItem(ctx, code, item)
		log.Info().Int("item", item.Seq).Msg("kiosk: cycle complete")
	} else {
		log.Error().Err(err).Int("item", item.Seq).Msg("kiosk: cycle failed")
	}

	k.journalItem(journalID, item, synced)
	k.reopenGate(ctx, run)

	k.post(func() { k.finishCycle(run, err, totals, code) })
}

func (k *Kiosk) runReject(run *cycleRun) {
	ctx := run.ctx
	t := k.cfg.Timing

	err := steps(
		func() error { return k.hw.Belt(ctx, hardware.BeltReverse) },
		func() error { return sleep(ctx, t.BeltReverse) },
		func() error { return k.hw.Belt(ctx, hardware.BeltStop) },
	)
	if err != nil {
		log.Error().Err(err).Msg("kiosk: rejection failed")
	} else {
		log.Info().Msg("kiosk: item rejected")
	}

	k.reopenGate(ctx, run)

	k.post(func() { k.finishCycle(run, err, nil, "") })
}

// acceptSequence sorts the item on the belt and returns the stepper home.
func (k *Kiosk) acceptSequence(ctx context.Context, m material.Material) error {
	t := k.cfg.Timing

	return steps(
		func() error { return k.hw.Belt(ctx, hardware.BeltToStepper) },
		func() error { return sleep(ctx, t.BeltToStepper) },
		func() error { return k.hw.Belt(ctx, hardware.BeltStop) },
		func() error { return k.hw.Stepper(ctx, stepperFor(m)) },
		func() error { return sleep(ctx, t.StepperRotate) },
		func() error { return k.hw.Belt(ctx, hardware.BeltReverse) },
		func() error { return sleep(ctx, t.BeltReverse) },
		func() error { return k.hw.Belt(ctx, hardware.BeltStop) },
		func() error { return k.hw.Stepper(ctx, hardware.StepperHome) },
		func() error { return sleep(ctx, t.StepperReset) },
	)
}

func stepperFor(m material.Material) hardware.StepperPosition {
	if m == material.MetalCan {
		return hardware.StepperMetalCan
	}
	return hardware.StepperPlasticBottle
}

// steps runs fns in order and stops at the first error.
func steps(fns ...func() error) error {
	for _, fn := range fns {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

// startCompactor starts a detached compactor run. Ending or stopping the
// session cancels ctx, so a start still waiting for the previous run is
// dropped.
func (k *Kiosk) startCompactor(ctx context.Context) {
	k.goTask(func() {
		err := k.compactor.Start(ctx)
		switch {
		case err == nil:
		case errors.Is(err, compactor.ErrStartCancelled), errors.Is(err, context.Canceled):
			log.Info().Err(err).Msg("kiosk: compactor start dropped")
		default:
			log.Error().Err(err).Msg("kiosk: compactor start failed")
			k.post(func() { k.recordError("compactor", err) })
		}
	})
}

// recordItem reports item to the accounting service. Failures are logged and
// never retried.
func (k *Kiosk) recordItem(ctx context.Context, code string, item Item) (*backend.Totals, bool) {
	if code == "" {
		log.Warn().Msg("kiosk: no session code, skipping backend record")
		return nil, false
	}

	totals, err := k.backend.RecordItem(ctx, code, backend.ItemRecord{
		Material:   string(item.Material),
		Weight:     item.Weight,
		Confidence: item.Confidence,
	})
	if err != nil {
		log.Error().Err(err).Int("item", item.Seq).Msg("kiosk: backend record failed")
		return nil, false
	}

	log.Info().
		Int("items", totals.ItemsProcessed).
		Float64("points", totals.TotalPoints).
		Msg("kiosk: item recorded")

	return &totals, true
}

func (k *Kiosk) journalItem(journalID string, item Item, synced bool) {
	if k.journal == nil || journalID == "" {
		return
	}

	err := k.journal.AddItem(k.ctx, journal.Item{
		SessionID:  journalID,
		Seq:        item.Seq,
		Material:   string(item.Material),
		Weight:     item.Weight,
		Confidence: item.Confidence,
		ClassName:  item.ClassName,
		CreatedAt:  item.Timestamp,
		Synced:     synced,
	})
	if err != nil {
		log.Error().Err(err).Msg("kiosk: journal item failed")
	}
}

// reopenGate opens the gate for the next item if auto-cycle is still on and
// run was not aborted.
func (k *Kiosk) reopenGate(ctx context.Context, run *cycleRun) {
	reopen := false
	if err := k.exec(ctx, func() { reopen = k.detecting() && k.cycle == run }); err != nil || !reopen {
		return
	}

	if err := k.hw.OpenGate(ctx); err != nil {
		log.Error().Err(err).Msg("kiosk: reopen gate failed")
		return
	}

	_ = sleep(ctx, k.cfg.Timing.GateOperation)
}

// finishCycle clears the cycle and re-arms detection.
func (k *Kiosk) finishCycle(run *cycleRun, err error, totals *backend.Totals, code string) {
	aborted := k.cycle != run

	if err != nil && !(aborted && errors.Is(err, context.Canceled)) {
		k.recordError("cycle", err)
	}

	if totals != nil && k.session != nil && k.session.Code == code {
		k.session.TotalPoints = totals.TotalPoints
	}

	if aborted {
		return
	}

	k.cycle = nil
	k.det.clear()

	if k.detecting() {
		k.setStatus(StatusReady, "Ready for next item")
		k.armDetection()
	}
}
