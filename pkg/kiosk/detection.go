package kiosk

import (
	"math"

	"github.com/germanamz/rvm/pkg/eventstream"
	"github.com/germanamz/rvm/pkg/hardware"
	"github.com/germanamz/rvm/pkg/material"
	"github.com/rs/zerolog/log"
)

// Phase is the detection controller state.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseAwaitingDetection Phase = "awaiting_detection"
	PhaseAwaitingWeight    Phase = "awaiting_weight"
	PhaseCycle             Phase = "cycle"
	PhaseRejecting         Phase = "rejecting"
)

func (p Phase) cycleInProgress() bool {
	return p == PhaseCycle || p == PhaseRejecting
}

// Timer names.
const (
	timerAutoPhoto     = "auto_photo"
	timerRetryPhoto    = "retry_photo"
	timerObjectPhoto   = "object_photo"
	timerWeightRequest = "weight_request"
	timerRecalibrate   = "recalibrate"
	timerReweigh       = "reweigh"
	timerCycleStart    = "cycle_start"
	timerInactivity    = "inactivity"
	timerMaxDuration   = "max_duration"
)

var detectionTimers = []string{
	timerAutoPhoto,
	timerRetryPhoto,
	timerObjectPhoto,
	timerWeightRequest,
	timerRecalibrate,
	timerReweigh,
	timerCycleStart,
}

// detection is the per-item state. Every clear starts a new epoch so late
// callbacks from the previous item are dropped.
type detection struct {
	phase          Phase
	epoch          uint64
	classification *material.Result
	weight         *float64
	retries        int
	calibrations   int
}

func (d *detection) clear() {
	d.phase = PhaseIdle
	d.epoch++
	d.classification = nil
	d.weight = nil
	d.retries = 0
	d.calibrations = 0
}

// detecting reports whether detection may advance for the current session.
func (k *Kiosk) detecting() bool {
	return k.autoCycle && k.session != nil && k.session.Active
}

func (k *Kiosk) thresholds() material.Thresholds {
	th := k.cfg.Detection.Thresholds
	return material.Thresholds{
		MetalCan:      th.MetalCan,
		PlasticBottle: th.PlasticBottle,
		Glass:         th.Glass,
	}
}

// armDetection schedules the automatic photo for the next item.
func (k *Kiosk) armDetection() {
	if !k.detecting() || k.det.phase != PhaseIdle {
		return
	}

	k.timers.Schedule(timerAutoPhoto, k.cfg.Timing.AutoPhotoDelay, k.onAutoPhoto)
}

func (k *Kiosk) onAutoPhoto() {
	if !k.detecting() || k.det.phase != PhaseIdle {
		return
	}

	k.det.phase = PhaseAwaitingDetection
	k.triggerPhoto()
}

// triggerPhoto asks the camera for a classification.
func (k *Kiosk) triggerPhoto() {
	ctx := k.sessCtx
	epoch := k.det.epoch

	k.goTask(func() {
		if err := k.hw.TakePhoto(ctx); err != nil {
			k.post(func() { k.photoFailed(epoch, err) })
		}
	})
}

func (k *Kiosk) photoFailed(epoch uint64, err error) {
	if epoch != k.det.epoch {
		return
	}

	k.recordError("take photo", err)

	if k.det.phase == PhaseAwaitingDetection {
		k.det.clear()
		k.armDetection()
	}
}

// rearmInactivity restarts the inactivity timer.
func (k *Kiosk) rearmInactivity() {
	k.timers.Schedule(timerInactivity, k.cfg.Timing.SessionTimeout, func() {
		k.handleTimeout(reasonInactivity)
	})
}

func (k *Kiosk) handleClassification(e eventstream.Classification) {
	res := material.Classify(e.ClassName, e.Probability, k.thresholds())
	k.lastResult = &res

	logger := log.With().
		Str("class", e.ClassName).
		Str("material", string(res.Material)).
		Int("confidence", res.Confidence).
		Logger()

	if !k.detecting() || k.det.phase != PhaseAwaitingDetection {
		logger.Debug().Str("phase", string(k.det.phase)).Msg("kiosk: classification ignored")
		return
	}

	if res.Material != material.Unknown {
		if res.Relaxed {
			logger.Info().Msg("kiosk: detected via keyword")
		} else {
			logger.Info().Msg("kiosk: detected")
		}

		k.det.retries = 0
		k.det.classification = &res
		k.det.phase = PhaseAwaitingWeight
		k.timers.Schedule(timerWeightRequest, k.cfg.Timing.WeightRequestDelay, k.requestWeight)
		k.rearmInactivity()
		return
	}

	if res.Candidate != material.Unknown {
		logger.Warn().Msg("kiosk: confidence too low")
	}

	if k.det.retries+1 < k.cfg.Detection.MaxRetries {
		k.det.retries++
		logger.Info().Int("retry", k.det.retries).Msg("kiosk: retrying detection")
		k.timers.Schedule(timerRetryPhoto, k.cfg.Detection.RetryDelay, func() {
			if k.detecting() && k.det.phase == PhaseAwaitingDetection {
				k.triggerPhoto()
			}
		})
		return
	}

	k.det.retries++
	k.det.phase = PhaseRejecting
	logger.Warn().Int("retries", k.det.retries).Msg("kiosk: unrecognized item, rejecting")
	k.publish(EventItemRejected, Rejection{ClassName: e.ClassName, Confidence: res.Confidence, Retries: k.det.retries})
	k.setStatus(StatusRejecting, "Item rejected - unrecognized material")
	k.scheduleReject()
}

// requestWeight asks the scale for a reading.
func (k *Kiosk) requestWeight() {
	if k.det.phase != PhaseAwaitingWeight {
		return
	}

	ctx := k.sessCtx
	epoch := k.det.epoch

	k.goTask(func() {
		if err := k.hw.GetWeight(ctx); err != nil {
			k.post(func() { k.weightFailed(epoch, err) })
		}
	})
}

func (k *Kiosk) weightFailed(epoch uint64, err error) {
	if epoch != k.det.epoch {
		return
	}

	k.recordError("get weight", err)

	if k.det.phase == PhaseAwaitingWeight {
		k.det.clear()
		k.armDetection()
	}
}

func (k *Kiosk) handleWeight(e eventstream.WeightReading) {
	w := hardware.CalibrateWeight(e.Raw, k.cfg.Weight.Coefficient())
	if math.IsNaN(w) || math.IsInf(w, 0) {
		log.Warn().Float64("raw", e.Raw).Msg("kiosk: non-finite weight, treating as zero")
		w = 0
	}
	k.lastWeight = &w

	if k.det.phase != PhaseAwaitingWeight {
		log.Debug().Float64("weight", w).Str("phase", string(k.det.phase)).Msg("kiosk: weight ignored")
		return
	}

	log.Info().Float64("weight", w).Float64("raw", e.Raw).Msg("kiosk: weight")
	k.det.weight = &w

	if w <= 0 && k.det.calibrations < k.cfg.Detection.MaxCalibrationAttempts {
		k.det.calibrations++
		k.recalibrate()
		return
	}

	if w > 0 {
		k.det.calibrations = 0
	}

	if !k.detecting() || k.det.classification == nil {
		return
	}

	if w < k.cfg.Detection.MinValidWeight {
		log.Warn().Float64("weight", w).Msg("kiosk: weight too low, discarding")
		k.timers.CancelAll(detectionTimers...)
		k.det.clear()
		k.setStatus(StatusReady, "Ready - Place your recyclables")
		k.armDetection()
		return
	}

	k.acceptItem(*k.det.classification, w)
}

// recalibrate zeroes the scale and asks for a fresh reading.
func (k *Kiosk) recalibrate() {
	epoch := k.det.epoch

	k.timers.Schedule(timerRecalibrate, k.cfg.Timing.RecalibrateDelay, func() {
		if epoch != k.det.epoch || k.det.phase != PhaseAwaitingWeight {
			return
		}

		ctx := k.sessCtx

		k.goTask(func() {
			if err := k.hw.CalibrateWeight(ctx); err != nil {
				log.Error().Err(err).Msg("kiosk: recalibration failed")
			}

			k.post(func() {
				if epoch != k.det.epoch || k.det.phase != PhaseAwaitingWeight {
					return
				}
				k.timers.Schedule(timerReweigh, k.cfg.Timing.ReweighDelay, k.requestWeight)
			})
		})
	})
}

func (k *Kiosk) handleDeviceStatus(e eventstream.DeviceStatus) {
	if e.BinFull() {
		log.Warn().Str("bin", e.Bin()).Msg("kiosk: bin full")
		k.publish(EventBinFull, BinFull{Code: e.Code, Bin: e.Bin()})
		return
	}

	if !e.ObjectPresent() || !k.detecting() || k.det.phase != PhaseIdle {
		return
	}

	log.Info().Msg("kiosk: object detected")
	k.det.phase = PhaseAwaitingDetection
	k.timers.Cancel(timerAutoPhoto)
	k.timers.Schedule(timerObjectPhoto, k.cfg.Timing.ObjectPhotoDelay, func() {
		if k.detecting() && k.det.phase == PhaseAwaitingDetection {
			k.triggerPhoto()
		}
	})
}

// Rejection is the payload of [EventItemRejected].
type Rejection struct {
	ClassName  string `json:"className"`
	Confidence int    `json:"confidence"`
	Retries    int    `json:"retries"`
}

// BinFull is the payload of [EventBinFull].
type BinFull struct {
	Code int    `json:"code"`
	Bin  string `json:"bin"`
}
