package hardware

import (
	"context"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/germanamz/rvm/pkg/config"
	"github.com/germanamz/rvm/pkg/jsonapi"
	"github.com/rs/zerolog/log"
)

// Action names an actuator call. It is carried by [CommandError].
type Action string

const (
	ActionOpenGate        Action = "openGate"
	ActionCloseGate       Action = "closeGate"
	ActionBelt            Action = "belt"
	ActionStepper         Action = "stepperMotor"
	ActionCompactorStart  Action = "compactorStart"
	ActionCompactorStop   Action = "compactorStop"
	ActionTakePhoto       Action = "takePhoto"
	ActionGetWeight       Action = "getWeight"
	ActionCalibrateWeight Action = "calibrateWeight"
	ActionGetModuleID     Action = "getModuleId"
)

// BeltMove is a conveyor belt direction.
type BeltMove int

const (
	BeltStop BeltMove = iota
	BeltToWeight
	BeltToStepper
	BeltReverse
)

func (m BeltMove) String() string {
	switch m {
	case BeltToWeight:
		return "to_weight"
	case BeltToStepper:
		return "to_stepper"
	case BeltReverse:
		return "reverse"
	default:
		return "stop"
	}
}

// StepperPosition is a named sorting stepper position.
type StepperPosition int

const (
	StepperHome StepperPosition = iota
	StepperMetalCan
	StepperPlasticBottle
)

func (p StepperPosition) String() string {
	switch p {
	case StepperMetalCan:
		return "metal_can"
	case StepperPlasticBottle:
		return "plastic_bottle"
	default:
		return "home"
	}
}

const (
	pathMotorSelect       = "/system/serial/motorSelect"
	pathStepMotorSelect   = "/system/serial/stepMotorSelect"
	pathGetWeight         = "/system/serial/getWeight"
	pathWeightCalibration = "/system/serial/weightCalibration"
	pathCameraProcess     = "/system/camera/process"
	pathGetModuleID       = "/system/serial/getModuleId"
)

type motorPayload struct {
	ModuleID   string `json:"moduleId"`
	MotorID    string `json:"motorId"`
	Type       string `json:"type"`
	DeviceType int    `json:"deviceType"`
}

type stepperPayload struct {
	ModuleID   string `json:"moduleId"`
	ID         string `json:"id"`
	Type       string `json:"type"`
	DeviceType int    `json:"deviceType"`
}

type modulePayload struct {
	ModuleID string `json:"moduleId"`
	Type     string `json:"type"`
}

// Gateway issues actuator commands to the hardware controller. It is safe for
// concurrent use.
type Gateway struct {
	api    *jsonapi.Client
	hw     config.HardwareConfig
	motors config.MotorsConfig
	timing config.TimingConfig

	mu       sync.RWMutex
	moduleID string

	// sleepFunc is used for testing; defaults to a context-aware sleep.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewGateway creates a Gateway for cfg. A nil client falls back to a default
// HTTP client.
func NewGateway(cfg config.Config, client *http.Client) *Gateway {
	return &Gateway{
		api:       jsonapi.New(cfg.Hardware.BaseURL, cfg.Hardware.Timeout, client),
		hw:        cfg.Hardware,
		motors:    cfg.Motors,
		timing:    cfg.Timing,
		sleepFunc: contextSleep,
	}
}

// SetSleepFunc overrides the settle sleep (for testing).
func (g *Gateway) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	g.sleepFunc = fn
}

// SetModuleID records the module id reported by the controller.
func (g *Gateway) SetModuleID(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.moduleID = id
}

// ModuleID returns the current module id, or "" if none was reported yet.
func (g *Gateway) ModuleID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.moduleID
}

// OpenGate opens the intake gate.
func (g *Gateway) OpenGate(ctx context.Context) error {
	return g.motor(ctx, ActionOpenGate, g.motors.Gate.MotorID, g.motors.Gate.Open)
}

// CloseGate closes the intake gate.
func (g *Gateway) CloseGate(ctx context.Context) error {
	return g.motor(ctx, ActionCloseGate, g.motors.Gate.MotorID, g.motors.Gate.Close)
}

// Belt moves or stops the conveyor belt.
func (g *Gateway) Belt(ctx context.Context, m BeltMove) error {
	b := g.motors.Belt

	typ := b.Stop
	switch m {
	case BeltToWeight:
		typ = b.ToWeight
	case BeltToStepper:
		typ = b.ToStepper
	case BeltReverse:
		typ = b.Reverse
	}

	return g.motor(ctx, ActionBelt, b.MotorID, typ)
}

// Stepper rotates the sorting stepper to p.
func (g *Gateway) Stepper(ctx context.Context, p StepperPosition) error {
	s := g.motors.Stepper

	pos := s.Home
	switch p {
	case StepperMetalCan:
		pos = s.MetalCan
	case StepperPlasticBottle:
		pos = s.PlasticBottle
	}

	if _, err := g.requireModule(ActionStepper); err != nil {
		return err
	}

	payload := stepperPayload{
		ModuleID:   s.ModuleID,
		ID:         pos,
		Type:       pos,
		DeviceType: g.hw.DeviceType,
	}

	return g.post(ctx, ActionStepper, pathStepMotorSelect, payload, 0)
}

// CompactorStart starts the compactor motor.
func (g *Gateway) CompactorStart(ctx context.Context) error {
	c := g.motors.Compactor
	return g.motor(ctx, ActionCompactorStart, c.MotorID, c.Start)
}

// CompactorStop stops the compactor motor.
func (g *Gateway) CompactorStop(ctx context.Context) error {
	c := g.motors.Compactor
	return g.motor(ctx, ActionCompactorStop, c.MotorID, c.Stop)
}

// TakePhoto triggers the camera. The classification result arrives on the
// event stream; the call returns after the photo settle delay.
func (g *Gateway) TakePhoto(ctx context.Context) error {
	if _, err := g.requireModule(ActionTakePhoto); err != nil {
		return err
	}

	if err := g.post(ctx, ActionTakePhoto, pathCameraProcess, struct{}{}, 0); err != nil {
		return err
	}

	return g.settle(ctx, ActionTakePhoto, g.timing.PhotoSettle)
}

// GetWeight asks the scale for a reading. The reading arrives on the event
// stream; the call returns after the weight settle delay.
func (g *Gateway) GetWeight(ctx context.Context) error {
	id, err := g.requireModule(ActionGetWeight)
	if err != nil {
		return err
	}

	if err := g.post(ctx, ActionGetWeight, pathGetWeight, modulePayload{ModuleID: id, Type: "00"}, 0); err != nil {
		return err
	}

	return g.settle(ctx, ActionGetWeight, g.timing.WeightSettle)
}

// CalibrateWeight zeroes the scale. See the package-level CalibrateWeight for
// converting raw readings.
func (g *Gateway) CalibrateWeight(ctx context.Context) error {
	id, err := g.requireModule(ActionCalibrateWeight)
	if err != nil {
		return err
	}

	return g.post(ctx, ActionCalibrateWeight, pathWeightCalibration, modulePayload{ModuleID: id, Type: "00"}, 0)
}

// RequestModuleID asks the controller to announce its module id on the event
// stream. It is the only action allowed before a module id is known.
func (g *Gateway) RequestModuleID(ctx context.Context) error {
	return g.post(ctx, ActionGetModuleID, pathGetModuleID, struct{}{}, g.hw.ModuleIDTimeout)
}

// CalibrateWeight converts a raw scale reading to grams using the channel
// coefficient, rounded to one decimal place.
func CalibrateWeight(raw, coefficient float64) float64 {
	return math.Round(raw*coefficient/1000*10) / 10
}

func (g *Gateway) motor(ctx context.Context, action Action, motorID, typ string) error {
	id, err := g.requireModule(action)
	if err != nil {
		return err
	}

	payload := motorPayload{
		ModuleID:   id,
		MotorID:    motorID,
		Type:       typ,
		DeviceType: g.hw.DeviceType,
	}

	return g.post(ctx, action, pathMotorSelect, payload, 0)
}

func (g *Gateway) requireModule(action Action) (string, error) {
	id := g.ModuleID()
	if id == "" {
		return "", &CommandError{Action: action, Err: ErrModuleNotReady}
	}
	return id, nil
}

func (g *Gateway) post(ctx context.Context, action Action, path string, payload any, timeout time.Duration) error {
	log.Debug().Str("action", string(action)).Msg("hardware: executing")

	err := g.api.PostJSONWith(ctx, path, payload, nil, jsonapi.Options{Timeout: timeout})
	if err != nil {
		log.Error().Err(err).Str("action", string(action)).Msg("hardware: command failed")
		return &CommandError{Action: action, Err: err}
	}

	return nil
}

func (g *Gateway) settle(ctx context.Context, action Action, d time.Duration) error {
	if err := g.sleepFunc(ctx, d); err != nil {
		return &CommandError{Action: action, Err: err}
	}
	return nil
}

// contextSleep sleeps for d or until ctx is cancelled.
func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
