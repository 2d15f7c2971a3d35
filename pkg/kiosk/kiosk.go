// Package kiosk is the control core of a reverse-vending-machine kiosk. It
// turns asynchronous hardware events into motor command sequences, runs the
// member and guest session lifecycle and reconciles collected items with the
// accounting service.
//
// A [Kiosk] owns all session and detection state on a single control loop
// goroutine. Public methods, hardware events and timer callbacks post closures
// onto that loop; hardware sequences run as tasks in their own goroutines and
// report back through it.
package kiosk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/germanamz/rvm/pkg/backend"
	"github.com/germanamz/rvm/pkg/compactor"
	"github.com/germanamz/rvm/pkg/config"
	"github.com/germanamz/rvm/pkg/eventstream"
	"github.com/germanamz/rvm/pkg/hardware"
	"github.com/germanamz/rvm/pkg/journal"
	"github.com/germanamz/rvm/pkg/material"
	"github.com/germanamz/rvm/pkg/schedule"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyStarted = errors.New("kiosk: already started")
	ErrStopped        = errors.New("kiosk: stopped")
	ErrNotReady       = errors.New("kiosk: hardware not ready")
	ErrSessionActive  = errors.New("kiosk: session already active")
	ErrNoSession      = errors.New("kiosk: no active session")
	ErrBusy           = errors.New("kiosk: session operation in progress")
	ErrStartAborted   = errors.New("kiosk: session start aborted")
)

// Status is the kiosk status shown to the UI layer.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusReady      Status = "ready"
	StatusProcessing Status = "processing"
	StatusActive     Status = "active"
	StatusRejecting  Status = "rejecting"
	StatusError      Status = "error"
)

// Hardware is the actuator surface the kiosk drives. [*hardware.Gateway]
// implements it.
type Hardware interface {
	SetModuleID(id string)
	ModuleID() string
	OpenGate(ctx context.Context) error
	CloseGate(ctx context.Context) error
	Belt(ctx context.Context, m hardware.BeltMove) error
	Stepper(ctx context.Context, p hardware.StepperPosition) error
	CompactorStart(ctx context.Context) error
	CompactorStop(ctx context.Context) error
	TakePhoto(ctx context.Context) error
	GetWeight(ctx context.Context) error
	CalibrateWeight(ctx context.Context) error
	RequestModuleID(ctx context.Context) error
}

// Backend is the accounting service. [*backend.Client] implements it.
type Backend interface {
	ValidateSession(ctx context.Context, code string) (backend.User, error)
	StartGuest(ctx context.Context) (backend.GuestSession, error)
	RecordItem(ctx context.Context, code string, item backend.ItemRecord) (backend.Totals, error)
	EndSession(ctx context.Context, code string, items int) (backend.EndResult, error)
}

// Journal durably records sessions and items. [*journal.Store] implements it.
type Journal interface {
	OpenSession(ctx context.Context, sess journal.Session) (string, error)
	AddItem(ctx context.Context, item journal.Item) error
	CloseSession(ctx context.Context, id string, c journal.Closing) error
}

// Option configures a [Kiosk].
type Option func(*Kiosk)

// WithJournal records sessions and items in j.
func WithJournal(j Journal) Option {
	return func(k *Kiosk) { k.journal = j }
}

// WithEventBus publishes kiosk events on bus instead of a private bus.
func WithEventBus(bus *EventBus) Option {
	return func(k *Kiosk) { k.bus = bus }
}

// Kiosk is one kiosk unit. Create it with [New], then call [Kiosk.Start]
// before using any other method.
type Kiosk struct {
	cfg       config.Config
	hw        Hardware
	backend   Backend
	journal   Journal
	compactor *compactor.Scheduler
	timers    *schedule.Set
	bus       *EventBus
	ownBus    bool

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func()
	done   chan struct{}
	tasks  sync.WaitGroup

	startOnce sync.Once
	started   bool

	// Loop-owned state.
	status     Status
	message    string
	lastErr    string
	autoCycle  bool
	session    *Session
	sessionGen uint64
	sessCtx    context.Context
	sessCancel context.CancelFunc
	starting   bool
	ending     bool
	det        detection
	cycle      *cycleRun
	lastResult *material.Result
	lastWeight *float64
}

// New creates a Kiosk. The compactor scheduler is built on hw.
func New(cfg config.Config, hw Hardware, be Backend, opts ...Option) *Kiosk {
	ctx, cancel := context.WithCancel(context.Background())

	k := &Kiosk{
		cfg:        cfg,
		hw:         hw,
		backend:    be,
		compactor:  compactor.New(hw, cfg.Timing.Compactor, cfg.Timing.CompactorGrace),
		ctx:        ctx,
		cancel:     cancel,
		ops:        make(chan func(), 64),
		done:       make(chan struct{}),
		status:     StatusIdle,
		message:    "Connecting to hardware",
		sessCtx:    ctx,
		sessCancel: func() {},
	}

	for _, opt := range opts {
		opt(k)
	}

	if k.bus == nil {
		k.bus = NewEventBus()
		k.ownBus = true
	}

	k.timers = schedule.New(func(fn func()) { k.post(fn) })

	return k
}

// Events returns the bus kiosk events are published on.
func (k *Kiosk) Events() *EventBus { return k.bus }

// Start runs the control loop until ctx is cancelled or Stop is called.
func (k *Kiosk) Start(ctx context.Context) error {
	err := ErrAlreadyStarted
	k.startOnce.Do(func() {
		err = nil
		k.started = true
		context.AfterFunc(ctx, k.cancel)
		go k.loop()
		log.Info().Str("device", k.cfg.Device.ID).Msg("kiosk: started")
	})
	return err
}

// Stop ends the control loop, cancels every timer and waits for in-flight
// tasks. A running compactor is stopped.
func (k *Kiosk) Stop() {
	k.cancel()
	if k.started {
		<-k.done
	}
	k.timers.CancelAll()
	k.tasks.Wait()

	if k.compactor.Active() {
		ctx, cancel := context.WithTimeout(context.Background(), k.cfg.Hardware.Timeout)
		defer cancel()
		if err := k.compactor.ForceStop(ctx); err != nil {
			log.Error().Err(err).Msg("kiosk: stop compactor on shutdown")
		}
	}

	if k.ownBus {
		k.bus.Close()
	}

	log.Info().Msg("kiosk: stopped")
}

// Done is closed once the control loop has exited.
func (k *Kiosk) Done() <-chan struct{} { return k.done }

func (k *Kiosk) loop() {
	defer close(k.done)

	for {
		select {
		case fn := <-k.ops:
			fn()
		case <-k.ctx.Done():
			return
		}
	}
}

// post queues fn on the control loop. It must not be called from the loop.
func (k *Kiosk) post(fn func()) bool {
	select {
	case k.ops <- fn:
		return true
	case <-k.ctx.Done():
		return false
	}
}

// exec runs fn on the control loop and waits for it to finish.
func (k *Kiosk) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !k.post(func() { fn(); close(done) }) {
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-k.ctx.Done():
		return ErrStopped
	}
}

// goTask runs fn in a tracked goroutine.
func (k *Kiosk) goTask(fn func()) {
	k.tasks.Add(1)
	go func() {
		defer k.tasks.Done()
		fn()
	}()
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
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

func (k *Kiosk) publish(kind EventKind, data any) {
	ev := Event{Kind: kind, Timestamp: time.Now(), Data: data}
	if k.session != nil {
		ev.SessionCode = k.session.Code
	}
	k.bus.Publish(ev)
}

func (k *Kiosk) setStatus(s Status, msg string) {
	if k.status == s && k.message == msg {
		return
	}

	k.status = s
	k.message = msg
	k.publish(EventStatusChanged, StatusChange{Status: s, Message: msg})
}

// recordError stores err as the last error and publishes it.
func (k *Kiosk) recordError(op string, err error) {
	k.lastErr = fmt.Sprintf("%s: %v", op, err)
	k.publish(EventError, k.lastErr)
}

// StatusChange is the payload of [EventStatusChanged].
type StatusChange struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// Snapshot is a point-in-time copy of the kiosk state.
type Snapshot struct {
	Status             Status           `json:"status"`
	Message            string           `json:"message"`
	Ready              bool             `json:"ready"`
	ModuleID           string           `json:"moduleId,omitempty"`
	AutoCycle          bool             `json:"autoCycle"`
	Phase              Phase            `json:"phase"`
	DetectionRetries   int              `json:"detectionRetries"`
	CycleInProgress    bool             `json:"cycleInProgress"`
	CompactorActive    bool             `json:"compactorActive"`
	LastError          string           `json:"lastError,omitempty"`
	LastClassification *material.Result `json:"lastClassification,omitempty"`
	LastWeight         *float64         `json:"lastWeight,omitempty"`
	Session            *SessionView     `json:"session,omitempty"`
}

// Snapshot returns the current state.
func (k *Kiosk) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	err := k.exec(ctx, func() {
		snap = Snapshot{
			Status:             k.status,
			Message:            k.message,
			Ready:              k.hw.ModuleID() != "",
			ModuleID:           k.hw.ModuleID(),
			AutoCycle:          k.autoCycle,
			Phase:              k.det.phase,
			DetectionRetries:   k.det.retries,
			CycleInProgress:    k.det.phase.cycleInProgress(),
			LastError:          k.lastErr,
			LastClassification: k.lastResult,
			LastWeight:         k.lastWeight,
		}
		if k.session != nil {
			v := k.session.view()
			snap.Session = &v
		}
	})
	if err != nil {
		return Snapshot{}, err
	}

	snap.CompactorActive = k.compactor.Active()

	return snap, nil
}

// Items returns the items of the current session in order.
func (k *Kiosk) Items(ctx context.Context) ([]Item, error) {
	var items []Item

	err := k.exec(ctx, func() {
		if k.session != nil {
			items = append([]Item(nil), k.session.Items...)
		}
	})

	return items, err
}

// HandleEvent delivers a hardware event to the control loop. It is the
// [eventstream.Handler] of the kiosk's listener.
func (k *Kiosk) HandleEvent(ev eventstream.Event) {
	k.post(func() {
		switch e := ev.(type) {
		case eventstream.ModuleReady:
			k.handleModuleReady(e)
		case eventstream.Classification:
			k.handleClassification(e)
		case eventstream.WeightReading:
			k.handleWeight(e)
		case eventstream.DeviceStatus:
			k.handleDeviceStatus(e)
		}
	})
}

// OnConnect requests the module id once the event stream is (re)connected,
// after the configured delay. ctx ends with the connection.
func (k *Kiosk) OnConnect(ctx context.Context) {
	if err := sleep(ctx, k.cfg.Hardware.ModuleIDDelay); err != nil {
		return
	}

	if err := k.hw.RequestModuleID(ctx); err != nil {
		log.Error().Err(err).Msg("kiosk: module id request failed")
		return
	}

	log.Info().Msg("kiosk: module id requested")
}

func (k *Kiosk) handleModuleReady(e eventstream.ModuleReady) {
	k.hw.SetModuleID(e.ModuleID)
	log.Info().Str("module_id", e.ModuleID).Msg("kiosk: hardware ready")

	if k.session == nil && (k.status == StatusIdle || k.status == StatusReady) {
		k.setStatus(StatusReady, "System ready")
	}
}
