package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level kiosk configuration. It is read once at start-up
// and treated as read-only afterwards.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Backend   BackendConfig   `yaml:"backend"`
	Hardware  HardwareConfig  `yaml:"hardware"`
	Motors    MotorsConfig    `yaml:"motors"`
	Detection DetectionConfig `yaml:"detection"`
	Timing    TimingConfig    `yaml:"timing"`
	Weight    WeightConfig    `yaml:"weight"`
	Journal   JournalConfig   `yaml:"journal"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
}

// DeviceConfig identifies this kiosk to the accounting service.
type DeviceConfig struct {
	ID string `yaml:"id"`
}

// BackendConfig points at the remote accounting service.
type BackendConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// HardwareConfig points at the local hardware controller.
type HardwareConfig struct {
	BaseURL         string        `yaml:"base_url"`
	WSURL           string        `yaml:"ws_url"`
	Timeout         time.Duration `yaml:"timeout"`           // Per actuator call.
	ModuleIDTimeout time.Duration `yaml:"module_id_timeout"` // Module-id request only.
	ModuleIDDelay   time.Duration `yaml:"module_id_delay"`   // Delay after connect before requesting the module id.
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
	DeviceType      int           `yaml:"device_type"`
}

// MotorCommand is a motor id plus the command type sent with it.
type MotorCommand struct {
	MotorID string `yaml:"motor_id"`
	Type    string `yaml:"type"`
}

// GateConfig holds the gate motor and its open/close command types.
type GateConfig struct {
	MotorID string `yaml:"motor_id"`
	Open    string `yaml:"open"`
	Close   string `yaml:"close"`
}

// BeltConfig holds the conveyor belt motor and its direction command types.
type BeltConfig struct {
	MotorID   string `yaml:"motor_id"`
	ToWeight  string `yaml:"to_weight"`
	ToStepper string `yaml:"to_stepper"`
	Reverse   string `yaml:"reverse"`
	Stop      string `yaml:"stop"`
}

// CompactorConfig holds the compactor motor and its start/stop command types.
type CompactorConfig struct {
	MotorID string `yaml:"motor_id"`
	Start   string `yaml:"start"`
	Stop    string `yaml:"stop"`
}

// StepperConfig holds the sorting stepper module and its named positions.
type StepperConfig struct {
	ModuleID      string `yaml:"module_id"`
	Home          string `yaml:"home"`
	MetalCan      string `yaml:"metal_can"`
	PlasticBottle string `yaml:"plastic_bottle"`
}

// MotorsConfig groups all actuator identifiers.
type MotorsConfig struct {
	Gate      GateConfig      `yaml:"gate"`
	Belt      BeltConfig      `yaml:"belt"`
	Compactor CompactorConfig `yaml:"compactor"`
	Stepper   StepperConfig   `yaml:"stepper"`
}

// Thresholds are per-material minimum classification probabilities.
type Thresholds struct {
	MetalCan      float64 `yaml:"metal_can"`
	PlasticBottle float64 `yaml:"plastic_bottle"`
	Glass         float64 `yaml:"glass"`
}

// DetectionConfig controls classification acceptance and retry limits.
type DetectionConfig struct {
	Thresholds             Thresholds    `yaml:"thresholds"`
	RetryDelay             time.Duration `yaml:"retry_delay"`
	MaxRetries             int           `yaml:"max_retries"`
	MinValidWeight         float64       `yaml:"min_valid_weight"` // Grams.
	MaxCalibrationAttempts int           `yaml:"max_calibration_attempts"`
}

// TimingConfig holds the software delays that stand in for mechanical
// motion times, plus session and wait bounds.
type TimingConfig struct {
	BeltToWeight        time.Duration `yaml:"belt_to_weight"`
	BeltToStepper       time.Duration `yaml:"belt_to_stepper"`
	BeltReverse         time.Duration `yaml:"belt_reverse"`
	StepperRotate       time.Duration `yaml:"stepper_rotate"`
	StepperReset        time.Duration `yaml:"stepper_reset"`
	Compactor           time.Duration `yaml:"compactor"`
	GateOperation       time.Duration `yaml:"gate_operation"`
	AutoPhotoDelay      time.Duration `yaml:"auto_photo_delay"`
	SessionTimeout      time.Duration `yaml:"session_timeout"`
	SessionMaxDuration  time.Duration `yaml:"session_max_duration"`
	PhotoSettle         time.Duration `yaml:"photo_settle"`
	WeightSettle        time.Duration `yaml:"weight_settle"`
	StepperHomeSettle   time.Duration `yaml:"stepper_home_settle"`
	CalibrationSettle   time.Duration `yaml:"calibration_settle"`
	WeightRequestDelay  time.Duration `yaml:"weight_request_delay"`
	CycleStartDelay     time.Duration `yaml:"cycle_start_delay"`
	ObjectPhotoDelay    time.Duration `yaml:"object_photo_delay"`
	RecalibrateDelay    time.Duration `yaml:"recalibrate_delay"`
	ReweighDelay        time.Duration `yaml:"reweigh_delay"`
	CycleWait           time.Duration `yaml:"cycle_wait"`
	CompactorGrace      time.Duration `yaml:"compactor_grace"`
	ResetCompactorGrace time.Duration `yaml:"reset_compactor_grace"`
}

// WeightConfig holds the scale calibration coefficient table.
type WeightConfig struct {
	Channel      int             `yaml:"channel"`
	Coefficients map[int]float64 `yaml:"coefficients"`
}

// Coefficient returns the coefficient of the configured channel.
func (w WeightConfig) Coefficient() float64 {
	return w.Coefficients[w.Channel]
}

// JournalConfig controls the local sqlite journal. An empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// APIConfig controls the status API listener.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error.
	Format string `yaml:"format"` // console or json.
}

// Load reads a YAML file on top of Default and validates the result.
// Environment variables referenced as ${VAR} or $VAR in the YAML are expanded
// before parsing, so the backend URL and websocket token can live in a .env
// file rather than in the committed config.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-provided configuration
	if err != nil {
		return Config{}, fmt.Errorf("config: load: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Parse expands environment variables in data and decodes it over Default.
// It does not validate.
func Parse(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Device.ID == "" {
		return fmt.Errorf("config: device id is required")
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("config: backend url is required")
	}
	if c.Hardware.BaseURL == "" {
		return fmt.Errorf("config: hardware base_url is required")
	}
	if c.Hardware.WSURL == "" {
		return fmt.Errorf("config: hardware ws_url is required")
	}

	if c.Motors.Gate.MotorID == "" || c.Motors.Belt.MotorID == "" || c.Motors.Compactor.MotorID == "" {
		return fmt.Errorf("config: gate, belt and compactor motor ids are required")
	}
	if c.Motors.Stepper.ModuleID == "" {
		return fmt.Errorf("config: stepper module_id is required")
	}

	for name, th := range map[string]float64{
		"metal_can":      c.Detection.Thresholds.MetalCan,
		"plastic_bottle": c.Detection.Thresholds.PlasticBottle,
		"glass":          c.Detection.Thresholds.Glass,
	} {
		if th <= 0 || th > 1 {
			return fmt.Errorf("config: detection threshold %s must be in (0, 1], got %v", name, th)
		}
	}

	if c.Detection.MaxRetries < 1 {
		return fmt.Errorf("config: detection max_retries must be at least 1")
	}
	if c.Detection.MaxCalibrationAttempts < 0 {
		return fmt.Errorf("config: detection max_calibration_attempts must not be negative")
	}
	if c.Detection.MinValidWeight <= 0 {
		return fmt.Errorf("config: detection min_valid_weight must be positive")
	}

	if c.Hardware.Timeout <= 0 || c.Backend.Timeout <= 0 {
		return fmt.Errorf("config: hardware and backend timeouts must be positive")
	}
	if c.Timing.Compactor <= 0 {
		return fmt.Errorf("config: timing compactor must be positive")
	}
	if c.Timing.SessionTimeout <= 0 || c.Timing.SessionMaxDuration <= 0 {
		return fmt.Errorf("config: session timeout and max duration must be positive")
	}
	if c.Timing.SessionMaxDuration < c.Timing.SessionTimeout {
		return fmt.Errorf("config: session_max_duration must not be shorter than session_timeout")
	}

	if c.Weight.Coefficient() <= 0 {
		return fmt.Errorf("config: weight coefficient for channel %d is missing", c.Weight.Channel)
	}

	return nil
}
