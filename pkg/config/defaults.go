package config

import "time"

// Default returns the factory configuration of an RVM-3101 unit.
func Default() Config {
	return Config{
		Device: DeviceConfig{ID: "RVM-3101"},
		Backend: BackendConfig{
			URL:     "https://rebit-api.ceewen.xyz",
			Timeout: 10 * time.Second,
		},
		Hardware: HardwareConfig{
			BaseURL:         "http://localhost:8081",
			WSURL:           "ws://localhost:8081/websocket/qazwsx1234",
			Timeout:         10 * time.Second,
			ModuleIDTimeout: 5 * time.Second,
			ModuleIDDelay:   2 * time.Second,
			ReconnectDelay:  5 * time.Second,
			DeviceType:      1,
		},
		Motors: MotorsConfig{
			Gate:      GateConfig{MotorID: "01", Open: "03", Close: "00"},
			Belt:      BeltConfig{MotorID: "02", ToWeight: "02", ToStepper: "03", Reverse: "01", Stop: "00"},
			Compactor: CompactorConfig{MotorID: "04", Start: "01", Stop: "00"},
			Stepper:   StepperConfig{ModuleID: "09", Home: "01", MetalCan: "02", PlasticBottle: "03"},
		},
		Detection: DetectionConfig{
			Thresholds:             Thresholds{MetalCan: 0.22, PlasticBottle: 0.30, Glass: 0.25},
			RetryDelay:             2 * time.Second,
			MaxRetries:             3,
			MinValidWeight:         5,
			MaxCalibrationAttempts: 2,
		},
		Timing: TimingConfig{
			BeltToWeight:        3 * time.Second,
			BeltToStepper:       4 * time.Second,
			BeltReverse:         5 * time.Second,
			StepperRotate:       4 * time.Second,
			StepperReset:        6 * time.Second,
			Compactor:           24 * time.Second,
			GateOperation:       time.Second,
			AutoPhotoDelay:      5 * time.Second,
			SessionTimeout:      2 * time.Minute,
			SessionMaxDuration:  10 * time.Minute,
			PhotoSettle:         1500 * time.Millisecond,
			WeightSettle:        2 * time.Second,
			StepperHomeSettle:   2 * time.Second,
			CalibrationSettle:   1500 * time.Millisecond,
			WeightRequestDelay:  500 * time.Millisecond,
			CycleStartDelay:     time.Second,
			ObjectPhotoDelay:    time.Second,
			RecalibrateDelay:    500 * time.Millisecond,
			ReweighDelay:        time.Second,
			CycleWait:           time.Minute,
			CompactorGrace:      5 * time.Second,
			ResetCompactorGrace: 2 * time.Second,
		},
		Weight: WeightConfig{
			Channel:      1,
			Coefficients: map[int]float64{1: 988, 2: 942, 3: 942, 4: 942},
		},
		Journal: JournalConfig{Path: "rvm.db"},
		API:     APIConfig{Listen: ":8090"},
		Log:     LogConfig{Level: "info", Format: "console"},
	}
}
