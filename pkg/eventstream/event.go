package eventstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Frame function codes.
const (
	FunctionModuleID       = "01"
	FunctionClassification = "aiPhoto"
	FunctionWeight         = "06"
	FunctionDeviceStatus   = "deviceStatus"
)

// Device status codes. Codes 0-3 report a full bin.
const (
	StatusObjectPresent = 4
)

var binNames = [...]string{"PET", "Metal", "Right", "Glass"}

// ErrUnknownFunction is returned by [Decode] for frames with an unrecognised
// function code.
var ErrUnknownFunction = errors.New("eventstream: unknown function")

// Event is a decoded hardware event. The concrete type is one of
// [ModuleReady], [Classification], [WeightReading] or [DeviceStatus].
type Event interface {
	hardwareEvent()
}

// ModuleReady announces the controller's module id.
type ModuleReady struct {
	ModuleID string
}

// Classification is a vision-model result for the last photo.
type Classification struct {
	ClassName   string  `json:"className"`
	Probability float64 `json:"probability"`
}

// WeightReading is an uncalibrated scale reading.
type WeightReading struct {
	Raw float64
}

// DeviceStatus is a device status code.
type DeviceStatus struct {
	Code int
}

func (ModuleReady) hardwareEvent()    {}
func (Classification) hardwareEvent() {}
func (WeightReading) hardwareEvent()  {}
func (DeviceStatus) hardwareEvent()   {}

// BinFull reports whether the status signals a full bin.
func (s DeviceStatus) BinFull() bool {
	return s.Code >= 0 && s.Code < len(binNames)
}

// Bin returns the name of the full bin, or "" when the status is not a
// bin-full signal.
func (s DeviceStatus) Bin() string {
	if !s.BinFull() {
		return ""
	}
	return binNames[s.Code]
}

// ObjectPresent reports whether an item was detected in the intake.
func (s DeviceStatus) ObjectPresent() bool {
	return s.Code == StatusObjectPresent
}

type frame struct {
	Function string          `json:"function"`
	ModuleID string          `json:"moduleId"`
	Data     json.RawMessage `json:"data"`
}

// Decode parses one frame.
func Decode(data []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("eventstream: decode frame: %w", err)
	}

	switch f.Function {
	case FunctionModuleID:
		if f.ModuleID == "" {
			return nil, fmt.Errorf("eventstream: module frame without moduleId")
		}
		return ModuleReady{ModuleID: f.ModuleID}, nil

	case FunctionClassification:
		payload, err := unwrapString(f.Data)
		if err != nil {
			return nil, fmt.Errorf("eventstream: classification: %w", err)
		}

		var c Classification
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("eventstream: classification: %w", err)
		}
		return c, nil

	case FunctionWeight:
		// Unparseable readings count as zero so the recalibration path runs.
		return WeightReading{Raw: number(f.Data)}, nil

	case FunctionDeviceStatus:
		raw := scalar(f.Data)
		code, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("eventstream: device status %q: %w", raw, err)
		}
		return DeviceStatus{Code: code}, nil

	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownFunction, f.Function)
	}
}

// unwrapString returns the JSON document held in raw, which is either the
// document itself or a string containing it.
func unwrapString(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("missing data")
	}

	if raw[0] != '"' {
		return raw, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// scalar returns raw as a trimmed string, unquoting JSON strings.
func scalar(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

// number parses raw as a finite float. Garbage, NaN and infinities read as 0.
func number(raw json.RawMessage) float64 {
	v, err := strconv.ParseFloat(scalar(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
