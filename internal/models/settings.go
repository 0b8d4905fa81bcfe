package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DeviceSettings — typed view of the Device.Settings JSON blob.
// Recognized keys get explicit optional fields with documented
// defaults; everything else lands in Extra and is written back
// untouched so newer devices can round-trip keys this server does not
// know yet.
//
// Defaults: use_fahrenheit=false, update_interval=60s, log_interval=300s,
// pending_reboot=false, light_threshold=1000 lux.
type DeviceSettings struct {
	UseFahrenheit  *bool    `json:"use_fahrenheit,omitempty"`
	UpdateInterval *int     `json:"update_interval,omitempty"`
	LogInterval    *int     `json:"log_interval,omitempty"`
	PendingReboot  *bool    `json:"pending_reboot,omitempty"`
	LightThreshold *float64 `json:"light_threshold,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var settingsKnownKeys = map[string]struct{}{
	"use_fahrenheit":  {},
	"update_interval": {},
	"log_interval":    {},
	"pending_reboot":  {},
	"light_threshold": {},
}

// ParseDeviceSettings decodes the stored blob. An empty or malformed
// blob yields zero settings rather than an error: devices have shipped
// garbage here before and the check-in path must not reject them for it.
func ParseDeviceSettings(blob string) DeviceSettings {
	var s DeviceSettings
	if blob == "" {
		return s
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(blob), &raw); err != nil {
		return s
	}
	type known DeviceSettings
	var k known
	_ = json.Unmarshal([]byte(blob), &k)
	s = DeviceSettings(k)
	for key, v := range raw {
		if _, ok := settingsKnownKeys[key]; ok {
			continue
		}
		if s.Extra == nil {
			s.Extra = map[string]json.RawMessage{}
		}
		s.Extra[key] = v
	}
	return s
}

// Encode serializes settings back to the storage blob, unknown keys
// included.
func (s DeviceSettings) Encode() (string, error) {
	type known DeviceSettings
	b, err := json.Marshal(known(s))
	if err != nil {
		return "", err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(b, &merged); err != nil {
		return "", err
	}
	for key, v := range s.Extra {
		if _, ok := merged[key]; !ok {
			merged[key] = v
		}
	}
	out, err := json.Marshal(merged)
	return string(out), err
}

// Apply merges a JSON patch into the settings. A null value clears the
// key; unknown keys are stored verbatim in Extra.
func (s *DeviceSettings) Apply(patch map[string]json.RawMessage) error {
	isNull := func(v json.RawMessage) bool { return bytes.Equal(bytes.TrimSpace(v), []byte("null")) }
	for key, v := range patch {
		var err error
		switch key {
		case "use_fahrenheit":
			s.UseFahrenheit, err = applyField(s.UseFahrenheit, v, isNull(v))
		case "update_interval":
			s.UpdateInterval, err = applyField(s.UpdateInterval, v, isNull(v))
		case "log_interval":
			s.LogInterval, err = applyField(s.LogInterval, v, isNull(v))
		case "pending_reboot":
			s.PendingReboot, err = applyField(s.PendingReboot, v, isNull(v))
		case "light_threshold":
			s.LightThreshold, err = applyField(s.LightThreshold, v, isNull(v))
		default:
			if isNull(v) {
				delete(s.Extra, key)
				continue
			}
			if s.Extra == nil {
				s.Extra = map[string]json.RawMessage{}
			}
			s.Extra[key] = v
		}
		if err != nil {
			return fmt.Errorf("setting %q: %w", key, err)
		}
	}
	return nil
}

func applyField[T any](cur *T, v json.RawMessage, null bool) (*T, error) {
	if null {
		return nil, nil
	}
	var val T
	if err := json.Unmarshal(v, &val); err != nil {
		return cur, err
	}
	return &val, nil
}

func (s DeviceSettings) UseFahrenheitOrDefault() bool {
	if s.UseFahrenheit != nil {
		return *s.UseFahrenheit
	}
	return false
}

func (s DeviceSettings) UpdateIntervalOrDefault() int {
	if s.UpdateInterval != nil {
		return *s.UpdateInterval
	}
	return 60
}

func (s DeviceSettings) LogIntervalOrDefault() int {
	if s.LogInterval != nil {
		return *s.LogInterval
	}
	return 300
}

func (s DeviceSettings) LightThresholdOrDefault() float64 {
	if s.LightThreshold != nil {
		return *s.LightThreshold
	}
	return 1000
}
