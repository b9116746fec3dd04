// Package capability resolves glasses model names to hardware capability
// profiles and checks App hardware requirements against them.
package capability

import (
	"fmt"
	"strings"
)

// FallbackModel is the profile used when a device reports an unknown model.
const FallbackModel = "Even Realities G1"

// Hardware names a capability an App may require.
type Hardware string

const (
	HardwareCamera     Hardware = "CAMERA"
	HardwareDisplay    Hardware = "DISPLAY"
	HardwareMicrophone Hardware = "MICROPHONE"
	HardwareSpeaker    Hardware = "SPEAKER"
	HardwareIMU        Hardware = "IMU"
	HardwareButton     Hardware = "BUTTON"
	HardwareWiFi       Hardware = "WIFI"
)

// RequirementLevel distinguishes hard requirements from nice-to-haves.
type RequirementLevel string

const (
	LevelRequired RequirementLevel = "REQUIRED"
	LevelOptional RequirementLevel = "OPTIONAL"
)

// Requirement is one hardware requirement declared by an App.
type Requirement struct {
	Hardware Hardware         `json:"hardware"`
	Level    RequirementLevel `json:"level"`
}

// Profile describes the hardware of one glasses model.
type Profile struct {
	ModelName     string `json:"modelName"`
	HasCamera     bool   `json:"hasCamera"`
	HasDisplay    bool   `json:"hasDisplay"`
	HasMicrophone bool   `json:"hasMicrophone"`
	HasSpeaker    bool   `json:"hasSpeaker"`
	HasIMU        bool   `json:"hasImu"`
	HasButton     bool   `json:"hasButton"`
	HasWiFi       bool   `json:"hasWifi"`
}

// Has reports whether the profile provides the named hardware.
func (p Profile) Has(hw Hardware) bool {
	switch hw {
	case HardwareCamera:
		return p.HasCamera
	case HardwareDisplay:
		return p.HasDisplay
	case HardwareMicrophone:
		return p.HasMicrophone
	case HardwareSpeaker:
		return p.HasSpeaker
	case HardwareIMU:
		return p.HasIMU
	case HardwareButton:
		return p.HasButton
	case HardwareWiFi:
		return p.HasWiFi
	}
	return false
}

// profiles is the built-in model→capability table. Lookup is
// case-insensitive on the model name.
var profiles = map[string]Profile{
	"even realities g1": {
		ModelName:     "Even Realities G1",
		HasDisplay:    true,
		HasMicrophone: true,
		HasIMU:        true,
		HasButton:     true,
	},
	"mentra live": {
		ModelName:     "Mentra Live",
		HasCamera:     true,
		HasMicrophone: true,
		HasSpeaker:    true,
		HasButton:     true,
		HasWiFi:       true,
	},
	"mentra mach1": {
		ModelName:     "Mentra Mach1",
		HasDisplay:    true,
		HasMicrophone: true,
		HasIMU:        true,
	},
	"vuzix z100": {
		ModelName:  "Vuzix Z100",
		HasDisplay: true,
		HasIMU:     true,
	},
}

// ForModel resolves a model name to its capability profile. The second
// return is false when the model is unknown.
func ForModel(model string) (Profile, bool) {
	p, ok := profiles[strings.ToLower(strings.TrimSpace(model))]
	return p, ok
}

// Default returns the fallback profile ([FallbackModel]).
func Default() Profile {
	p, _ := ForModel(FallbackModel)
	return p
}

// Missing returns the required hardware the profile lacks. Optional
// requirements never appear in the result.
func Missing(p Profile, reqs []Requirement) []Hardware {
	var missing []Hardware
	for _, r := range reqs {
		if r.Level != LevelRequired {
			continue
		}
		if !p.Has(r.Hardware) {
			missing = append(missing, r.Hardware)
		}
	}
	return missing
}

// IncompatibleError reports required hardware a device does not provide.
type IncompatibleError struct {
	PackageName string
	ModelName   string
	Missing     []Hardware
}

// Error implements the error interface.
func (e *IncompatibleError) Error() string {
	names := make([]string, len(e.Missing))
	for i, hw := range e.Missing {
		names[i] = string(hw)
	}
	return fmt.Sprintf("capability: app %s requires %s which %s does not provide",
		e.PackageName, strings.Join(names, ", "), e.ModelName)
}
