// Package edgefn generates, packages, and provisions the per-distribution
// edge routing functions that steer requests to the origin bucket nearest the
// executing edge location.
package edgefn

import "fmt"

// Preset is a fixed region-to-origin-slot mapping table. Slots (origin1,
// origin2, ...) are filled positionally from a distribution's additional
// origins; unfilled slots resolve to the default origin.
type Preset struct {
	Name            string
	Description     string
	RequiredOrigins int
	Mapping         map[string]string
}

const (
	PresetAsiaUS      = "asia-us"
	PresetGlobalThree = "global-three"
)

var presets = map[string]Preset{
	PresetAsiaUS: {
		Name:            "Asia-Pacific + Americas",
		Description:     "2-origin setup: Asia-Pacific regions + Rest of world",
		RequiredOrigins: 2,
		Mapping: map[string]string{
			"ap-east-1":      "origin1",
			"ap-northeast-1": "origin1",
			"ap-northeast-2": "origin1",
			"ap-northeast-3": "origin1",
			"ap-south-1":     "origin1",
			"ap-south-2":     "origin1",
			"ap-southeast-1": "origin1",
			"ap-southeast-2": "origin1",
			"ap-southeast-3": "origin1",
			"ap-southeast-4": "origin1",
			"ap-southeast-5": "origin1",
			"ap-southeast-7": "origin1",
			"me-central-1":   "origin1",

			"us-east-1":    "origin2",
			"us-east-2":    "origin2",
			"us-west-1":    "origin2",
			"us-west-2":    "origin2",
			"ca-central-1": "origin2",
			"ca-west-1":    "origin2",
			"eu-central-1": "origin2",
			"eu-central-2": "origin2",
			"eu-north-1":   "origin2",
			"eu-south-1":   "origin2",
			"eu-south-2":   "origin2",
			"eu-west-1":    "origin2",
			"eu-west-2":    "origin2",
			"eu-west-3":    "origin2",
			"af-south-1":   "origin2",
			"il-central-1": "origin2",
			"me-south-1":   "origin2",
			"mx-central-1": "origin2",
			"sa-east-1":    "origin2",
		},
	},
	PresetGlobalThree: {
		Name:            "Global 3-Region",
		Description:     "3-origin setup: Asia-Pacific, Americas, Europe+Others",
		RequiredOrigins: 3,
		Mapping: map[string]string{
			"ap-east-1":      "origin1",
			"ap-northeast-1": "origin1",
			"ap-northeast-2": "origin1",
			"ap-northeast-3": "origin1",
			"ap-south-1":     "origin1",
			"ap-south-2":     "origin1",
			"ap-southeast-1": "origin1",
			"ap-southeast-2": "origin1",
			"ap-southeast-3": "origin1",
			"ap-southeast-4": "origin1",
			"ap-southeast-5": "origin1",
			"ap-southeast-7": "origin1",
			"me-central-1":   "origin1",

			"us-east-1":    "origin2",
			"us-east-2":    "origin2",
			"us-west-1":    "origin2",
			"us-west-2":    "origin2",
			"ca-central-1": "origin2",
			"ca-west-1":    "origin2",
			"mx-central-1": "origin2",
			"sa-east-1":    "origin2",

			"eu-central-1": "origin3",
			"eu-central-2": "origin3",
			"eu-north-1":   "origin3",
			"eu-south-1":   "origin3",
			"eu-south-2":   "origin3",
			"eu-west-1":    "origin3",
			"eu-west-2":    "origin3",
			"eu-west-3":    "origin3",
			"af-south-1":   "origin3",
			"il-central-1": "origin3",
			"me-south-1":   "origin3",
		},
	},
}

// LookupPreset returns the named preset.
func LookupPreset(name string) (Preset, error) {
	p, ok := presets[name]
	if !ok {
		return Preset{}, &ConfigurationError{msg: fmt.Sprintf("unknown routing preset %q", name)}
	}
	return p, nil
}

// PresetNames lists the available presets.
func PresetNames() []string {
	return []string{PresetAsiaUS, PresetGlobalThree}
}

// ConfigurationError reports an invalid generator input, such as an origin
// count below the preset's requirement. Raised before any external call.
type ConfigurationError struct {
	msg string
}

func (e *ConfigurationError) Error() string { return e.msg }
