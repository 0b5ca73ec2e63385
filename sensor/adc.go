package sensor

import "math"

// Default calibration of the soil-moisture probe's 12-bit ADC.
const (
	DefaultADCMin = 0.0
	DefaultADCMax = 4095.0
)

// Calibration is the raw ADC range of a soil-moisture probe.
type Calibration struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// DefaultCalibration returns the 0..4095 range.
func DefaultCalibration() Calibration {
	return Calibration{Min: DefaultADCMin, Max: DefaultADCMax}
}

// ADCToPercent converts a raw ADC reading to a moisture percentage rounded to
// one decimal. The scale is inverted: a higher raw value means drier soil.
// ok is false when max <= min or any input is not finite.
func ADCToPercent(raw, min, max float64) (float64, bool) {
	if !IsFinite(raw) || !IsFinite(min) || !IsFinite(max) || max <= min {
		return 0, false
	}

	clamped := math.Min(math.Max(raw, min), max)
	pct := ((max - clamped) / (max - min)) * 100
	return math.Round(pct*10) / 10, true
}
