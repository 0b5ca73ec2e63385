package sensor

// Status is the health classification of a reading against its declared range.
type Status string

// Health states.
const (
	StatusNormal   Status = "normal"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

// Evaluate classifies value against [min, max]. Any non-finite input yields
// StatusUnknown; boundaries are inclusive.
func Evaluate(value, min, max float64) Status {
	if !IsFinite(value) || !IsFinite(min) || !IsFinite(max) {
		return StatusUnknown
	}
	if value >= min && value <= max {
		return StatusNormal
	}
	return StatusCritical
}

// EvaluateReading classifies an optional value against s's declared range.
func EvaluateReading(value *float64, s Sensor) Status {
	if value == nil {
		return StatusUnknown
	}
	lo, hi := s.Bounds()
	return Evaluate(*value, lo, hi)
}
