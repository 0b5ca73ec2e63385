package sensor

import (
	"regexp"
	"strings"
)

// Field names by sensor category, primary key first.
var (
	temperatureKeys = []string{"temperatura", "temp", "temperature"}
	airHumidityKeys = []string{"humedad_aire", "humidity"}
	soilPercentKeys = []string{"humedad_suelo", "soil_moisture"}
	soilADCKeys     = []string{"humedad_suelo_adc", "soil_moisture_adc"}
)

var whitespace = regexp.MustCompile(`\s+`)

// FieldKey derives the generic payload key for a sensor type:
// lowercase, with every whitespace run replaced by an underscore.
func FieldKey(sensorType string) string {
	return whitespace.ReplaceAllString(strings.ToLower(sensorType), "_")
}

// Extract maps a raw payload to a reading for a sensor of the given type.
// ok is false when no usable field is present or the result is not finite.
func Extract(p Payload, sensorType string, cal Calibration) (float64, bool) {
	t := strings.ToLower(sensorType)

	switch {
	case strings.Contains(t, "temperatura"):
		return p.First(temperatureKeys...)

	case strings.Contains(t, "humedad") && strings.Contains(t, "aire"):
		return p.First(airHumidityKeys...)

	case strings.Contains(t, "humedad") && strings.Contains(t, "suelo"):
		if v, ok := p.First(soilPercentKeys...); ok {
			return v, true
		}
		raw, ok := p.First(soilADCKeys...)
		if !ok {
			return 0, false
		}
		// a payload may carry the probe's own calibration
		if v, ok := p.Number("adc_min"); ok {
			cal.Min = v
		}
		if v, ok := p.Number("adc_max"); ok {
			cal.Max = v
		}
		return ADCToPercent(raw, cal.Min, cal.Max)

	default:
		return p.Number(FieldKey(sensorType))
	}
}

// Extractor applies Extract with per-sensor calibration and per-type field aliases.
type Extractor struct {
	calibration map[ID]Calibration
	aliases     map[string][]string
}

// NewExtractor creates an Extractor. calibration is keyed by sensor ID,
// aliases by FieldKey of the sensor type; both may be nil.
func NewExtractor(calibration map[ID]Calibration, aliases map[string][]string) *Extractor {
	return &Extractor{calibration: calibration, aliases: aliases}
}

// Calibration returns the ADC calibration for a sensor.
func (e *Extractor) Calibration(id ID) Calibration {
	if e != nil {
		if c, ok := e.calibration[id]; ok {
			return c
		}
	}
	return DefaultCalibration()
}

// Extract reads s's value from p.
func (e *Extractor) Extract(p Payload, s Sensor) (float64, bool) {
	if v, ok := Extract(p, s.Type, e.Calibration(s.ID)); ok {
		return v, true
	}
	if e == nil {
		return 0, false
	}
	if keys, ok := e.aliases[FieldKey(s.Type)]; ok {
		return p.First(keys...)
	}
	return 0, false
}
