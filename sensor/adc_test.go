package sensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestADCToPercent_Endpoints(t *testing.T) {
	pct, ok := ADCToPercent(4095, 0, 4095)
	require.True(t, ok)
	assert.Equal(t, 0.0, pct, "fully dry")

	pct, ok = ADCToPercent(0, 0, 4095)
	require.True(t, ok)
	assert.Equal(t, 100.0, pct, "fully wet")
}

func TestADCToPercent_RoundsToOneDecimal(t *testing.T) {
	pct, ok := ADCToPercent(2000, 0, 4095)
	require.True(t, ok)
	// (2095/4095)*100 = 51.159...
	assert.Equal(t, 51.2, pct)
}

func TestADCToPercent_Clamps(t *testing.T) {
	tests := []struct {
		name     string
		raw      float64
		min, max float64
		want     float64
	}{
		{"below min", -300, 0, 4095, 100},
		{"above max", 9000, 0, 4095, 0},
		{"custom range below", 500, 1000, 3000, 100},
		{"custom range above", 3500, 1000, 3000, 0},
		{"custom range mid", 2000, 1000, 3000, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pct, ok := ADCToPercent(tt.raw, tt.min, tt.max)
			require.True(t, ok)
			assert.Equal(t, tt.want, pct)
		})
	}
}

func TestADCToPercent_Invalid(t *testing.T) {
	tests := []struct {
		name          string
		raw, min, max float64
	}{
		{"max equals min", 10, 100, 100},
		{"max below min", 10, 200, 100},
		{"nan raw", math.NaN(), 0, 4095},
		{"inf raw", math.Inf(1), 0, 4095},
		{"nan min", 10, math.NaN(), 4095},
		{"inf max", 10, 0, math.Inf(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ADCToPercent(tt.raw, tt.min, tt.max)
			assert.False(t, ok)
		})
	}
}

func TestADCToPercent_MonotonicAndBounded(t *testing.T) {
	ranges := []Calibration{{0, 4095}, {1200, 3100}, {-50, 50}, {0, 1}}

	for _, cal := range ranges {
		prev := math.Inf(1)
		span := cal.Max - cal.Min
		for i := -20; i <= 120; i++ {
			raw := cal.Min + span*float64(i)/100
			pct, ok := ADCToPercent(raw, cal.Min, cal.Max)
			require.True(t, ok)
			assert.GreaterOrEqual(t, pct, 0.0)
			assert.LessOrEqual(t, pct, 100.0)
			assert.LessOrEqual(t, pct, prev, "non-increasing in raw value for %+v at %v", cal, raw)
			prev = pct
		}
	}
}
