package sensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate_Boundaries(t *testing.T) {
	const min, max = 10.0, 30.0

	assert.Equal(t, StatusNormal, Evaluate(min, min, max))
	assert.Equal(t, StatusNormal, Evaluate(max, min, max))
	assert.Equal(t, StatusNormal, Evaluate(20, min, max))
	assert.Equal(t, StatusCritical, Evaluate(min-1e-9, min, max))
	assert.Equal(t, StatusCritical, Evaluate(max+1e-9, min, max))
}

func TestEvaluate_Unknown(t *testing.T) {
	assert.Equal(t, StatusUnknown, Evaluate(math.NaN(), 0, 10))
	assert.Equal(t, StatusUnknown, Evaluate(math.Inf(-1), 0, 10))
	assert.Equal(t, StatusUnknown, Evaluate(5, math.NaN(), 10))
	assert.Equal(t, StatusUnknown, Evaluate(5, 0, math.Inf(1)))
}

func TestEvaluateReading(t *testing.T) {
	lo, hi := 15.0, 35.0
	s := Sensor{ID: "t1", Type: "Temperatura", Min: &lo, Max: &hi}

	v := 40.0
	assert.Equal(t, StatusCritical, EvaluateReading(&v, s))
	assert.Equal(t, StatusUnknown, EvaluateReading(nil, s))

	noBounds := Sensor{ID: "t2", Type: "Temperatura"}
	assert.Equal(t, StatusUnknown, EvaluateReading(&v, noBounds))
}
