package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ppalechor/agrotic-telemetry/health"
	"github.com/ppalechor/agrotic-telemetry/reconcile"
	"github.com/ppalechor/agrotic-telemetry/sensor"
	"github.com/ppalechor/agrotic-telemetry/settings"
)

// Readings exposes the reconciled per-sensor state.
type Readings interface {
	Views(presence reconcile.Presence) []reconcile.SensorView
	View(id sensor.ID, presence reconcile.Presence) (reconcile.SensorView, bool)
	History(id sensor.ID) []float64
}

// Connectivity exposes transport and per-sensor liveness.
type Connectivity interface {
	reconcile.Presence
	Snapshot() health.Connectivity
}

// SettingsWriter persists broker settings. A successful save restarts the
// pub/sub adapter through the store's watch.
type SettingsWriter interface {
	Load(ctx context.Context) (settings.Settings, error)
	Save(ctx context.Context, st settings.Settings) error
}

// HealthReporter aggregates component health.
type HealthReporter interface {
	AggregateHealth(systemName string) health.Status
}

// Refresher reloads the sensor catalogue from the backend.
type Refresher interface {
	RefreshSensors(ctx context.Context) error
}

// Dashboard exposes the latest dashboard summary pushed by the backend.
type Dashboard interface {
	Latest() (json.RawMessage, time.Time, bool)
}

// Dependencies are the collaborators served by the API. Settings, Health,
// Refresher and Dashboard may be nil; their routes then answer 503.
type Dependencies struct {
	Readings     Readings
	Connectivity Connectivity
	Settings     SettingsWriter
	Health       HealthReporter
	Refresher    Refresher
	Dashboard    Dashboard
}
