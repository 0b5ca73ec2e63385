package gateway

import (
	"encoding/json"
	"sync"
	"time"
)

// DashboardCache keeps the latest dashboardUpdate payload from the push
// channel. The payload is opaque to the engine and served unchanged.
type DashboardCache struct {
	mu    sync.RWMutex
	raw   json.RawMessage
	at    time.Time
	clock func() time.Time
}

// NewDashboardCache creates an empty cache. A nil clock uses time.Now.
func NewDashboardCache(clock func() time.Time) *DashboardCache {
	if clock == nil {
		clock = time.Now
	}
	return &DashboardCache{clock: clock}
}

// Store replaces the cached payload. Empty and invalid JSON payloads are ignored.
func (c *DashboardCache) Store(raw json.RawMessage) {
	if len(raw) == 0 || !json.Valid(raw) {
		return
	}
	cp := append(json.RawMessage(nil), raw...)

	c.mu.Lock()
	c.raw = cp
	c.at = c.clock()
	c.mu.Unlock()
}

// Latest returns the cached payload and when it arrived.
func (c *DashboardCache) Latest() (json.RawMessage, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.raw == nil {
		return nil, time.Time{}, false
	}
	return append(json.RawMessage(nil), c.raw...), c.at, true
}

// Reset drops the cached payload.
func (c *DashboardCache) Reset() {
	c.mu.Lock()
	c.raw = nil
	c.at = time.Time{}
	c.mu.Unlock()
}
