// Package cache holds the last known position of each reporting sensor.
package cache

import "sync"

// SensorPosition is the most recent position report for one sensor.
type SensorPosition struct {
	SensorID string
	Lat      float64
	Lon      float64
	AltHAE   float64
	AltMSL   float64
	Alt      float64
	Track    float64
	MagTrack float64
	Speed    float64

	// HasFix is false until a report with usable lat/lon arrives.
	HasFix bool
}

// Positions maps sensor id to its last known position. Entries are replaced
// whole on every position report and live for the process lifetime; the
// sensor population is small and bounded by deployment.
type Positions struct {
	mu      sync.RWMutex
	entries map[string]SensorPosition
}

// NewPositions creates an empty position cache.
func NewPositions() *Positions {
	return &Positions{entries: make(map[string]SensorPosition)}
}

// Update replaces the cached position for pos.SensorID.
func (p *Positions) Update(pos SensorPosition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[pos.SensorID] = pos
}

// Get returns a snapshot of the cached position for the sensor, if any.
func (p *Positions) Get(sensorID string) (SensorPosition, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.entries[sensorID]
	return pos, ok
}

// Len reports the number of sensors with a cached position.
func (p *Positions) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
