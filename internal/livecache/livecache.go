// Package livecache holds the most recent environmental reading per
// device in memory. Heartbeat data is high-frequency and disposable;
// it never touches the database.
package livecache

import (
	"sync"
	"time"
)

// Reading is one environmental heartbeat. Pointer fields are absent
// when the sensor did not report them.
type Reading struct {
	CO2           *int     `json:"co2,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	Humidity      *float64 `json:"humidity,omitempty"`
	VPD           *float64 `json:"vpd,omitempty"`
	Pressure      *float64 `json:"pressure,omitempty"`
	Altitude      *float64 `json:"altitude,omitempty"`
	GasResistance *float64 `json:"gas_resistance,omitempty"`
	AirQuality    *int     `json:"air_quality,omitempty"`
	Lux           *float64 `json:"lux,omitempty"`
	PPFD          *float64 `json:"ppfd,omitempty"`

	Timestamp  string    `json:"timestamp,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Cache maps device hardware IDs to their latest reading.
type Cache struct {
	mu       sync.RWMutex
	readings map[string]Reading
}

func New() *Cache {
	return &Cache{readings: make(map[string]Reading)}
}

// Put overwrites the cached reading for a device, stamping ReceivedAt.
func (c *Cache) Put(deviceID string, r Reading) {
	r.ReceivedAt = time.Now().UTC()
	c.mu.Lock()
	c.readings[deviceID] = r
	c.mu.Unlock()
}

// Get returns the latest reading for a device, if any.
func (c *Cache) Get(deviceID string) (Reading, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.readings[deviceID]
	return r, ok
}

// Forget drops a device's cached reading.
func (c *Cache) Forget(deviceID string) {
	c.mu.Lock()
	delete(c.readings, deviceID)
	c.mu.Unlock()
}
