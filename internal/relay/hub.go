// Package relay owns the live websocket state: which device sockets
// are connected and which browser viewers are watching them, plus the
// message forwarding between the two sides.
package relay

import (
	"errors"
	"sync"
)

var ErrDeviceOffline = errors.New("device offline")

// Conn is the slice of a websocket connection the hub needs. Writes
// through the hub are serialized per connection by the caller-side
// wrapper, not here.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Hub is the single owner of the connection maps. Every mutation and
// every iterate-and-send goes through its mutex; handlers never touch
// the maps directly.
type Hub struct {
	mu      sync.Mutex
	devices map[string]Conn
	viewers map[string][]Conn
}

func NewHub() *Hub {
	return &Hub{
		devices: make(map[string]Conn),
		viewers: make(map[string][]Conn),
	}
}

// RegisterDevice records the device socket. A reconnect while the old
// socket is still registered replaces it; the stale conn is closed so
// its read loop unblocks and cleans itself up.
func (h *Hub) RegisterDevice(deviceID string, c Conn) {
	h.mu.Lock()
	old := h.devices[deviceID]
	h.devices[deviceID] = c
	h.mu.Unlock()
	if old != nil && old != c {
		_ = old.Close()
	}
}

// UnregisterDevice removes the device socket, but only if it is still
// the registered one — a replaced socket's deferred cleanup must not
// evict its successor.
func (h *Hub) UnregisterDevice(deviceID string, c Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.devices[deviceID] != c {
		return false
	}
	delete(h.devices, deviceID)
	return true
}

// DeviceOnline reports whether a device socket is registered.
func (h *Hub) DeviceOnline(deviceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.devices[deviceID]
	return ok
}

// AttachViewer adds a viewer socket and returns the viewer count after
// the attach (1 = this is the first viewer).
func (h *Hub) AttachViewer(deviceID string, c Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.viewers[deviceID] = append(h.viewers[deviceID], c)
	return len(h.viewers[deviceID])
}

// DetachViewer removes a viewer socket and returns how many remain.
func (h *Hub) DetachViewer(deviceID string, c Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	vs := h.viewers[deviceID]
	for i, v := range vs {
		if v == c {
			h.viewers[deviceID] = append(vs[:i], vs[i+1:]...)
			break
		}
	}
	n := len(h.viewers[deviceID])
	if n == 0 {
		delete(h.viewers, deviceID)
	}
	return n
}

// SendToDevice forwards a message to the device socket, if connected.
func (h *Hub) SendToDevice(deviceID string, v any) error {
	h.mu.Lock()
	c, ok := h.devices[deviceID]
	h.mu.Unlock()
	if !ok {
		return ErrDeviceOffline
	}
	return c.WriteJSON(v)
}

// Broadcast sends a message to every viewer watching the device. Send
// failures are ignored; a dead viewer cleans itself up when its own
// read loop exits.
func (h *Hub) Broadcast(deviceID string, v any) {
	h.mu.Lock()
	vs := make([]Conn, len(h.viewers[deviceID]))
	copy(vs, h.viewers[deviceID])
	h.mu.Unlock()
	for _, c := range vs {
		_ = c.WriteJSON(v)
	}
}

// NotifyDeviceStatus tells every viewer the device went on- or offline.
func (h *Hub) NotifyDeviceStatus(deviceID string, online bool) {
	h.Broadcast(deviceID, map[string]any{"type": "device_status", "online": online})
}
