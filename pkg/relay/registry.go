package relay

import (
	"sort"
	"sync"
	"time"
)

// DeviceRegistry maps device IDs to their live session
type DeviceRegistry struct {
	mu      sync.RWMutex
	devices map[string]*Session
}

// DeviceInfo describes a registered device
type DeviceInfo struct {
	DeviceID     string    `json:"device_id"`
	SessionID    string    `json:"session_id"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// NewDeviceRegistry creates a new device registry
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{
		devices: make(map[string]*Session),
	}
}

// Register binds deviceID to session and returns the session it replaced, if any
func (r *DeviceRegistry) Register(deviceID string, session *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.devices[deviceID]
	r.devices[deviceID] = session
	if prev == session {
		return nil
	}
	return prev
}

// Remove unbinds deviceID only if it still belongs to session.
// A device that reconnected keeps its newer entry.
func (r *DeviceRegistry) Remove(deviceID string, session *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.devices[deviceID]; ok && current == session {
		delete(r.devices, deviceID)
		return true
	}
	return false
}

// Get retrieves the session for a device
func (r *DeviceRegistry) Get(deviceID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.devices[deviceID]
	return session, exists
}

// Count returns the number of registered devices
func (r *DeviceRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.devices)
}

// List returns information about every registered device, ordered by device ID
func (r *DeviceRegistry) List() []DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]DeviceInfo, 0, len(r.devices))
	for deviceID, session := range r.devices {
		infos = append(infos, DeviceInfo{
			DeviceID:     deviceID,
			SessionID:    session.ID,
			RemoteAddr:   session.RemoteAddr,
			ConnectedAt:  session.ConnectedAt,
			LastActivity: session.LastActivity(),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].DeviceID < infos[j].DeviceID
	})
	return infos
}
