// Package maps holds the process-wide script maps: the global map, the
// per-channel global maps, and the configuration map. All writes are
// key-level atomic.
package maps

import (
	"sync"

	"github.com/interlock-hie/interlock/internal/domain/message"
)

// Manager owns the process-wide maps shared by every channel's scripts.
// A single Manager is created at engine boot; tests create their own.
type Manager struct {
	global        *message.KeyMap
	configuration *message.KeyMap

	mu            sync.Mutex
	globalChannel map[string]*message.KeyMap
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		global:        message.NewKeyMap(),
		configuration: message.NewKeyMap(),
		globalChannel: make(map[string]*message.KeyMap),
	}
}

// Global returns the process-wide global map.
func (m *Manager) Global() *message.KeyMap {
	return m.global
}

// Configuration returns the configuration map.
func (m *Manager) Configuration() *message.KeyMap {
	return m.configuration
}

// GlobalChannel returns the global map scoped to one channel, creating it on
// first use.
func (m *Manager) GlobalChannel(channelID string) *message.KeyMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	km, ok := m.globalChannel[channelID]
	if !ok {
		km = message.NewKeyMap()
		m.globalChannel[channelID] = km
	}
	return km
}

// Reset clears all maps. Intended for tests and engine restart.
func (m *Manager) Reset() {
	m.global.Replace(nil)
	m.configuration.Replace(nil)
	m.mu.Lock()
	m.globalChannel = make(map[string]*message.KeyMap)
	m.mu.Unlock()
}
