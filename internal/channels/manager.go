package channels

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Manager manages all registered device channels and resolves the channel
// that should carry a tenant's replies.
type Manager struct {
	channels map[string]Channel
	mu       sync.RWMutex
}

// NewManager creates a new channel manager.
// Channels are registered externally via RegisterChannel.
func NewManager() *Manager {
	return &Manager{channels: make(map[string]Channel)}
}

// StartAll starts all registered channels. Start errors are logged; the
// channel stays registered and reports not running.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		slog.Warn("no device channels enabled")
		return nil
	}

	for name, channel := range m.channels {
		slog.Info("starting channel", "channel", name, "tenant", channel.TenantID())
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}

	slog.Info("all channels started", "count", len(m.channels))
	return nil
}

// StopAll gracefully stops all channels.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slog.Info("stopping all channels")
	for name, channel := range m.channels {
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
	return nil
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// ActiveSession returns the running channel for deviceID, or else the
// first running channel of the tenant by name.
func (m *Manager) ActiveSession(tenantID, deviceID string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []Channel
	for _, ch := range m.channels {
		if ch.TenantID() != tenantID || !ch.IsRunning() {
			continue
		}
		if deviceID != "" && ch.DeviceID() == deviceID {
			return ch, true
		}
		candidates = append(candidates, ch)
	}
	if len(candidates) == 0 {
		return nil, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name() < candidates[j].Name() })
	return candidates[0], true
}

// ChannelStatus is a snapshot of one channel for status output.
type ChannelStatus struct {
	Name     string `json:"name"`
	TenantID string `json:"tenant_id"`
	DeviceID string `json:"device_id"`
	Running  bool   `json:"running"`
}

// GetStatus returns the status of all channels sorted by name.
func (m *Manager) GetStatus() []ChannelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ChannelStatus, 0, len(m.channels))
	for name, ch := range m.channels {
		out = append(out, ChannelStatus{
			Name:     name,
			TenantID: ch.TenantID(),
			DeviceID: ch.DeviceID(),
			Running:  ch.IsRunning(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RegisterChannel adds a channel to the manager.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// UnregisterChannel removes a channel from the manager.
func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}
