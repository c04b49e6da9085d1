package channels

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/autoreply/internal/bus"
	"github.com/nextlevelbuilder/autoreply/internal/store"
)

// ChannelFactory creates a Channel from device instance data.
// name is the channel name registered in the Manager. inst.Credentials holds
// secrets (bridge URL, tokens); inst.Config the non-secret settings.
// A nil Channel with a nil error means the instance is not ready yet.
type ChannelFactory func(name string, inst store.DeviceInstance, msgBus *bus.MessageBus) (Channel, error)

// InstanceLoader loads device instances and registers them with the Manager.
// LoadAll runs at startup, Reload on device cache invalidation.
type InstanceLoader struct {
	store     store.DeviceStore
	factories map[string]ChannelFactory
	manager   *Manager
	msgBus    *bus.MessageBus
	mu        sync.Mutex
	loaded    map[string]struct{} // channel names managed by this loader
}

// NewInstanceLoader creates a new InstanceLoader.
func NewInstanceLoader(s store.DeviceStore, mgr *Manager, msgBus *bus.MessageBus) *InstanceLoader {
	return &InstanceLoader{
		store:     s,
		factories: make(map[string]ChannelFactory),
		manager:   mgr,
		msgBus:    msgBus,
		loaded:    make(map[string]struct{}),
	}
}

// RegisterFactory registers a factory for a channel type (e.g. "whatsapp").
func (l *InstanceLoader) RegisterFactory(channelType string, factory ChannelFactory) {
	l.factories[channelType] = factory
}

// InstanceName is the Manager name of a device channel.
func InstanceName(inst store.DeviceInstance) string {
	return inst.ChannelType + ":" + inst.ID
}

// LoadAll loads all enabled device instances and registers them.
// Channels are not started; Manager.StartAll does that.
func (l *InstanceLoader) LoadAll(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	instances, err := l.store.ListEnabled(ctx)
	if err != nil {
		return err
	}

	registered := 0
	for _, inst := range instances {
		if err := l.loadInstance(ctx, inst, false); err != nil {
			slog.Error("failed to load device instance",
				"device", inst.ID, "tenant", inst.TenantID, "type", inst.ChannelType, "error", err)
			continue
		}
		registered++
	}

	slog.Info("device instances loaded", "count", registered)
	return nil
}

// Reload stops all managed channels, reloads instances, and starts them.
func (l *InstanceLoader) Reload(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopLocked(ctx)

	// Give the bridge a moment to release the old sockets.
	time.Sleep(500 * time.Millisecond)

	instances, err := l.store.ListEnabled(ctx)
	if err != nil {
		slog.Error("failed to reload device instances", "error", err)
		return
	}

	registered := 0
	for _, inst := range instances {
		if err := l.loadInstance(ctx, inst, true); err != nil {
			slog.Error("failed to reload device instance",
				"device", inst.ID, "tenant", inst.TenantID, "type", inst.ChannelType, "error", err)
			continue
		}
		registered++
	}

	slog.Info("device instances reloaded", "count", registered)
}

// Stop stops all managed channels.
func (l *InstanceLoader) Stop(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked(ctx)
}

func (l *InstanceLoader) stopLocked(ctx context.Context) {
	for name := range l.loaded {
		if ch, ok := l.manager.GetChannel(name); ok {
			if err := ch.Stop(ctx); err != nil {
				slog.Warn("failed to stop device channel", "name", name, "error", err)
			}
		}
		l.manager.UnregisterChannel(name)
	}
	l.loaded = make(map[string]struct{})
}

// LoadedNames returns the set of channel names managed by the loader.
func (l *InstanceLoader) LoadedNames() map[string]struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make(map[string]struct{}, len(l.loaded))
	for k, v := range l.loaded {
		result[k] = v
	}
	return result
}

// loadInstance creates and registers one channel (caller holds the lock).
func (l *InstanceLoader) loadInstance(ctx context.Context, inst store.DeviceInstance, autoStart bool) error {
	factory, ok := l.factories[inst.ChannelType]
	if !ok {
		slog.Warn("no factory for channel type", "type", inst.ChannelType, "device", inst.ID)
		return nil
	}

	name := InstanceName(inst)
	ch, err := factory(name, inst, l.msgBus)
	if err != nil {
		return err
	}
	if ch == nil {
		slog.Info("device instance not ready (missing credentials)", "device", inst.ID, "type", inst.ChannelType)
		return nil
	}

	l.manager.RegisterChannel(name, ch)
	l.loaded[name] = struct{}{}

	if autoStart {
		if err := ch.Start(ctx); err != nil {
			slog.Error("device channel start failed", "name", name, "error", err)
		}
	}

	slog.Info("device instance loaded", "name", name, "tenant", inst.TenantID, "display_name", inst.DisplayName)
	return nil
}
