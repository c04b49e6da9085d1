package file

import (
	"context"

	"github.com/nextlevelbuilder/autoreply/internal/store"
)

// StaticDeviceStore implements store.DeviceStore over a fixed list, usually
// the devices section of the config file.
type StaticDeviceStore struct {
	devices []store.DeviceInstance
}

func NewStaticDeviceStore(devices []store.DeviceInstance) *StaticDeviceStore {
	return &StaticDeviceStore{devices: devices}
}

func (s *StaticDeviceStore) ListEnabled(context.Context) ([]store.DeviceInstance, error) {
	out := make([]store.DeviceInstance, 0, len(s.devices))
	for _, d := range s.devices {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out, nil
}
