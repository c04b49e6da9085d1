package protocol

// In-process event names broadcast on the message bus.
const (
	// Cache invalidation (payload: bus.CacheInvalidatePayload).
	EventCacheInvalidate = "cache.invalidate"

	// Device channel connected or disconnected (payload: bus.DeviceStatusPayload).
	EventDeviceStatus = "device.status"

	// Gateway is shutting down.
	EventShutdown = "shutdown"
)
