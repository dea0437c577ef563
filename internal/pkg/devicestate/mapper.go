package devicestate

import (
	"sync"

	"github.com/jake-scott/tuya-bridge/internal/pkg/events"
	"github.com/jake-scott/tuya-bridge/internal/pkg/logging"
	"github.com/jake-scott/tuya-bridge/internal/pkg/telemetry"
)

// Mapper applies telemetry to registered devices and keeps the last value
// of every code it has applied
type Mapper struct {
	registry Registry
	emitter  events.Emitter

	mu    sync.RWMutex
	cache map[string]map[string]interface{}
}

func NewMapper(registry Registry, emitter events.Emitter) *Mapper {
	if emitter == nil {
		emitter = events.Discard{}
	}

	return &Mapper{
		registry: registry,
		emitter:  emitter,
		cache:    make(map[string]map[string]interface{}),
	}
}

// Coerce turns the strings "true" and "false" into booleans and leaves
// every other value alone
func Coerce(v interface{}) interface{} {
	if s, ok := v.(string); ok {
		switch s {
		case "true":
			return true
		case "false":
			return false
		}
	}
	return v
}

// Handle returns false for unknown devices and failed updates
func (m *Mapper) Handle(t telemetry.Telemetry) bool {
	log := logging.Component("devices").WithField("device", t.DeviceID)

	dev, ok := m.registry.FindByProviderID(t.DeviceID)
	if !ok {
		log.Warnf("telemetry for unknown device, ignoring %s", t.Code)
		return false
	}

	value := Coerce(t.Value)
	if err := dev.UpdateAttribute(t.Code, value); err != nil {
		log.WithError(err).Errorf("updating attribute %s", t.Code)
		return false
	}

	m.mu.Lock()
	codes, ok := m.cache[t.DeviceID]
	if !ok {
		codes = make(map[string]interface{})
		m.cache[t.DeviceID] = codes
	}
	codes[t.Code] = value
	m.mu.Unlock()

	log.Debugf("%s = %v", t.Code, value)

	m.emitter.Emit(events.DeviceState, events.DeviceStatePayload{
		DeviceID: t.DeviceID,
		Code:     t.Code,
		Value:    value,
	})

	return true
}

func (m *Mapper) GetDeviceState(deviceID, code string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.cache[deviceID][code]
	return v, ok
}
