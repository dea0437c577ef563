package devicestate

import (
	"sync"

	"github.com/pkg/errors"
)

// DeviceConfig is one entry of the devices config list
type DeviceConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

// MemoryDevice holds attributes in memory
type MemoryDevice struct {
	id   string
	name string

	mu    sync.RWMutex
	attrs map[string]interface{}
}

func (d *MemoryDevice) ID() string {
	return d.id
}

func (d *MemoryDevice) Name() string {
	return d.name
}

func (d *MemoryDevice) UpdateAttribute(code string, value interface{}) error {
	if code == "" {
		return errors.New("empty attribute code")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.attrs[code] = value
	return nil
}

func (d *MemoryDevice) Attribute(code string) (interface{}, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.attrs[code]
	return v, ok
}

// MemoryRegistry is a fixed set of devices, keyed by cloud device ID
type MemoryRegistry struct {
	devices map[string]*MemoryDevice
}

func NewMemoryRegistry(cfgs []DeviceConfig) (*MemoryRegistry, error) {
	r := &MemoryRegistry{devices: make(map[string]*MemoryDevice, len(cfgs))}

	for _, c := range cfgs {
		if c.ID == "" {
			return nil, errors.Errorf("device %q has no id", c.Name)
		}
		if _, dup := r.devices[c.ID]; dup {
			return nil, errors.Errorf("device %s listed twice", c.ID)
		}

		r.devices[c.ID] = &MemoryDevice{id: c.ID, name: c.Name, attrs: make(map[string]interface{})}
	}

	return r, nil
}

func (r *MemoryRegistry) FindByProviderID(id string) (Device, bool) {
	d, ok := r.devices[id]
	if !ok {
		return nil, false
	}
	return d, true
}

// Device returns the concrete device, for callers that read attributes
func (r *MemoryRegistry) Device(id string) (*MemoryDevice, bool) {
	d, ok := r.devices[id]
	return d, ok
}
