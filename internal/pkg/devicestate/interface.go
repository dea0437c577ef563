package devicestate

// Device is a local device bound to a cloud device ID
type Device interface {
	ID() string
	UpdateAttribute(code string, value interface{}) error
}

// Registry resolves cloud (provider) device IDs to local devices
type Registry interface {
	FindByProviderID(id string) (Device, bool)
}
