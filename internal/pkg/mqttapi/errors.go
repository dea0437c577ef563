package mqttapi

import "github.com/pkg/errors"

// Use errors.Is() to test for these
var (
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrSubscribeFailed  = errors.New("mqtt: subscribe failed")
	ErrTimeout          = errors.New("mqtt: operation timed out")
	ErrStale            = errors.New("mqtt: connection stale")
	ErrInvalidSession   = errors.New("mqtt: session config has no broker URL or device topic")
)
