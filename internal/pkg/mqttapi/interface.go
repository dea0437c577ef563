package mqttapi

import (
	"context"
	"time"

	"github.com/jake-scott/tuya-bridge/internal/pkg/telemetry"
)

const (
	KeepAlive              = time.Second * 30
	ReconnectPeriod        = time.Second * 5
	DefaultMonitorInterval = time.Second * 30
	DefaultStaleTimeout    = time.Second * 120
	ConnectTimeout         = time.Second * 10
)

// Topics as issued in the session config
type Topics struct {
	Device string `json:"device"`
}

// SessionConfig is the result of /v1.0/open-hub/access/config.  The cloud
// issues a new one per connection attempt.
type SessionConfig struct {
	URL         string `json:"url"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	ExpireTime  int64  `json:"expire_time"`
	SourceTopic Topics `json:"source_topic"`
	SinkTopic   Topics `json:"sink_topic"`
}

// Subscriber owns the MQTT session that carries device telemetry
type Subscriber interface {
	// Start connects and subscribes to the source device topic
	Start(ctx context.Context, cfg SessionConfig) error

	// Stop force closes the session.  No callbacks fire afterwards.
	Stop()

	// OnMessage registers the telemetry callback, invoked once per status
	// entry in report order
	OnMessage(func(telemetry.Telemetry))

	// OnDisconnect registers the stale connection callback
	OnDisconnect(func(error))

	// LastMessageTime is when the last packet of any kind arrived
	LastMessageTime() time.Time

	IsConnected() bool
}
