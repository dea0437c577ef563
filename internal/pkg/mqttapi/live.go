package mqttapi

import (
	"context"
	"crypto/tls"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/jake-scott/tuya-bridge/internal/pkg/logging"
	"github.com/jake-scott/tuya-bridge/internal/pkg/telemetry"
)

const (
	subscribeQoS = 1

	// ms of quiesce on Stop; the session is being thrown away
	disconnectQuiesce = 0
)

// ClientFactory builds the paho client; tests substitute a fake
type ClientFactory func(opts *pahomqtt.ClientOptions) pahomqtt.Client

// conn is the state of one session.  It is shared by all copies of a Live.
type conn struct {
	mu           sync.RWMutex
	client       pahomqtt.Client
	cfg          SessionConfig
	cancel       context.CancelFunc
	onMessage    func(telemetry.Telemetry)
	onDisconnect func(error)

	lastPacket int64 // unix nanos
	connects   int32
}

var _ Subscriber = (*Live)(nil)

type Live struct {
	newClient       ClientFactory
	staleTimeout    time.Duration
	monitorInterval time.Duration
	now             func() time.Time
	c               *conn
}

func NewLive() *Live {
	return &Live{
		newClient:       pahomqtt.NewClient,
		staleTimeout:    DefaultStaleTimeout,
		monitorInterval: DefaultMonitorInterval,
		now:             time.Now,
		c:               &conn{},
	}
}

func (l *Live) WithClientFactory(f ClientFactory) *Live {
	nl := *l
	nl.newClient = f
	return &nl
}

func (l *Live) WithStaleTimeout(d time.Duration) *Live {
	nl := *l
	nl.staleTimeout = d
	return &nl
}

func (l *Live) WithMonitorInterval(d time.Duration) *Live {
	nl := *l
	nl.monitorInterval = d
	return &nl
}

func (l *Live) WithClock(now func() time.Time) *Live {
	nl := *l
	nl.now = now
	return &nl
}

func (l *Live) OnMessage(f func(telemetry.Telemetry)) {
	l.c.mu.Lock()
	l.c.onMessage = f
	l.c.mu.Unlock()
}

func (l *Live) OnDisconnect(f func(error)) {
	l.c.mu.Lock()
	l.c.onDisconnect = f
	l.c.mu.Unlock()
}

func (l *Live) touch() {
	atomic.StoreInt64(&l.c.lastPacket, l.now().UnixNano())
}

func (l *Live) LastMessageTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&l.c.lastPacket))
}

func (l *Live) IsConnected() bool {
	l.c.mu.RLock()
	client := l.c.client
	l.c.mu.RUnlock()

	return client != nil && client.IsConnected()
}

// current returns the session config if c is still the active client
func (l *Live) current(c pahomqtt.Client) (SessionConfig, bool) {
	l.c.mu.RLock()
	defer l.c.mu.RUnlock()

	if l.c.client == nil || l.c.client != c {
		return SessionConfig{}, false
	}
	return l.c.cfg, true
}

func (l *Live) clientOptions(cfg SessionConfig) *pahomqtt.ClientOptions {
	log := logging.Component("mqtt")

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(KeepAlive).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(ReconnectPeriod).
		SetConnectTimeout(ConnectTimeout).
		SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}).
		SetCustomOpenConnectionFn(l.openConnection)

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		if _, ok := l.current(c); !ok {
			return
		}

		// the first connect is subscribed by Start; later ones come from
		// paho's auto-reconnect on a clean session
		if atomic.AddInt32(&l.c.connects, 1) == 1 {
			return
		}

		log.Infof("reconnected, subscribing to %s again", cfg.SourceTopic.Device)
		c.Subscribe(cfg.SourceTopic.Device, subscribeQoS, l.wrapHandler(l.handleMessage))
	})

	opts.SetConnectionLostHandler(func(c pahomqtt.Client, err error) {
		if _, ok := l.current(c); !ok {
			return
		}
		log.WithError(err).Warnf("connection lost, retrying every %s", ReconnectPeriod)
	})

	return opts
}

func wait(ctx context.Context, tok pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}

// Start tears down any previous session, connects and subscribes
func (l *Live) Start(ctx context.Context, cfg SessionConfig) error {
	log := logging.Component("mqtt")

	if cfg.URL == "" || cfg.SourceTopic.Device == "" {
		return ErrInvalidSession
	}

	l.Stop()

	client := l.newClient(l.clientOptions(cfg))

	l.c.mu.Lock()
	l.c.client = client
	l.c.cfg = cfg
	atomic.StoreInt32(&l.c.connects, 0)
	l.c.mu.Unlock()
	l.touch()

	log.Debugf("connecting to %s as %s", cfg.URL, cfg.ClientID)
	if err := wait(ctx, client.Connect(), ConnectTimeout); err != nil {
		l.Stop()
		return errors.Wrapf(ErrConnectionFailed, "%s: %v", cfg.URL, err)
	}

	topic := cfg.SourceTopic.Device
	if err := wait(ctx, client.Subscribe(topic, subscribeQoS, l.wrapHandler(l.handleMessage)), ConnectTimeout); err != nil {
		l.Stop()
		return errors.Wrapf(ErrSubscribeFailed, "%s: %v", topic, err)
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	l.c.mu.Lock()
	l.c.cancel = cancel
	l.c.mu.Unlock()
	go l.monitor(monitorCtx, client)

	log.Infof("subscribed to %s", topic)
	return nil
}

func (l *Live) Stop() {
	l.c.mu.Lock()
	client, cancel := l.c.client, l.c.cancel
	l.c.client, l.c.cancel = nil, nil
	l.c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.Disconnect(disconnectQuiesce)
		logging.Component("mqtt").Debug("session closed")
	}
}

// monitor fires onDisconnect once when nothing has been read for the stale
// timeout.  Paho's keepalive alone misses some half-open sessions.
func (l *Live) monitor(ctx context.Context, client pahomqtt.Client) {
	log := logging.Component("mqtt")

	ticker := time.NewTicker(l.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			idle := l.now().Sub(l.LastMessageTime())
			if idle < l.staleTimeout {
				continue
			}

			if _, ok := l.current(client); !ok {
				return
			}

			log.Warnf("nothing received for %s, connection is stale", idle.Round(time.Second))

			l.c.mu.RLock()
			cb := l.c.onDisconnect
			l.c.mu.RUnlock()
			if cb != nil {
				cb(errors.Wrapf(ErrStale, "idle for %s", idle.Round(time.Second)))
			}
			return
		}
	}
}

func (l *Live) handleMessage(c pahomqtt.Client, msg pahomqtt.Message) {
	log := logging.Component("mqtt")

	cfg, ok := l.current(c)
	if !ok {
		return
	}
	l.touch()

	env, err := telemetry.ParseEnvelope(msg.Payload())
	if err != nil {
		log.WithError(err).Warnf("dropping message on %s", msg.Topic())
		return
	}
	if !env.IsStatusReport() {
		log.Debugf("ignoring protocol %d message", env.Protocol)
		return
	}

	changes, report, err := telemetry.DecodeEnvelope(env, cfg.Password)
	if err != nil {
		log.WithError(err).Warnf("dropping message on %s", msg.Topic())
		return
	}

	log.Debugf("status report from %s with %d entries", report.DevID, len(changes))

	l.c.mu.RLock()
	cb := l.c.onMessage
	l.c.mu.RUnlock()
	if cb == nil {
		return
	}

	for _, t := range changes {
		cb(t)
	}
}

// wrapHandler keeps a panicking callback from taking down paho's router
func (l *Live) wrapHandler(h pahomqtt.MessageHandler) pahomqtt.MessageHandler {
	return func(c pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				logging.Component("mqtt").
					WithField("stack", string(debug.Stack())).
					Errorf("panic in message handler on %s: %v", msg.Topic(), r)
			}
		}()

		h(c, msg)
	}
}
