package connmgr

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jake-scott/tuya-bridge/internal/pkg/cmdqueue"
	"github.com/jake-scott/tuya-bridge/internal/pkg/devicestate"
	"github.com/jake-scott/tuya-bridge/internal/pkg/events"
	"github.com/jake-scott/tuya-bridge/internal/pkg/logging"
	"github.com/jake-scott/tuya-bridge/internal/pkg/mqttapi"
	"github.com/jake-scott/tuya-bridge/internal/pkg/telemetry"
	"github.com/jake-scott/tuya-bridge/internal/pkg/tuyaapi"
)

const (
	DefaultReconnectBaseDelay   = time.Second * 5
	DefaultMaxReconnectAttempts = 10
	DefaultHealthCheckInterval  = time.Second * 60
)

// ErrStopped ends a connection attempt that Stop overtook
var ErrStopped = errors.New("connection manager stopped")

type Config struct {
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	HealthCheckInterval  time.Duration

	// QueueOptions tune the outbound command queue
	QueueOptions []cmdqueue.Option

	// OnConnected runs after every successful connection
	OnConnected func()
}

func (c Config) withDefaults() Config {
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	return c
}

type Stats struct {
	State             State `json:"state"`
	ReconnectAttempts int   `json:"reconnect_attempts"`
	QueuedCommands    int   `json:"queued_commands"`
	MQTTConnected     bool  `json:"mqtt_connected"`
}

// Body of /v1.0/open-hub/access/config
type sessionRequest struct {
	UID                 string `json:"uid"`
	LinkID              string `json:"link_id"`
	LinkType            string `json:"link_type"`
	Topics              string `json:"topics"`
	MsgEncryptedVersion string `json:"msg_encrypted_version"`
}

// Manager owns the cloud connection: the REST client, the MQTT session,
// the command queue and the state machine tying them together.  It is the
// only writer of the connection state.
type Manager struct {
	cfg     Config
	api     tuyaapi.Client
	mqtt    mqttapi.Subscriber
	mapper  *devicestate.Mapper
	queue   *cmdqueue.Queue
	emitter events.Emitter

	mu                sync.Mutex
	state             State
	reconnectAttempts int
	reconnecting      bool
	pendingReconnect  bool
	stopped           bool
	cycleCancel       context.CancelFunc
	healthCancel      context.CancelFunc
}

func New(api tuyaapi.Client, sub mqttapi.Subscriber, registry devicestate.Registry, emitter events.Emitter, cfg Config) *Manager {
	if emitter == nil {
		emitter = events.Discard{}
	}

	m := &Manager{
		cfg:     cfg.withDefaults(),
		api:     api,
		mqtt:    sub,
		emitter: emitter,
		mapper:  devicestate.NewMapper(registry, emitter),
	}
	m.queue = cmdqueue.New(m.sendCommand, m.cfg.QueueOptions...)

	sub.OnMessage(func(t telemetry.Telemetry) {
		m.mapper.Handle(t)
	})
	sub.OnDisconnect(func(err error) {
		m.triggerReconnect(err.Error())
	})

	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{State: m.state, ReconnectAttempts: m.reconnectAttempts}
	m.mu.Unlock()

	s.QueuedCommands = m.queue.Len()
	s.MQTTConnected = m.mqtt.IsConnected()
	return s
}

// GetDeviceState is the last value received for a device data point
func (m *Manager) GetDeviceState(deviceID, code string) (interface{}, bool) {
	return m.mapper.GetDeviceState(deviceID, code)
}

// transitionLocked follows an edge of the state table.  Moving to the
// current state is a no-op.
func (m *Manager) transitionLocked(to State) (State, bool, error) {
	from := m.state
	if from == to {
		return from, false, nil
	}
	if !CanTransition(from, to) {
		return from, false, &errTransition{from: from, to: to}
	}

	m.state = to
	return from, true, nil
}

func (m *Manager) announce(from, to State) {
	logging.Component("connection").Infof("state %s -> %s", from, to)
	m.emitter.Emit(events.ConnectionState, events.ConnectionStatePayload{From: from.String(), To: to.String()})
}

func (m *Manager) setState(to State) error {
	m.mu.Lock()
	from, changed, err := m.transitionLocked(to)
	m.mu.Unlock()

	if err != nil {
		logging.Component("connection").Debug(err)
		return err
	}
	if changed {
		m.announce(from, to)
	}
	return nil
}

// Start connects from Disconnected or Error.  If this first attempt fails
// its error is returned; unless the credentials were rejected the manager
// keeps retrying in the background.
func (m *Manager) Start(ctx context.Context) error {
	log := logging.Component("connection")

	m.mu.Lock()
	if (m.state != Disconnected && m.state != Error) || m.reconnecting {
		s := m.state
		m.mu.Unlock()
		return errors.Errorf("cannot start while %s", s)
	}

	m.stopped = false
	m.pendingReconnect = false
	m.reconnectAttempts = 0
	from, changed, err := m.transitionLocked(Connecting)
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if changed {
		m.announce(from, Connecting)
	}

	err = m.connect(ctx)

	m.mu.Lock()
	stopped := m.stopped
	pending := m.pendingReconnect
	m.pendingReconnect = false
	m.mu.Unlock()

	switch {
	case stopped:
		m.teardown()
		return ErrStopped
	case err == nil:
		if pending {
			m.triggerReconnect("disconnected while connecting")
		}
		return nil
	case tuyaapi.IsRetryable(err):
		m.triggerReconnect("initial connection failed")
	default:
		log.WithError(err).Error("credentials rejected, not retrying")
	}

	return err
}

// connect runs login, session request and subscription.  The state is
// already Connecting.
func (m *Manager) connect(ctx context.Context) error {
	if err := m.api.Connect(ctx); err != nil {
		return m.fail(errors.Wrap(err, "logging in"))
	}

	req := sessionRequest{
		UID:                 m.api.UID(),
		LinkID:              uuid.New().String(),
		LinkType:            "mqtt",
		Topics:              "device",
		MsgEncryptedVersion: "1.0",
	}

	var sess mqttapi.SessionConfig
	if err := m.api.Post(ctx, tuyaapi.MQTTConfigPath, req, &sess); err != nil {
		return m.fail(errors.Wrap(err, "requesting mqtt session"))
	}

	if err := m.mqtt.Start(ctx, sess); err != nil {
		return m.fail(errors.Wrap(err, "starting mqtt session"))
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.mqtt.Stop()
		m.api.Close()
		return ErrStopped
	}

	from, changed, err := m.transitionLocked(Connected)
	if err != nil {
		m.mu.Unlock()
		m.mqtt.Stop()
		return err
	}

	m.reconnectAttempts = 0
	healthCtx, cancel := context.WithCancel(context.Background())
	m.healthCancel = cancel
	m.mu.Unlock()

	if changed {
		m.announce(from, Connected)
	}
	go m.healthLoop(healthCtx)

	if m.cfg.OnConnected != nil {
		m.cfg.OnConnected()
	}

	return nil
}

func (m *Manager) fail(err error) error {
	logging.Component("connection").WithError(err).Error("connection attempt failed")
	m.setState(Error)
	return err
}

// teardown stops everything a connection attempt set up
func (m *Manager) teardown() {
	m.mu.Lock()
	if m.healthCancel != nil {
		m.healthCancel()
		m.healthCancel = nil
	}
	m.mu.Unlock()

	m.mqtt.Stop()
	m.api.Close()
}

// Stop tears down the connection and cancels any scheduled reconnect.  A
// reconnect cycle that is already running finishes into Disconnected on
// its own.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.pendingReconnect = false
	if m.cycleCancel != nil {
		m.cycleCancel()
	}
	cycling := m.reconnecting
	m.mu.Unlock()

	m.teardown()

	if !cycling {
		m.setState(Disconnected)
	}

	logging.Component("connection").Info("stopped")
}

// Close stops the manager and discards queued commands
func (m *Manager) Close() {
	m.Stop()
	m.queue.Close()
}

// triggerReconnect starts a reconnect cycle, or marks one as pending if a
// cycle is already running
func (m *Manager) triggerReconnect(reason string) {
	log := logging.Component("connection")

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}

	if m.reconnecting {
		m.pendingReconnect = true
		m.mu.Unlock()
		log.Debugf("reconnect already in progress, will run again (%s)", reason)
		return
	}

	// Only a live or failed connection is reconnected.  Start acts on a
	// signal that arrives while it is still connecting.
	switch m.state {
	case Connected, Error:
	case Connecting:
		m.pendingReconnect = true
		m.mu.Unlock()
		log.Debugf("connection in progress, reconnect deferred (%s)", reason)
		return
	default:
		s := m.state
		m.mu.Unlock()
		log.Debugf("ignoring reconnect signal while %s (%s)", s, reason)
		return
	}

	if m.healthCancel != nil {
		m.healthCancel()
		m.healthCancel = nil
	}

	m.reconnectAttempts++
	attempt := m.reconnectAttempts

	if attempt > m.cfg.MaxReconnectAttempts {
		from, changed, _ := m.transitionLocked(Error)
		m.mu.Unlock()

		if changed {
			m.announce(from, Error)
		}
		log.Errorf("giving up after %d reconnect attempts (%s)", m.cfg.MaxReconnectAttempts, reason)
		return
	}

	from, changed, err := m.transitionLocked(Reconnecting)
	if err != nil {
		m.reconnectAttempts--
		m.mu.Unlock()
		log.WithError(err).Warn("reconnect not started")
		return
	}

	m.reconnecting = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cycleCancel = cancel
	m.mu.Unlock()

	if changed {
		m.announce(from, Reconnecting)
	}

	delay := BackoffDelay(m.cfg.ReconnectBaseDelay, attempt)
	log.Warnf("reconnecting in %s, attempt %d of %d (%s)", delay, attempt, m.cfg.MaxReconnectAttempts, reason)

	go m.reconnectCycle(ctx, cancel, delay)
}

func (m *Manager) reconnectCycle(ctx context.Context, cancel context.CancelFunc, delay time.Duration) {
	defer cancel()

	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		m.finishCycle(ErrStopped)
		return
	case <-timer.C:
	}

	// Claim Connecting before tearing anything down, so a cycle that lost
	// a race leaves the live session alone
	if err := m.setState(Connecting); err != nil {
		m.finishCycle(err)
		return
	}

	m.teardown()
	m.finishCycle(m.connect(ctx))
}

func (m *Manager) finishCycle(err error) {
	log := logging.Component("connection")

	m.mu.Lock()
	m.reconnecting = false
	m.cycleCancel = nil
	pending := m.pendingReconnect
	m.pendingReconnect = false
	stopped := m.stopped
	m.mu.Unlock()

	switch {
	case stopped:
		m.teardown()
		m.setState(Disconnected)

	case err == nil:
		log.Info("reconnected")
		if pending {
			m.triggerReconnect("disconnected during reconnect")
		}

	case !tuyaapi.IsRetryable(err):
		log.WithError(err).Error("credentials rejected, not retrying")

	case isTransitionError(err):
		log.WithError(err).Warn("reconnect abandoned")

	default:
		m.triggerReconnect("reconnect failed")
	}
}

func (m *Manager) healthLoop(ctx context.Context) {
	log := logging.Component("connection")

	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := m.api.Get(ctx, tuyaapi.HealthPath, nil, nil)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		busy := m.reconnecting
		m.mu.Unlock()

		if !busy {
			log.WithError(err).Warn("health check failed")
			m.triggerReconnect("health check failed")
		}
	}
}

// Send queues a command for a device.  Malformed commands are rejected
// here rather than retried by the queue.
func (m *Manager) Send(deviceID string, command interface{}, opts SendOptions) error {
	if deviceID == "" {
		return errors.New("no device id")
	}

	version := opts.APIVersion
	if version == "" {
		version = APIVersion1
	}

	u, err := CommandURL(version, deviceID)
	if err != nil {
		return err
	}
	if _, err := FormatBody(version, command); err != nil {
		return errors.Wrapf(err, "command for %s", deviceID)
	}

	return m.queue.Add(cmdqueue.Command{
		DeviceID:   deviceID,
		APIVersion: version,
		URL:        u,
		Payload:    command,
	})
}

// WaitForQueue blocks until every queued command has been sent or dropped
func (m *Manager) WaitForQueue(ctx context.Context) error {
	return m.queue.Wait(ctx)
}

// sendCommand is the queue's SendFunc
func (m *Manager) sendCommand(ctx context.Context, cmd cmdqueue.Command) error {
	if m.State() != Connected {
		return ErrNotConnected
	}

	body, err := FormatBody(cmd.APIVersion, cmd.Payload)
	if err != nil {
		return err
	}

	return m.api.Post(ctx, cmd.URL, body, nil)
}
