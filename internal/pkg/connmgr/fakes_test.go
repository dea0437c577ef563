package connmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jake-scott/tuya-bridge/internal/pkg/cmdqueue"
	"github.com/jake-scott/tuya-bridge/internal/pkg/devicestate"
	"github.com/jake-scott/tuya-bridge/internal/pkg/events"
	"github.com/jake-scott/tuya-bridge/internal/pkg/mqttapi"
	"github.com/jake-scott/tuya-bridge/internal/pkg/telemetry"
	"github.com/jake-scott/tuya-bridge/internal/pkg/tuyaapi"
)

var testSession = mqttapi.SessionConfig{
	URL:         "ssl://m1.example.com:8883",
	ClientID:    "cloud_abc",
	Username:    "cloud_abc",
	Password:    "0123456789abcdef0123456789abcdef",
	SourceTopic: mqttapi.Topics{Device: "cloud/token/in/abc"},
}

type postCall struct {
	path string
	body interface{}
}

type fakeAPI struct {
	mu          sync.Mutex
	connectHook func(ctx context.Context, n int) error
	healthErr   error
	connects    int
	connectedAt []time.Time
	closes      int
	gets        int
	posts       []postCall
}

var _ tuyaapi.Client = (*fakeAPI)(nil)

func (f *fakeAPI) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	n := f.connects
	f.connectedAt = append(f.connectedAt, time.Now())
	hook := f.connectHook
	f.mu.Unlock()

	if hook != nil {
		return hook(ctx, n)
	}
	return nil
}

func (f *fakeAPI) Get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	return f.healthErr
}

func (f *fakeAPI) Post(ctx context.Context, path string, body interface{}, out interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.posts = append(f.posts, postCall{path: path, body: body})
	if s, ok := out.(*mqttapi.SessionConfig); ok && path == tuyaapi.MQTTConfigPath {
		*s = testSession
	}
	return nil
}

func (f *fakeAPI) UID() string            { return "uid-1" }
func (f *fakeAPI) Token() *tuyaapi.Token { return nil }

func (f *fakeAPI) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

func (f *fakeAPI) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeAPI) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeAPI) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeAPI) setHealthErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthErr = err
}

func (f *fakeAPI) postsTo(path string) []postCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []postCall
	for _, p := range f.posts {
		if p.path == path {
			out = append(out, p)
		}
	}
	return out
}

type fakeSub struct {
	mu       sync.Mutex
	startErr error
	starts   int
	stops    int
	active   bool
	cfg      mqttapi.SessionConfig
	onMsg    func(telemetry.Telemetry)
	onDisc   func(error)
}

var _ mqttapi.Subscriber = (*fakeSub)(nil)

func (f *fakeSub) Start(ctx context.Context, cfg mqttapi.SessionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.cfg = cfg
	f.active = f.startErr == nil
	return f.startErr
}

func (f *fakeSub) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.active = false
}

func (f *fakeSub) OnMessage(cb func(telemetry.Telemetry)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMsg = cb
}

func (f *fakeSub) OnDisconnect(cb func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisc = cb
}

func (f *fakeSub) LastMessageTime() time.Time { return time.Now() }
func (f *fakeSub) IsConnected() bool          { return true }

func (f *fakeSub) message(t telemetry.Telemetry) {
	f.mu.Lock()
	cb := f.onMsg
	f.mu.Unlock()
	cb(t)
}

func (f *fakeSub) disconnect() {
	f.mu.Lock()
	cb := f.onDisc
	f.mu.Unlock()
	cb(mqttapi.ErrStale)
}

func (f *fakeSub) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeSub) isActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeSub) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type stateLog struct {
	mu          sync.Mutex
	transitions []events.ConnectionStatePayload
}

func (s *stateLog) Emit(name string, payload interface{}) {
	if p, ok := payload.(events.ConnectionStatePayload); ok && name == events.ConnectionState {
		s.mu.Lock()
		s.transitions = append(s.transitions, p)
		s.mu.Unlock()
	}
}

func (s *stateLog) all() []events.ConnectionStatePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.ConnectionStatePayload{}, s.transitions...)
}

func testConfig() Config {
	return Config{
		ReconnectBaseDelay:   5 * time.Millisecond,
		MaxReconnectAttempts: 3,
		HealthCheckInterval:  time.Hour,
		QueueOptions:         []cmdqueue.Option{cmdqueue.WithRetryDelay(5 * time.Millisecond)},
	}
}

func newTestManager(t *testing.T, api *fakeAPI, sub *fakeSub, cfg Config) (*Manager, *devicestate.MemoryRegistry, *stateLog) {
	reg, err := devicestate.NewMemoryRegistry([]devicestate.DeviceConfig{{ID: "dev1", Name: "Lamp"}})
	require.NoError(t, err)

	sl := &stateLog{}
	m := New(api, sub, reg, sl, cfg)
	t.Cleanup(m.Close)

	return m, reg, sl
}

func (m *Manager) isReconnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnecting
}
