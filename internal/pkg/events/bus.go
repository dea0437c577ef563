package events

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/korovkin/limiter"

	"github.com/jake-scott/tuya-bridge/internal/pkg/logging"
)

// Event names
const (
	DeviceState     = "device.state"
	ConnectionState = "connection.state"
)

const DefaultMaxConcurrent = 4

// DeviceStatePayload accompanies DeviceState
type DeviceStatePayload struct {
	DeviceID string      `json:"device_id"`
	Code     string      `json:"code"`
	Value    interface{} `json:"value"`
}

// ConnectionStatePayload accompanies ConnectionState
type ConnectionStatePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type Event struct {
	Name    string
	Payload interface{}
	Time    time.Time
}

type Handler func(Event)

// Emitter is what producers of events depend on
type Emitter interface {
	Emit(name string, payload interface{})
}

// Bus runs handlers asynchronously, at most maxConcurrent at a time.
// Emit blocks while that many handlers are busy.
type Bus struct {
	limit *limiter.ConcurrencyLimiter

	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
	running  sync.WaitGroup
}

func NewBus(maxConcurrent int) *Bus {
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrent
	}

	return &Bus{
		limit:    limiter.NewConcurrencyLimiter(maxConcurrent),
		handlers: make(map[string][]Handler),
	}
}

func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

func (b *Bus) Emit(name string, payload interface{}) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	hs := append([]Handler{}, b.handlers[name]...)
	b.running.Add(len(hs))
	b.mu.RUnlock()

	ev := Event{Name: name, Payload: payload, Time: time.Now()}

	for _, h := range hs {
		h := h
		b.limit.ExecuteWithTicket(func(ticket int) {
			defer b.running.Done()
			defer func() {
				if r := recover(); r != nil {
					logging.Component("events").
						WithField("stack", string(debug.Stack())).
						Errorf("panic in %s handler: %v", name, r)
				}
			}()

			h(ev)
		})
	}
}

// Close drops later events and waits for running handlers
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.running.Wait()
}

// Discard is an Emitter that drops everything
type Discard struct{}

func (Discard) Emit(string, interface{}) {}
