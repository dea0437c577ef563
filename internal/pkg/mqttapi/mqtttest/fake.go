// Package mqtttest provides an in-memory paho client for tests
package mqtttest

import (
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

type Token struct {
	err  error
	done chan struct{}
}

// NewToken returns a completed token
func NewToken(err error) *Token {
	t := &Token{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *Token) Wait() bool { <-t.done; return true }

func (t *Token) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *Token) Done() <-chan struct{} { return t.done }
func (t *Token) Error() error          { return t.err }

type Message struct {
	TopicName string
	Body      []byte
}

func (m *Message) Duplicate() bool   { return false }
func (m *Message) Qos() byte         { return 1 }
func (m *Message) Retained() bool    { return false }
func (m *Message) Topic() string     { return m.TopicName }
func (m *Message) MessageID() uint16 { return 1 }
func (m *Message) Payload() []byte   { return m.Body }
func (m *Message) Ack()              {}

// Client implements pahomqtt.Client without a network.  Connect and
// Subscribe complete immediately with ConnectErr and SubscribeErr.
type Client struct {
	Opts         *pahomqtt.ClientOptions
	ConnectErr   error
	SubscribeErr error

	mu          sync.Mutex
	connected   bool
	handlers    map[string]pahomqtt.MessageHandler
	subscribes  int
	disconnects int
}

var _ pahomqtt.Client = (*Client)(nil)

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Connect() pahomqtt.Token {
	c.mu.Lock()
	if c.ConnectErr != nil {
		c.mu.Unlock()
		return NewToken(c.ConnectErr)
	}
	c.connected = true
	c.mu.Unlock()

	if c.Opts != nil && c.Opts.OnConnect != nil {
		c.Opts.OnConnect(c)
	}
	return NewToken(nil)
}

func (c *Client) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.handlers = nil
	c.disconnects++
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	return NewToken(nil)
}

func (c *Client) Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.SubscribeErr != nil {
		return NewToken(c.SubscribeErr)
	}
	if c.handlers == nil {
		c.handlers = make(map[string]pahomqtt.MessageHandler)
	}
	c.handlers[topic] = callback
	c.subscribes++
	return NewToken(nil)
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	for topic, qos := range filters {
		c.Subscribe(topic, qos, callback)
	}
	return NewToken(nil)
}

func (c *Client) Unsubscribe(topics ...string) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	return NewToken(nil)
}

func (c *Client) AddRoute(topic string, callback pahomqtt.MessageHandler) {}

func (c *Client) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.NewOptionsReader(c.Opts)
}

// Handler returns the callback subscribed to topic, or nil
func (c *Client) Handler(topic string) pahomqtt.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[topic]
}

// Deliver runs the handler subscribed to topic; false if there is none
func (c *Client) Deliver(topic string, payload []byte) bool {
	h := c.Handler(topic)
	if h == nil {
		return false
	}

	h(c, &Message{TopicName: topic, Body: payload})
	return true
}

// AutoReconnect drops subscriptions and fires OnConnect, as paho does
// after re-establishing a clean session
func (c *Client) AutoReconnect() {
	c.mu.Lock()
	c.handlers = nil
	c.mu.Unlock()

	if c.Opts != nil && c.Opts.OnConnect != nil {
		c.Opts.OnConnect(c)
	}
}

func (c *Client) Subscribes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes
}

func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// Factory records every client it builds
type Factory struct {
	// Setup, if set, runs on each new client
	Setup func(*Client)

	mu      sync.Mutex
	clients []*Client
}

func (f *Factory) New(opts *pahomqtt.ClientOptions) pahomqtt.Client {
	c := &Client{Opts: opts}
	if f.Setup != nil {
		f.Setup(c)
	}

	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c
}

// Last returns the newest client, or nil
func (f *Factory) Last() *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}
