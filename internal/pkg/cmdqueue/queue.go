package cmdqueue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jake-scott/tuya-bridge/internal/pkg/logging"
)

const (
	MaxRetries        = 3
	DefaultRetryDelay = time.Millisecond * 2000
)

// ErrClosed is returned by Add once the queue has been closed
var ErrClosed = errors.New("command queue is closed")

// Command is one outbound device command.  Payload is the command as the
// caller gave it; the SendFunc formats it for APIVersion.
type Command struct {
	DeviceID   string
	APIVersion string
	URL        string
	Payload    interface{}
	Retries    int
}

// SendFunc delivers one command
type SendFunc func(ctx context.Context, cmd Command) error

type Option func(*Queue)

func WithRetryDelay(d time.Duration) Option {
	return func(q *Queue) {
		q.retryDelay = d
	}
}

func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		q.maxRetries = n
	}
}

// Queue sends commands one at a time in the order they were added.  A
// failing command blocks the ones behind it until it succeeds or runs out
// of retries, since device commands depend on their order.
type Queue struct {
	send       SendFunc
	retryDelay time.Duration
	maxRetries int

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	pending    []*Command
	processing bool
	closed     bool
	idle       chan struct{}
}

func New(send SendFunc, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())

	q := &Queue{
		send:       send,
		retryDelay: DefaultRetryDelay,
		maxRetries: MaxRetries,
		ctx:        ctx,
		cancel:     cancel,
	}

	for _, o := range opts {
		o(q)
	}

	return q
}

// Add appends cmd with its retry count reset, and starts draining if the
// queue was idle
func (q *Queue) Add(cmd Command) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}

	cmd.Retries = 0
	q.pending = append(q.pending, &cmd)

	start := !q.processing
	if start {
		q.processing = true
		q.idle = make(chan struct{})
	}
	q.mu.Unlock()

	logging.Component("queue").Debugf("queued command for %s (%s)", cmd.DeviceID, cmd.URL)

	if start {
		go q.process()
	}

	return nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// head returns the next command, or marks the queue idle
func (q *Queue) head() *Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 || q.closed {
		q.processing = false
		close(q.idle)
		return nil
	}

	return q.pending[0]
}

// pop removes cmd if Close has not already discarded it
func (q *Queue) pop(cmd *Command) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) > 0 && q.pending[0] == cmd {
		q.pending[0] = nil
		q.pending = q.pending[1:]
	}
}

func (q *Queue) process() {
	log := logging.Component("queue")

	for {
		cmd := q.head()
		if cmd == nil {
			return
		}

		err := q.send(q.ctx, *cmd)
		if err == nil {
			log.Debugf("sent command to %s", cmd.DeviceID)
			q.pop(cmd)
			continue
		}

		cmd.Retries++
		if cmd.Retries >= q.maxRetries {
			log.WithError(err).Errorf("dropping command to %s after %d attempts", cmd.DeviceID, cmd.Retries)
			q.pop(cmd)
			continue
		}

		log.WithError(err).Warnf("command to %s failed (attempt %d of %d), retrying in %s",
			cmd.DeviceID, cmd.Retries, q.maxRetries, q.retryDelay)

		timer := time.NewTimer(q.retryDelay)
		select {
		case <-q.ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Wait blocks until the queue is drained, or ctx is done
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		processing, idle := q.processing, q.idle
		q.mu.Unlock()

		if !processing {
			return nil
		}

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops draining and discards anything still queued.  A send in
// progress sees its context cancelled.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	q.cancel()

	if dropped > 0 {
		logging.Component("queue").Warnf("discarded %d queued commands", dropped)
	}
}
