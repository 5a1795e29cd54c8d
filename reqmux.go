package wiremsg

import (
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nuid"
)

// InboxPrefix is the fixed well-known subject prefix for private reply
// subjects, per spec.md section 3.
const InboxPrefix = "_INBOX."

// NewInbox returns a fresh, cryptographically-unguessable private reply
// subject. Tokens come from github.com/nats-io/nuid, a 22-character
// base-62 identifier well above the >=16 high-entropy character
// recommendation of spec.md section 6.
func NewInbox() string {
	return InboxPrefix + nuid.Next()
}

// requestWaiter is one in-flight Request/timed_request call awaiting
// replies on the shared inbox.
type requestWaiter struct {
	mu       sync.Mutex
	expected int
	got      int
	ch       chan *Msg
	cb       func(*Msg)
	done     bool
}

// requestMux implements the Request Multiplexer of spec.md section 4.6:
// one wildcard-subscribed inbox per connection, demultiplexed on the
// request-specific last token, preserving the observable contract that a
// caller receives exactly its own replies regardless of how many other
// requests are in flight concurrently.
type requestMux struct {
	nc      *Conn
	mu      sync.Mutex
	prefix  string
	sub     *Subscription
	once    sync.Once
	waiters map[string]*requestWaiter
}

func newRequestMux(nc *Conn) *requestMux {
	return &requestMux{nc: nc, waiters: make(map[string]*requestWaiter)}
}

// ensureStarted lazily subscribes to the connection's shared inbox
// wildcard on first use, per spec.md 4.6.
func (m *requestMux) ensureStarted() error {
	var startErr error
	m.once.Do(func() {
		m.prefix = NewInbox()
		sub, err := m.nc.Subscribe(m.prefix+".*", m.onReply)
		if err != nil {
			startErr = err
			return
		}
		m.sub = sub
	})
	return startErr
}

func (m *requestMux) onReply(msg *Msg) {
	token := lastToken(msg.Subject)
	m.mu.Lock()
	w, ok := m.waiters[token]
	m.mu.Unlock()
	if !ok {
		return
	}

	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	w.got++
	done := w.expected > 0 && w.got >= w.expected
	if done {
		w.done = true
	}
	cb := w.cb
	ch := w.ch
	w.mu.Unlock()

	if cb != nil {
		cb(msg)
	} else if ch != nil {
		select {
		case ch <- msg:
		default:
		}
	}

	if done {
		m.mu.Lock()
		delete(m.waiters, token)
		m.mu.Unlock()
	}
}

func lastToken(subject string) string {
	i := strings.LastIndexByte(subject, '.')
	if i < 0 {
		return subject
	}
	return subject[i+1:]
}

// Request publishes data to subject with a private reply subject and
// returns the first reply received, or ErrTimeout if none arrives in
// time. It is built on the shared-inbox strategy (requestMux), matching
// the Open Question resolution recorded in SPEC_FULL.md section 4.6.
func (nc *Conn) Request(subject string, data []byte, timeout time.Duration) (*Msg, error) {
	if err := nc.reqMux.ensureStarted(); err != nil {
		return nil, err
	}

	token := nuid.Next()
	w := &requestWaiter{expected: 1, ch: make(chan *Msg, 1)}

	nc.reqMux.mu.Lock()
	nc.reqMux.waiters[token] = w
	nc.reqMux.mu.Unlock()

	reply := nc.reqMux.prefix + "." + token
	if err := nc.PublishRequest(subject, reply, data); err != nil {
		nc.reqMux.mu.Lock()
		delete(nc.reqMux.waiters, token)
		nc.reqMux.mu.Unlock()
		return nil, err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case msg := <-w.ch:
		return msg, nil
	case <-t.C:
		nc.reqMux.mu.Lock()
		delete(nc.reqMux.waiters, token)
		nc.reqMux.mu.Unlock()
		return nil, ErrTimeout
	}
}

// RequestMany implements the request(subject, payload, expected, cb)
// strategy of spec.md section 4.6: it publishes once and delivers up to
// expected replies to cb over the shared inbox, auto-expiring the waiter
// once that many have arrived (or never, if expected <= 0, until the
// caller ignores further replies - expected should normally be >= 1).
func (nc *Conn) RequestMany(subject string, data []byte, expected int, cb func(*Msg)) error {
	if err := nc.reqMux.ensureStarted(); err != nil {
		return err
	}
	if cb == nil {
		return ErrInvalidCallbackType
	}

	token := nuid.Next()
	w := &requestWaiter{expected: expected, cb: cb}

	nc.reqMux.mu.Lock()
	nc.reqMux.waiters[token] = w
	nc.reqMux.mu.Unlock()

	reply := nc.reqMux.prefix + "." + token
	if err := nc.PublishRequest(subject, reply, data); err != nil {
		nc.reqMux.mu.Lock()
		delete(nc.reqMux.waiters, token)
		nc.reqMux.mu.Unlock()
		return err
	}
	return nil
}
