package wiremsg

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Drain implements graceful shutdown, per spec.md section 4.3 and the
// end-to-end scenario of section 8: send UNSUB for every live
// subscription, let each one's queue empty, then flush the outbound
// buffer and close. A drain already in progress is a no-op success
// (idempotence property of section 8); new Publish/Subscribe calls made
// while draining fail with ErrConnectionDraining per section 4.7.
func (nc *Conn) Drain() error {
	nc.mu.Lock()
	switch nc.status {
	case Closed:
		nc.mu.Unlock()
		return nil
	case DrainingSubs, DrainingPubs:
		nc.mu.Unlock()
		return nil
	}
	nc.status = DrainingSubs
	timeout := nc.opts.DrainTimeout
	nc.mu.Unlock()
	nc.opts.Logger.Infof("wiremsg: draining subscriptions")

	nc.subsMu.RLock()
	subs := make([]*Subscription, 0, len(nc.subs))
	for _, s := range nc.subs {
		subs = append(subs, s)
	}
	nc.subsMu.RUnlock()

	for _, s := range subs {
		nc.sendProto(unsubLine(s))
	}
	nc.out.kickFlusher()

	deadline := time.Now().Add(timeout)
	timedOut := false
	for _, s := range subs {
		if !waitDrained(s, deadline) {
			timedOut = true
		}
	}

	nc.subsMu.Lock()
	for _, s := range subs {
		delete(nc.subs, s.sid)
		s.close()
	}
	nc.subsMu.Unlock()

	nc.mu.Lock()
	nc.status = DrainingPubs
	nc.mu.Unlock()
	nc.opts.Logger.Infof("wiremsg: draining outbound buffer")

	if err := nc.flushDeadline(deadline); err != nil {
		timedOut = true
	}

	if timedOut {
		atomic.AddUint64(&nc.stats.Errors, 1)
		nc.reportAsyncError(nil, ErrDrainTimeout)
	}

	nc.Close()
	if timedOut {
		return ErrDrainTimeout
	}
	return nil
}

func unsubLine(s *Subscription) string {
	s.mu.Lock()
	sid := s.sid
	s.mu.Unlock()
	return fmt.Sprintf(unsubProtoN, sid)
}

func waitDrained(s *Subscription, deadline time.Time) bool {
	for {
		if s.drained() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// flushDeadline is FlushTimeout bounded by an absolute deadline rather than
// a relative duration, used so Drain's overall DrainTimeout budget is
// shared across the subscription-drain and the final-flush phases.
func (nc *Conn) flushDeadline(deadline time.Time) error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	return nc.FlushTimeout(remaining)
}

// Drain on a Subscription unsubscribes it and waits for its queue to empty
// without affecting the rest of the connection, matching the per-
// subscription Drain() used in the teacher's own drain tests.
func (s *Subscription) Drain() error {
	s.mu.Lock()
	nc := s.conn
	s.mu.Unlock()
	if nc == nil {
		return ErrBadSubscription
	}
	if err := s.Unsubscribe(); err != nil {
		return err
	}
	deadline := time.Now().Add(nc.opts.DrainTimeout)
	if !waitDrained(s, deadline) {
		return ErrDrainTimeout
	}
	return nil
}
