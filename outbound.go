package wiremsg

import (
	"bytes"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

const (
	pubProto    = "PUB %s %s %d\r\n"
	pubProtoNoR = "PUB %s %d\r\n"
	subProto    = "SUB %s %s %d\r\n"
	subProtoNoQ = "SUB %s %d\r\n"
	unsubProto  = "UNSUB %d %s\r\n"
	unsubProtoN = "UNSUB %d\r\n"
	connProto   = "CONNECT %s\r\n"
	pingProto   = "PING\r\n"
	pongProto   = "PONG\r\n"
)

// pongWaiter is the completion handle described in spec.md section 3: a
// single-use, FIFO-matched future fulfilled when the matching PONG arrives.
type pongWaiter struct {
	ch chan error
}

// outbound is the shared write buffer and cooperative flusher of spec.md
// section 4.4. It is owned exclusively by the connection manager; all
// appends happen under Conn.mu so append order equals transmission order.
type outbound struct {
	buf          bytes.Buffer
	maxWriteSize int
	kick         chan struct{}
}

func newOutbound(maxWriteSize int) *outbound {
	return &outbound{maxWriteSize: maxWriteSize, kick: make(chan struct{}, 1)}
}

func (o *outbound) appendString(s string) error {
	if o.maxWriteSize > 0 && o.buf.Len()+len(s) > o.maxWriteSize {
		return fmt.Errorf("wiremsg: write buffer full")
	}
	_, err := o.buf.WriteString(s)
	return err
}

func (o *outbound) append(b []byte) error {
	if o.maxWriteSize > 0 && o.buf.Len()+len(b) > o.maxWriteSize {
		return fmt.Errorf("wiremsg: write buffer full")
	}
	_, err := o.buf.Write(b)
	return err
}

func (o *outbound) kickFlusher() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// flusher is the cooperative task of spec.md section 4.4: whenever the
// buffer is non-empty and no write is in flight, it writes the buffered
// bytes to the stream in one operation, then yields.
func (nc *Conn) flusher() {
	for {
		select {
		case <-nc.stopFlusher:
			return
		case <-nc.out.kick:
		}

		nc.mu.Lock()
		if (nc.status != Connected && nc.status != DrainingSubs && nc.status != DrainingPubs) || nc.bw == nil {
			nc.mu.Unlock()
			continue
		}
		if nc.out.buf.Len() == 0 {
			nc.mu.Unlock()
			continue
		}
		data := nc.out.buf.Bytes()
		toWrite := make([]byte, len(data))
		copy(toWrite, data)
		nc.out.buf.Reset()
		bw := nc.bw
		nc.mu.Unlock()

		if _, err := bw.Write(toWrite); err != nil {
			nc.handleTransportError(err)
			continue
		}
		if err := bw.Flush(); err != nil {
			nc.handleTransportError(err)
		}
	}
}

// sendProto appends a control line under the connection lock and kicks the
// flusher, matching the teacher's sendProto locking discipline.
func (nc *Conn) sendProto(proto string) error {
	nc.mu.Lock()
	err := nc.out.appendString(proto)
	nc.mu.Unlock()
	if err != nil {
		nc.handleTransportError(err)
		return err
	}
	nc.out.kickFlusher()
	return nil
}

// publish is the internal publish path shared by Publish, PublishMsg and
// PublishRequest, enforcing MaxPayload and the draining/closed guards of
// spec.md sections 4.4 and 4.7.
func (nc *Conn) publish(subject, reply string, data []byte) error {
	if subject == "" {
		return ErrBadSubscription
	}
	nc.mu.Lock()
	switch nc.status {
	case Closed:
		nc.mu.Unlock()
		return ErrConnectionClosed
	case DrainingSubs, DrainingPubs:
		nc.mu.Unlock()
		return ErrConnectionDraining
	}
	maxPayload := nc.info.MaxPayload
	nc.mu.Unlock()

	if maxPayload > 0 && int64(len(data)) > maxPayload {
		return ErrMaxPayload
	}

	var line string
	if reply == "" {
		line = fmt.Sprintf(pubProtoNoR, subject, len(data))
	} else {
		line = fmt.Sprintf(pubProto, subject, reply, len(data))
	}

	nc.mu.Lock()
	if err := nc.out.appendString(line); err != nil {
		nc.mu.Unlock()
		nc.handleTransportError(err)
		return err
	}
	if err := nc.out.append(data); err != nil {
		nc.mu.Unlock()
		nc.handleTransportError(err)
		return err
	}
	if err := nc.out.appendString("\r\n"); err != nil {
		nc.mu.Unlock()
		nc.handleTransportError(err)
		return err
	}
	nc.mu.Unlock()

	atomic.AddUint64(&nc.stats.OutMsgs, 1)
	atomic.AddUint64(&nc.stats.OutBytes, uint64(len(data)))

	nc.out.kickFlusher()
	return nil
}

// Publish sends data to subject. The byte count is added to OutBytes and
// OutMsgs incremented exactly once per successful call, per spec.md
// section 8's invariant.
func (nc *Conn) Publish(subject string, data []byte) error {
	return nc.publish(subject, "", data)
}

// PublishMsg publishes m.Data to m.Subject with m.Reply as the reply-to.
func (nc *Conn) PublishMsg(m *Msg) error {
	return nc.publish(m.Subject, m.Reply, m.Data)
}

// PublishRequest publishes data to subject with reply set, without waiting
// for a response - use Request for that.
func (nc *Conn) PublishRequest(subject, reply string, data []byte) error {
	return nc.publish(subject, reply, data)
}

// FlushTimeout performs a round trip with the server: it enqueues a PING,
// registers a pong waiter, and returns once the matching PONG arrives or
// the timeout elapses. On timeout the waiter is discarded so a later PONG
// cannot satisfy it, per spec.md section 4.4.
func (nc *Conn) FlushTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("wiremsg: bad timeout value")
	}

	nc.mu.Lock()
	if nc.status == Closed {
		nc.mu.Unlock()
		return ErrConnectionClosed
	}
	w := &pongWaiter{ch: make(chan error, 1)}
	nc.pongs = append(nc.pongs, w)
	if err := nc.out.appendString(pingProto); err != nil {
		nc.removeWaiterLocked(w)
		nc.mu.Unlock()
		return err
	}
	nc.mu.Unlock()
	nc.out.kickFlusher()

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case err, ok := <-w.ch:
		if !ok {
			return ErrConnectionClosed
		}
		return err
	case <-t.C:
		nc.removeWaiter(w)
		return ErrTimeout
	}
}

// Flush is FlushTimeout with the connection's configured default timeout.
func (nc *Conn) Flush() error {
	return nc.FlushTimeout(nc.opts.Timeout)
}

func (nc *Conn) removeWaiter(w *pongWaiter) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.removeWaiterLocked(w)
}

func (nc *Conn) removeWaiterLocked(w *pongWaiter) {
	for i, p := range nc.pongs {
		if p == w {
			nc.pongs = append(nc.pongs[:i], nc.pongs[i+1:]...)
			return
		}
	}
}

// popWaiter removes and returns the oldest pong waiter, FIFO-matching
// incoming PONGs to outstanding FlushTimeout calls.
func (nc *Conn) popWaiter() *pongWaiter {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if len(nc.pongs) == 0 {
		return nil
	}
	w := nc.pongs[0]
	nc.pongs = nc.pongs[1:]
	return w
}

// drainPendingFlushes wakes every outstanding FlushTimeout call with err,
// used when the connection is closing or reconnecting.
func (nc *Conn) drainPendingFlushes(err error) {
	nc.mu.Lock()
	waiters := nc.pongs
	nc.pongs = nil
	nc.mu.Unlock()
	for _, w := range waiters {
		select {
		case w.ch <- err:
		default:
		}
		close(w.ch)
	}
}

// resendSubscriptions re-emits SUB (and any pending UNSUB max) for every
// live subscription, used after a successful reconnect per spec.md 4.3.
func (nc *Conn) resendSubscriptions() {
	nc.subsMu.RLock()
	defer nc.subsMu.RUnlock()
	for _, s := range nc.subs {
		s.mu.Lock()
		subject, queue, sid, max := s.Subject, s.Queue, s.sid, s.max
		s.mu.Unlock()

		nc.mu.Lock()
		if queue == "" {
			nc.out.appendString(fmt.Sprintf(subProtoNoQ, subject, sid))
		} else {
			nc.out.appendString(fmt.Sprintf(subProto, subject, queue, sid))
		}
		if max > 0 {
			nc.out.appendString(fmt.Sprintf(unsubProto, sid, strconv.FormatUint(max, 10)))
		}
		nc.mu.Unlock()
	}
}
