package wiremsg

import (
	"fmt"
	"sync/atomic"
)

// subscribe is the internal entry point behind Subscribe, SubscribeSync,
// QueueSubscribe and QueueSubscribeSync, per spec.md section 4.5: allocate
// a sid, record the subscription, emit SUB, start its dispatcher (only when
// there is a handler; NextMsg-polled subscriptions have none), and return
// it.
func (nc *Conn) subscribe(subject, queue string, cb MsgHandler, mode DeliveryMode) (*Subscription, error) {
	if subject == "" {
		return nil, ErrBadSubscription
	}

	nc.mu.Lock()
	switch nc.status {
	case Closed:
		nc.mu.Unlock()
		return nil, ErrConnectionClosed
	case DrainingSubs, DrainingPubs:
		nc.mu.Unlock()
		return nil, ErrConnectionDraining
	}
	nc.mu.Unlock()

	sid := atomic.AddUint64(&nc.ssid, 1)
	sub := newSubscription(nc, sid, subject, queue, cb, mode)

	nc.subsMu.Lock()
	nc.subs[sid] = sub
	nc.subsMu.Unlock()

	if cb != nil {
		go sub.dispatchLoop()
	}

	var line string
	if queue == "" {
		line = fmt.Sprintf(subProtoNoQ, subject, sid)
	} else {
		line = fmt.Sprintf(subProto, subject, queue, sid)
	}
	if err := nc.sendProto(line); err != nil {
		return nil, err
	}
	return sub, nil
}

// Subscribe expresses interest in subject; cb runs under Sync delivery
// (spec.md 4.5), so it sees messages one at a time in receive order. The
// subject may use the '*' and '>' wildcards.
func (nc *Conn) Subscribe(subject string, cb MsgHandler) (*Subscription, error) {
	return nc.subscribe(subject, "", cb, Sync)
}

// SubscribeSync creates a subscription polled via Subscription.NextMsg
// instead of an asynchronous callback.
func (nc *Conn) SubscribeSync(subject string) (*Subscription, error) {
	return nc.subscribe(subject, "", nil, Sync)
}

// QueueSubscribe is Subscribe with a queue group: the broker load-balances
// delivery among subscribers sharing (subject, queue).
func (nc *Conn) QueueSubscribe(subject, queue string, cb MsgHandler) (*Subscription, error) {
	return nc.subscribe(subject, queue, cb, Sync)
}

// QueueSubscribeSync is QueueSubscribe polled via NextMsg.
func (nc *Conn) QueueSubscribeSync(subject, queue string) (*Subscription, error) {
	return nc.subscribe(subject, queue, nil, Sync)
}

// SubscribeSyncWithChan invokes cb under the Sync discipline, exactly as
// Subscribe does: strict per-subscription ordering, one call at a time.
func (nc *Conn) SubscribeSyncWithChan(subject string, cb MsgHandler) (*Subscription, error) {
	return nc.subscribe(subject, "", cb, Sync)
}

// unsubscribe implements both unconditional unsubscribe (max == 0) and
// auto-unsubscribe-after-max (max > 0), per spec.md section 4.5.
func (nc *Conn) unsubscribe(sub *Subscription, max int) error {
	nc.subsMu.RLock()
	_, ok := nc.subs[sub.sid]
	nc.subsMu.RUnlock()
	if !ok {
		return nil
	}

	nc.mu.Lock()
	status := nc.status
	nc.mu.Unlock()
	if status == Closed {
		return ErrConnectionClosed
	}

	if max > 0 {
		sub.mu.Lock()
		sub.max = uint64(max)
		received := sub.received
		sub.mu.Unlock()

		if err := nc.sendProto(fmt.Sprintf(unsubProto, sub.sid, fmtUint(uint64(max)))); err != nil {
			return err
		}
		if received >= uint64(max) {
			nc.finalizeAutoUnsub(sub.sid)
		}
		return nil
	}

	nc.subsMu.Lock()
	delete(nc.subs, sub.sid)
	nc.subsMu.Unlock()
	sub.close()

	return nc.sendProto(fmt.Sprintf(unsubProtoN, sub.sid))
}

// finalizeAutoUnsub removes a subscription once its recorded max has been
// reached and its queue has been allowed to drain, per spec.md 4.5's
// "auto-unsubscribe on max" note. The dispatcher goroutine drains whatever
// is already queued before observing the close.
func (nc *Conn) finalizeAutoUnsub(sid uint64) {
	nc.subsMu.Lock()
	sub, ok := nc.subs[sid]
	if ok {
		delete(nc.subs, sid)
	}
	nc.subsMu.Unlock()
	if !ok {
		return
	}
	// dispatchLoop only exits once its queue is empty, so marking the
	// subscription closed here does not discard messages already queued.
	sub.close()
}

func fmtUint(n uint64) string {
	return fmt.Sprintf("%d", n)
}
