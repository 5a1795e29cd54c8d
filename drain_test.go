package wiremsg

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDrain(t *testing.T) {
	_, addr := runServer(t)
	closed := make(chan struct{})
	nc := connectTo(t, addr, ClosedHandler(func(*Conn) { close(closed) }))

	for _, subj := range []string{"foo", "bar", "quux"} {
		if _, err := nc.Subscribe(subj, func(*Msg) {}); err != nil {
			t.Fatalf("Subscribe %s: %v", subj, err)
		}
	}

	if err := nc.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("ClosedCB did not fire")
	}

	numSubs := nc.NumSubscriptions()
	if numSubs != 0 {
		t.Fatalf("_subs has %d entries after drain, want 0", numSubs)
	}
	if !nc.IsClosed() {
		t.Fatal("connection not closed after Drain")
	}
}

func TestDrainWithBackedUpQueue(t *testing.T) {
	_, addr := runServer(t)
	nc := connectTo(t, addr)

	received := int32(0)
	expected := int32(100)
	done := make(chan struct{})

	sub, err := nc.Subscribe("foo", func(*Msg) {
		time.Sleep(time.Millisecond)
		if atomic.AddInt32(&received, 1) == expected {
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := int32(0); i < expected; i++ {
		nc.Publish("foo", []byte("don't forget about me"))
	}
	nc.Flush()

	if err := sub.Drain(); err != nil {
		t.Fatalf("sub.Drain: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("received %d/%d before timing out", atomic.LoadInt32(&received), expected)
	}
}

func TestDrainIsIdempotent(t *testing.T) {
	_, addr := runServer(t)
	nc := connectTo(t, addr)

	if err := nc.Drain(); err != nil {
		t.Fatalf("first Drain: %v", err)
	}
	if err := nc.Drain(); err != nil {
		t.Fatalf("second Drain: %v", err)
	}
}
