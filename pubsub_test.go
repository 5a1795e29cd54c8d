package wiremsg

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishSubscribeRoundTrip(t *testing.T) {
	_, addr := runServer(t)
	nc := connectTo(t, addr)

	type got struct {
		subject string
		data    string
	}
	received := make(chan got, 2)
	sub, err := nc.Subscribe(">", func(m *Msg) {
		received <- got{m.Subject, string(m.Data)}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := nc.Publish("one", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := nc.Publish("two", []byte("world")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	want := []got{{"one", "hello"}, {"two", "world"}}
	for i, w := range want {
		select {
		case g := <-received:
			if g != w {
				t.Fatalf("message %d: got %+v, want %+v", i, g, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}

	stats := nc.Stats()
	if stats.InMsgs != 2 || stats.OutMsgs != 2 {
		t.Fatalf("InMsgs/OutMsgs = %d/%d, want 2/2", stats.InMsgs, stats.OutMsgs)
	}
	if stats.InBytes != 10 || stats.OutBytes != 10 {
		t.Fatalf("InBytes/OutBytes = %d/%d, want 10/10", stats.InBytes, stats.OutBytes)
	}
}

func TestLargePayloadRace(t *testing.T) {
	_, addr := runServer(t)
	nc := connectTo(t, addr)

	var mu sync.Mutex
	var subjects []string
	done := make(chan struct{})

	sub, err := nc.Subscribe("help.*", func(m *Msg) {
		mu.Lock()
		subjects = append(subjects, m.Subject)
		n := len(subjects)
		mu.Unlock()
		if n == 501 {
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	big := make([]byte, 1_000_000)
	for i := range big {
		big[i] = 'A'
	}
	for i := 0; i < 500; i++ {
		if err := nc.Publish(fmt.Sprintf("help.%d", i), big); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
	if err := nc.Publish("help.500", []byte("A")); err != nil {
		t.Fatalf("Publish help.500: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		mu.Lock()
		n := len(subjects)
		mu.Unlock()
		t.Fatalf("timed out with %d/501 messages delivered", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(subjects) != 501 {
		t.Fatalf("got %d messages, want 501", len(subjects))
	}
	for i, s := range subjects {
		want := fmt.Sprintf("help.%d", i)
		if s != want {
			t.Fatalf("message %d subject = %q, want %q (order violated)", i, s, want)
		}
	}

	stats := nc.Stats()
	const wantBytes = 500_000_001
	if stats.InBytes != wantBytes || stats.OutBytes != wantBytes {
		t.Fatalf("InBytes/OutBytes = %d/%d, want %d/%d", stats.InBytes, stats.OutBytes, wantBytes, wantBytes)
	}
}

func TestSlowConsumer(t *testing.T) {
	_, addr := runServer(t)
	nc := connectTo(t, addr)

	errs := int32(0)
	ncSub := connectTo(t, addr, ErrorHandler(func(_ *Conn, _ *Subscription, err error) {
		if err == ErrSlowConsumer {
			atomic.AddInt32(&errs, 1)
		}
	}))

	var mu sync.Mutex
	var order []string
	count := 0
	done := make(chan struct{})

	sub, err := ncSub.Subscribe("hello", func(m *Msg) {
		count++
		if count == 5 {
			time.Sleep(500 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, string(m.Data))
		n := len(order)
		mu.Unlock()
		if n == 13 {
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sub.SetPendingLimits(5, -1)
	defer sub.Unsubscribe()

	for i := 0; i < 20; i++ {
		nc.Publish("hello", []byte(fmt.Sprintf("msg-%d", i)))
	}
	nc.Flush()
	time.Sleep(200 * time.Millisecond)
	for i := 0; i < 3; i++ {
		nc.Publish("hello", []byte(fmt.Sprintf("ok-%d", i)))
	}
	nc.Flush()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tail messages")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 13 {
		t.Fatalf("got %d messages, want 13", len(order))
	}
	last3 := order[len(order)-3:]
	want := []string{"ok-0", "ok-1", "ok-2"}
	for i := range want {
		if last3[i] != want[i] {
			t.Fatalf("tail = %v, want %v", last3, want)
		}
	}
	if atomic.LoadInt32(&errs) == 0 {
		t.Fatal("expected at least one SlowConsumer error")
	}
}
