package wiremsg

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRequestManyExpectedTwo(t *testing.T) {
	_, addr := runServer(t)
	nc := connectTo(t, addr)

	helper, err := nc.Subscribe("help", func(m *Msg) {
		for i := 1; i <= 3; i++ {
			nc.Publish(m.Reply, []byte(fmt.Sprintf("ok:%d", i)))
		}
		nc.Flush()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer helper.Unsubscribe()

	var mu sync.Mutex
	var replies []string
	done := make(chan struct{})

	err = nc.RequestMany("help", []byte("please"), 2, func(m *Msg) {
		mu.Lock()
		replies = append(replies, string(m.Data))
		n := len(replies)
		mu.Unlock()
		if n == 2 {
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("RequestMany: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for replies")
	}

	// Let any (incorrectly) undiscarded third reply have a chance to arrive.
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2: %v", len(replies), replies)
	}
	if replies[0] != "ok:1" || replies[1] != "ok:2" {
		t.Fatalf("replies = %v, want [ok:1 ok:2]", replies)
	}

	numSubs := nc.NumSubscriptions()
	// Exactly two subscriptions: the user's "help" and the connection's
	// shared inbox wildcard - no lingering per-request subscription.
	if numSubs != 2 {
		t.Fatalf("_subs has %d entries, want 2 (help + shared inbox)", numSubs)
	}
}

func TestRequestSingleReply(t *testing.T) {
	_, addr := runServer(t)
	nc := connectTo(t, addr)

	echo, err := nc.Subscribe("echo", func(m *Msg) {
		nc.Publish(m.Reply, m.Data)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer echo.Unsubscribe()

	msg, err := nc.Request("echo", []byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(msg.Data) != "ping" {
		t.Fatalf("reply = %q, want %q", msg.Data, "ping")
	}
}

func TestRequestTimeout(t *testing.T) {
	_, addr := runServer(t)
	nc := connectTo(t, addr)

	_, err := nc.Request("nobody-listening", []byte("ping"), 100*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}
