package wiremsg

import (
	"testing"
	"time"
)

type greeting struct {
	Name string
	Text string
}

func TestEncodedConnJSONRoundTrip(t *testing.T) {
	_, addr := runServer(t)
	nc := connectTo(t, addr)

	ec, err := NewEncodedConn(nc, "json")
	if err != nil {
		t.Fatalf("NewEncodedConn: %v", err)
	}

	received := make(chan greeting, 1)
	sub, err := ec.Subscribe("greetings", func(g *greeting) {
		received <- *g
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	want := greeting{Name: "ada", Text: "hello"}
	if err := ec.Publish("greetings", &want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-received:
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decoded message")
	}
}

func TestEncodedConnSubjectCallback(t *testing.T) {
	_, addr := runServer(t)
	nc := connectTo(t, addr)

	ec, err := NewEncodedConn(nc, "json")
	if err != nil {
		t.Fatalf("NewEncodedConn: %v", err)
	}

	type payload struct{ N int }
	gotSubject := make(chan string, 1)
	sub, err := ec.Subscribe("nums", func(subject string, p *payload) {
		gotSubject <- subject
		_ = p.N
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := ec.Publish("nums", &payload{N: 7}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case s := <-gotSubject:
		if s != "nums" {
			t.Fatalf("subject = %q, want %q", s, "nums")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}
