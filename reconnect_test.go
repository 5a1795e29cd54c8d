package wiremsg

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

func startOn(t *testing.T, host string, port int) *server.Server {
	t.Helper()
	opts := &server.Options{Host: host, Port: port, NoLog: true, NoSigs: true}
	s, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("could not start embedded broker: %v", err)
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded broker did not become ready in time")
	}
	return s
}

func TestReconnectOnServerFailure(t *testing.T) {
	s1 := startOn(t, "127.0.0.1", -1)
	s2 := startOn(t, "127.0.0.1", -1)
	t.Cleanup(s2.Shutdown)

	disconnected := make(chan struct{}, 1)
	reconnected := make(chan struct{}, 1)

	nc, err := Connect(
		"wiremsg://"+s1.Addr().String()+",wiremsg://"+s2.Addr().String(),
		ReconnectWait(20*time.Millisecond),
		DisconnectErrHandler(func(*Conn, error) {
			select {
			case disconnected <- struct{}{}:
			default:
			}
		}),
		ReconnectHandler(func(*Conn) {
			select {
			case reconnected <- struct{}{}:
			default:
			}
		}),
	)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(nc.Close)

	echo, err := nc.Subscribe("echo", func(m *Msg) {
		nc.Publish(m.Reply, m.Data)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer echo.Unsubscribe()

	if _, err := nc.Request("echo", []byte("before"), time.Second); err != nil {
		t.Fatalf("pre-failover Request: %v", err)
	}

	s1.Shutdown()

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("DisconnectErrHandler never fired")
	}
	select {
	case <-reconnected:
	case <-time.After(10 * time.Second):
		t.Fatal("ReconnectHandler never fired")
	}

	if _, err := nc.Request("echo", []byte("after"), 2*time.Second); err != nil {
		t.Fatalf("post-failover Request: %v", err)
	}
}
