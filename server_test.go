package wiremsg

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// runServer starts an embedded broker on a free port, grounded on the
// teacher's own RunDefaultServer/RunServerOnPort test helpers (apcera-nats's
// drain tests and service tests all dial an embedded instance rather than a
// real deployment). It returns the server and the wiremsg:// URL to reach
// it, and registers cleanup via t.Cleanup.
func runServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   -1, // let the OS pick a free port
		NoLog:  true,
		NoSigs: true,
	}
	s, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("could not start embedded broker: %v", err)
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded broker did not become ready in time")
	}
	t.Cleanup(s.Shutdown)
	return s, s.Addr().String()
}

func connectTo(t *testing.T, addr string, opts ...Option) *Conn {
	t.Helper()
	nc, err := Connect("wiremsg://"+addr, opts...)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}
