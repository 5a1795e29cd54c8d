package wiremsg

import (
	"net/url"
	"testing"
)

func mustURLs(t *testing.T, raws ...string) []*url.URL {
	t.Helper()
	urls, err := ParseServerList(raws)
	if err != nil {
		t.Fatalf("ParseServerList: %v", err)
	}
	return urls
}

func TestServerPoolRotatesAndRoundRobins(t *testing.T) {
	urls := mustURLs(t, "a:1", "b:2", "c:3")
	p := newServerPool(urls, true) // DontRandomize, for a deterministic order

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		s := p.next(-1)
		if s == nil {
			t.Fatalf("next() returned nil at iteration %d", i)
		}
		seen[s.url.Host]++
	}
	for _, host := range []string{"a:1", "b:2", "c:3"} {
		if seen[host] != 2 {
			t.Fatalf("host %s seen %d times over two full rotations, want 2", host, seen[host])
		}
	}
}

func TestServerPoolExhaustion(t *testing.T) {
	urls := mustURLs(t, "a:1")
	p := newServerPool(urls, true)

	s := p.next(1)
	if s == nil {
		t.Fatal("expected a candidate before exhaustion")
	}
	p.markFailed(s)
	if !p.hasExhaustedAll(1) {
		t.Fatal("pool should be exhausted after markFailed reaches maxReconnect")
	}
	if got := p.next(1); got != nil {
		t.Fatalf("next() = %v after exhaustion, want nil", got)
	}
}

func TestServerPoolAddDiscoveredPreservesStats(t *testing.T) {
	urls := mustURLs(t, "a:1")
	p := newServerPool(urls, true)

	s := p.next(-1)
	p.markFailed(s)
	p.markFailed(s)

	p.addDiscovered([]string{"a:1", "b:2"})

	if p.size() != 2 {
		t.Fatalf("pool size = %d, want 2", p.size())
	}

	found := false
	for _, cand := range p.snapshot(false) {
		if cand.Host == "a:1" {
			found = true
		}
	}
	if !found {
		t.Fatal("discovered list should not drop the already-known endpoint")
	}
	for _, cand := range p.servers {
		if cand.url.Host == "a:1" && cand.reconnects != 2 {
			t.Fatalf("a:1 reconnects = %d after discovery, want 2", cand.reconnects)
		}
	}

	var implicitHost string
	for _, cand := range p.snapshot(true) {
		implicitHost = cand.Host
	}
	if implicitHost != "b:2" {
		t.Fatalf("DiscoveredServers = %q, want b:2", implicitHost)
	}
}
