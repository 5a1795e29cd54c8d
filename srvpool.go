package wiremsg

import (
	"math/rand"
	"net/url"
	"sync"
	"time"
)

// srv is one candidate broker endpoint, grounded on the teacher's serverInfo
// bookkeeping but generalized into a standalone pool entry per spec.md's
// Endpoint entity (section 3): reconnect stats survive topology churn and a
// server discovered via an async INFO is distinguished from one the caller
// configured explicitly.
type srv struct {
	url         *url.URL
	didConnect  bool
	reconnects  int
	lastAttempt time.Time
	isImplicit  bool
}

func (s *srv) exhausted(maxReconnect int) bool {
	if maxReconnect < 0 {
		return false
	}
	return s.reconnects >= maxReconnect
}

// serverPool is the ordered candidate set described in spec.md section 3:
// never empty while the connection is not CLOSED, rotations preserve
// membership, and connect_urls from async INFO extend it without clobbering
// existing reconnect statistics for already-known endpoints.
type serverPool struct {
	mu            sync.Mutex
	servers       []*srv
	dontRandomize bool
}

func newServerPool(urls []*url.URL, dontRandomize bool) *serverPool {
	p := &serverPool{dontRandomize: dontRandomize}
	for _, u := range urls {
		p.servers = append(p.servers, &srv{url: u})
	}
	if !dontRandomize {
		p.shuffle()
	}
	return p
}

func (p *serverPool) shuffle() {
	rand.Shuffle(len(p.servers), func(i, j int) {
		p.servers[i], p.servers[j] = p.servers[j], p.servers[i]
	})
}

// next returns the next candidate not yet exhausted under maxReconnect,
// rotating it to the back of the pool so repeated calls round-robin.
func (p *serverPool) next(maxReconnect int) *srv {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.servers {
		if s.exhausted(maxReconnect) {
			continue
		}
		rest := make([]*srv, 0, len(p.servers)-1)
		rest = append(rest, p.servers[:i]...)
		rest = append(rest, p.servers[i+1:]...)
		p.servers = append(rest, s)
		return s
	}
	return nil
}

func (p *serverPool) markAttempt(s *srv) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.lastAttempt = time.Now()
}

func (p *serverPool) markConnected(s *srv) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.reconnects = 0
	s.didConnect = true
}

func (p *serverPool) markFailed(s *srv) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.reconnects++
}

// hasExhaustedAll reports whether every known endpoint has exceeded
// maxReconnect, at which point the connection manager gives up.
func (p *serverPool) hasExhaustedAll(maxReconnect int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.servers {
		if !s.exhausted(maxReconnect) {
			return false
		}
	}
	return true
}

// addDiscovered merges connect_urls advertised in an async INFO into the
// pool. Endpoints already present (matched by host:port) keep their
// existing reconnect statistics; only genuinely new ones are appended, and
// they are flagged isImplicit so callers can distinguish discovery origin.
func (p *serverPool) addDiscovered(rawURLs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	known := make(map[string]bool, len(p.servers))
	for _, s := range p.servers {
		known[s.url.Host] = true
	}
	for _, raw := range rawURLs {
		u, err := parseServerURL(raw)
		if err != nil || known[u.Host] {
			continue
		}
		known[u.Host] = true
		p.servers = append(p.servers, &srv{url: u, isImplicit: true})
	}
}

// snapshot returns a copy of the pool's current endpoints for inspection
// (e.g. Conn.Servers / Conn.DiscoveredServers).
func (p *serverPool) snapshot(implicitOnly bool) []*url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*url.URL, 0, len(p.servers))
	for _, s := range p.servers {
		if implicitOnly && !s.isImplicit {
			continue
		}
		out = append(out, s.url)
	}
	return out
}

func (p *serverPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.servers)
}
