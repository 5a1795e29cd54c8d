// Package wiremsg implements the core of a client for a text-framed
// publish/subscribe message bus: connection lifecycle with failover and
// reconnect, a coalescing outbound pipeline, a streaming inbound
// dispatcher, and request/reply via an inbox multiplexer.
package wiremsg

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// Version identifies this client to the server in the CONNECT line and via
// the Version constant.
const Version = "0.1.0"

// DefaultURL is used when no servers are configured.
const DefaultURL = "wiremsg://localhost:4222"

const (
	// defaultBufSize sizes the bufio reader/writer layered on the socket.
	defaultBufSize = 32768
	// defaultReadChunk bounds a single Read() call into the parser.
	defaultReadChunk = 32768
)

// Status is the connection manager's lifecycle state, per spec.md 4.3.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Reconnecting
	DrainingSubs
	DrainingPubs
	Closed
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case DrainingSubs:
		return "draining_subs"
	case DrainingPubs:
		return "draining_pubs"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// serverInfo is the broker-advertised parameter set, refreshed on every
// INFO frame (spec.md section 3).
type serverInfo struct {
	ID           string   `json:"server_id"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	Version      string   `json:"version"`
	AuthRequired bool     `json:"auth_required"`
	TLSRequired  bool     `json:"tls_required"`
	MaxPayload   int64    `json:"max_payload"`
	ClientID     uint64   `json:"client_id"`
	Proto        int      `json:"proto"`
	ConnectURLs  []string `json:"connect_urls,omitempty"`
	Nonce        string   `json:"nonce,omitempty"`
}

// connectInfo is the client->server CONNECT payload, per spec.md section 6.
type connectInfo struct {
	Verbose   bool   `json:"verbose"`
	Pedantic  bool   `json:"pedantic"`
	TLS       bool   `json:"tls_required"`
	Name      string `json:"name,omitempty"`
	Lang      string `json:"lang"`
	Version   string `json:"version"`
	Protocol  int    `json:"protocol"`
	Echo      bool   `json:"echo"`
	User      string `json:"user,omitempty"`
	Pass      string `json:"pass,omitempty"`
	AuthToken string `json:"auth_token,omitempty"`
	Nkey      string `json:"nkey,omitempty"`
	Sig       string `json:"sig,omitempty"`
}

// Conn is a connection to a broker endpoint, maintained transparently
// across failover and reconnect. The zero value is not usable; obtain one
// via Connect.
type Conn struct {
	opts Options

	mu     sync.Mutex
	status Status
	err    error

	pool *serverPool
	cur  *srv

	conn net.Conn
	bw   *bufio.Writer
	br   *bufio.Reader
	out  *outbound

	parser *parser
	info   serverInfo

	pongs []*pongWaiter

	ssid   uint64
	subsMu sync.RWMutex
	subs   map[uint64]*Subscription

	stopReader  chan struct{}
	stopFlusher chan struct{}
	stopPinger  chan struct{}

	closeOnce sync.Once

	reqMux *requestMux

	stats Statistics
}

// Connect dials one of the given server URLs and performs the handshake
// described in spec.md section 4.3, returning a live Conn on success.
func Connect(url string, options ...Option) (*Conn, error) {
	opts := GetDefaultOptions()
	opts.Servers = []string{url}
	for _, o := range options {
		if err := o(&opts); err != nil {
			return nil, err
		}
	}
	return opts.Connect()
}

// Connect builds a Conn from a fully-populated Options value.
func (o Options) Connect() (*Conn, error) {
	if len(o.Servers) == 0 {
		o.Servers = []string{DefaultURL}
	}
	urls, err := ParseServerList(o.Servers)
	if err != nil {
		return nil, err
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}

	nc := &Conn{
		opts:        o,
		pool:        newServerPool(urls, o.DontRandomize),
		subs:        make(map[uint64]*Subscription),
		stopReader:  make(chan struct{}),
		stopFlusher: make(chan struct{}),
		stopPinger:  make(chan struct{}),
	}
	nc.out = newOutbound(o.MaxWriteBufferSize)
	nc.reqMux = newRequestMux(nc)

	if err := nc.connect(true); err != nil {
		return nil, err
	}
	return nc, nil
}

// connect iterates the server pool trying each non-exhausted endpoint
// until one accepts the handshake, per spec.md section 4.3. initial
// distinguishes the bootstrap connect (fires ConnectedCB, fails with
// ErrNoServers) from a reconnect (fires ReconnectedCB; its ErrNoServers
// goes back to doReconnect, which retries or closes, and never reaches a
// user caller).
func (nc *Conn) connect(initial bool) error {
	nc.setStatus(Connecting)

	maxAttempts := nc.opts.MaxReconnectAttempts
	if initial && maxAttempts == 0 {
		// 0 disables reconnects only; the first connect still tries each
		// endpoint once.
		maxAttempts = 1
	}
	for {
		s := nc.pool.next(maxAttempts)
		if s == nil {
			if initial {
				nc.setStatus(Disconnected)
				return ErrNoServers
			}
			return ErrNoServers
		}
		nc.pool.markAttempt(s)
		nc.opts.Logger.Infof("wiremsg: connecting to %s", s.url.Host)

		if err := nc.tryConnect(s); err != nil {
			nc.opts.Logger.Warnf("wiremsg: connect to %s failed: %v", s.url.Host, err)
			nc.pool.markFailed(s)
			continue
		}

		nc.pool.markConnected(s)
		nc.mu.Lock()
		nc.cur = s
		nc.status = Connected
		nc.mu.Unlock()
		nc.opts.Logger.Infof("wiremsg: connected to %s", s.url.Host)

		nc.stopReader = make(chan struct{})
		nc.stopFlusher = make(chan struct{})
		nc.stopPinger = make(chan struct{})
		go nc.readLoop()
		go nc.flusher()
		go nc.pingLoop()

		if initial {
			if cb := nc.opts.ConnectedCB; cb != nil {
				cb(nc)
			}
		} else {
			nc.resendSubscriptions()
			nc.out.kickFlusher()
			if cb := nc.opts.ReconnectedCB; cb != nil {
				cb(nc)
			}
		}
		return nil
	}
}

// tryConnect performs one handshake attempt against a single endpoint:
// dial, read INFO, optionally upgrade to TLS, send CONNECT, PING/PONG.
func (nc *Conn) tryConnect(s *srv) error {
	conn, err := net.DialTimeout("tcp", s.url.Host, nc.opts.Timeout)
	if err != nil {
		return err
	}

	br := bufio.NewReaderSize(conn, nc.opts.MaxReadBufferSize)
	bw := bufio.NewWriterSize(conn, defaultBufSize)

	conn.SetReadDeadline(time.Now().Add(nc.opts.Timeout))
	info, err := readInfoLine(br)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return err
	}

	if info.TLSRequired {
		tlsConf := nc.opts.TLSConfig
		if tlsConf == nil {
			tlsConf = &tls.Config{}
		}
		host, _, _ := net.SplitHostPort(s.url.Host)
		tlsConf = tlsConf.Clone()
		if tlsConf.ServerName == "" {
			tlsConf.ServerName = host
		}
		tlsConn := tls.Client(conn, tlsConf)
		tlsConn.SetDeadline(time.Now().Add(nc.opts.Timeout))
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return err
		}
		tlsConn.SetDeadline(time.Time{})
		conn = tlsConn
		br = bufio.NewReaderSize(conn, nc.opts.MaxReadBufferSize)
		bw = bufio.NewWriterSize(conn, defaultBufSize)
	}

	nc.mu.Lock()
	nc.conn = conn
	nc.br = br
	nc.bw = bw
	nc.parser = newParser(nc)
	nc.applyInfoLocked(info)
	nc.mu.Unlock()

	if err := nc.applyDiscoveredURLs(info); err != nil {
		conn.Close()
		return err
	}

	proto, err := nc.connectProto(s)
	if err != nil {
		conn.Close()
		return err
	}
	if _, err := bw.WriteString(fmt.Sprintf(connProto, proto)); err != nil {
		conn.Close()
		return err
	}
	if _, err := bw.WriteString(pingProto); err != nil {
		conn.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		conn.Close()
		return err
	}

	conn.SetReadDeadline(time.Now().Add(nc.opts.Timeout))
	if err := awaitHandshakePong(br); err != nil {
		conn.Close()
		return err
	}
	conn.SetReadDeadline(time.Time{})

	return nil
}

func (nc *Conn) applyInfoLocked(info serverInfo) {
	nc.info = info
}

func (nc *Conn) applyDiscoveredURLs(info serverInfo) error {
	if len(info.ConnectURLs) > 0 {
		nc.pool.addDiscovered(info.ConnectURLs)
	}
	return nil
}

// readInfoLine reads exactly the first line the server must send and
// requires it to be INFO, per spec.md section 4.3.
func readInfoLine(br *bufio.Reader) (serverInfo, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return serverInfo{}, err
	}
	op, rest := splitOp(trimCRLF(line))
	if !equalFoldASCII(op, "INFO") {
		return serverInfo{}, ErrNoInfoReceived
	}
	var info serverInfo
	if err := json.Unmarshal([]byte(rest), &info); err != nil {
		return serverInfo{}, fmt.Errorf("%w: bad INFO json: %v", ErrProtocol, err)
	}
	return info, nil
}

// awaitHandshakePong reads control lines until it sees the PONG that
// confirms the server accepted CONNECT, or an -ERR/unexpected line, which
// fails the attempt (auth rejection included).
func awaitHandshakePong(br *bufio.Reader) error {
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return err
		}
		op, rest := splitOp(trimCRLF(line))
		switch {
		case equalFoldASCII(op, "PONG"):
			return nil
		case equalFoldASCII(op, "+OK"):
			continue
		case equalFoldASCII(op, "-ERR"):
			return serverError(rest)
		case equalFoldASCII(op, "INFO"):
			continue
		default:
			return fmt.Errorf("%w: unexpected %q during handshake", ErrProtocol, op)
		}
	}
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'a' && ca <= 'z' {
			ca -= 'a' - 'A'
		}
		if cb >= 'a' && cb <= 'z' {
			cb -= 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// connectProto serializes the CONNECT JSON payload for the current
// options and the credentials embedded in the endpoint being dialed. s is
// the candidate server being connected to; it precedes nc.cur, which is
// only assigned once tryConnect succeeds.
func (nc *Conn) connectProto(s *srv) (string, error) {
	o := nc.opts

	user, pass, token := o.User, o.Password, o.Token
	if s != nil && s.url.User != nil {
		user = s.url.User.Username()
		if p, ok := s.url.User.Password(); ok {
			pass = p
		}
	}

	ci := connectInfo{
		Verbose:   o.Verbose,
		Pedantic:  o.Pedantic,
		TLS:       o.TLSConfig != nil,
		Name:      o.Name,
		Lang:      "go",
		Version:   Version,
		Protocol:  1,
		Echo:      !o.NoEcho,
		User:      user,
		Pass:      pass,
		AuthToken: token,
	}

	if o.Nkey != "" && o.SignatureCB != nil {
		nc.mu.Lock()
		nonce := nc.info.Nonce
		nc.mu.Unlock()
		sig, err := o.SignatureCB([]byte(nonce))
		if err != nil {
			return "", fmt.Errorf("wiremsg: nkey signature callback failed: %w", err)
		}
		ci.Nkey = o.Nkey
		ci.Sig = base64.RawURLEncoding.EncodeToString(sig)
	}

	b, err := json.Marshal(ci)
	if err != nil {
		return "", fmt.Errorf("wiremsg: could not marshal CONNECT: %w", err)
	}
	return string(b), nil
}

// setStatus updates the lifecycle state under lock.
func (nc *Conn) setStatus(s Status) {
	nc.mu.Lock()
	nc.status = s
	nc.mu.Unlock()
}

// Status returns the connection's current lifecycle state.
func (nc *Conn) Status() Status {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.status
}

// IsConnected reports whether the connection is currently usable.
func (nc *Conn) IsConnected() bool {
	return nc.Status() == Connected
}

// IsClosed reports whether Close has completed.
func (nc *Conn) IsClosed() bool {
	return nc.Status() == Closed
}

// IsDraining reports whether Drain is in progress.
func (nc *Conn) IsDraining() bool {
	s := nc.Status()
	return s == DrainingSubs || s == DrainingPubs
}

// ConnectedURL returns the host:port of the currently active endpoint, or
// the empty string if not connected.
func (nc *Conn) ConnectedURL() string {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.cur == nil || nc.status != Connected {
		return ""
	}
	return nc.cur.url.Host
}

// NumSubscriptions returns the number of active subscriptions.
func (nc *Conn) NumSubscriptions() int {
	nc.subsMu.RLock()
	defer nc.subsMu.RUnlock()
	return len(nc.subs)
}

// Servers returns every endpoint currently known to the pool.
func (nc *Conn) Servers() []*url.URL { return nc.pool.snapshot(false) }

// DiscoveredServers returns the subset of Servers learned from the
// broker's async INFO rather than configured explicitly.
func (nc *Conn) DiscoveredServers() []*url.URL { return nc.pool.snapshot(true) }

// LastError reports the last error the connection encountered.
func (nc *Conn) LastError() error {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.err
}

func (nc *Conn) setErrLocked(err error) { nc.err = err }

// readLoop drains the socket, feeding bytes to the parser and dispatching
// decoded events, per spec.md section 4.1's data-flow description. It is
// the sole reader of the stream.
func (nc *Conn) readLoop() {
	buf := make([]byte, defaultReadChunk)
	for {
		nc.mu.Lock()
		br := nc.br
		stop := nc.stopReader
		status := nc.status
		nc.mu.Unlock()

		if (status != Connected && status != DrainingSubs && status != DrainingPubs) || br == nil {
			return
		}

		select {
		case <-stop:
			return
		default:
		}

		n, err := br.Read(buf)
		if n > 0 {
			nc.parser.feed(buf[:n])
		}
		if err != nil {
			nc.handleTransportError(err)
			return
		}
	}
}

// handleTransportError implements the failure semantics of spec.md
// section 4.7: while CONNECTED, a transport error triggers reconnect if
// allowed, else a terminal close.
func (nc *Conn) handleTransportError(err error) {
	nc.mu.Lock()
	if nc.status == Closed || nc.status == Reconnecting {
		nc.mu.Unlock()
		return
	}
	nc.setErrLocked(err)
	allow := nc.opts.AllowReconnect
	nc.mu.Unlock()

	if allow {
		nc.beginReconnect(err)
	} else {
		nc.Close()
	}
}

// beginReconnect closes the current stream, fires DisconnectedErrCB, and
// spins up doReconnect, per spec.md section 4.3.
func (nc *Conn) beginReconnect(cause error) {
	nc.mu.Lock()
	if nc.status == Closed {
		nc.mu.Unlock()
		return
	}
	nc.status = Reconnecting
	if nc.conn != nil {
		nc.conn.Close()
	}
	nc.conn = nil
	stopR, stopF, stopP := nc.stopReader, nc.stopFlusher, nc.stopPinger
	nc.mu.Unlock()

	closeStopChan(stopR)
	closeStopChan(stopF)
	closeStopChan(stopP)

	nc.drainPendingFlushes(ErrConnectionClosed)

	nc.opts.Logger.Warnf("wiremsg: disconnected: %v", cause)

	if cb := nc.opts.DisconnectedErrCB; cb != nil {
		cb(nc, cause)
	}

	go nc.doReconnect()
}

func closeStopChan(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// doReconnect retries endpoint iteration with backoff until it succeeds or
// exhausts the pool, per spec.md section 4.3.
func (nc *Conn) doReconnect() {
	for {
		nc.mu.Lock()
		closed := nc.status == Closed
		nc.mu.Unlock()
		if closed {
			return
		}

		if nc.pool.hasExhaustedAll(nc.opts.MaxReconnectAttempts) {
			nc.opts.Logger.Errorf("wiremsg: server pool exhausted, closing")
			nc.Close()
			return
		}

		if err := nc.connect(false); err == nil {
			atomic.AddUint64(&nc.stats.Reconnects, 1)
			return
		}

		wait := nc.opts.ReconnectWait
		if nc.opts.ReconnectJitter > 0 {
			wait += time.Duration(rand.Int63n(int64(nc.opts.ReconnectJitter)))
		}
		nc.opts.Logger.Debugf("wiremsg: reconnect attempt failed, sleeping %s", wait)
		time.Sleep(wait)
	}
}

// pingLoop sends a PING every PingInterval while CONNECTED and forces a
// reconnect if MaxPingsOutstanding probes go unanswered, per spec.md
// section 4.4.
func (nc *Conn) pingLoop() {
	if nc.opts.PingInterval <= 0 {
		return
	}
	t := time.NewTicker(nc.opts.PingInterval)
	defer t.Stop()

	stop := nc.stopPinger
	answered := make(chan struct{})
	outstanding := 0
	for {
		select {
		case <-stop:
			return
		case <-answered:
			outstanding = 0
		case <-t.C:
			nc.mu.Lock()
			connected := nc.status == Connected
			nc.mu.Unlock()
			if !connected {
				return
			}
			outstanding++
			if nc.opts.MaxPingsOutstanding > 0 && outstanding > nc.opts.MaxPingsOutstanding {
				nc.handleTransportError(ErrStaleConnection)
				return
			}
			go func() {
				if nc.FlushTimeout(nc.opts.PingInterval) == nil {
					select {
					case answered <- struct{}{}:
					case <-stop:
					}
				}
			}()
		}
	}
}

// --- parserEvents implementation -------------------------------------------

func (nc *Conn) onInfo(args string) {
	var info serverInfo
	if err := json.Unmarshal([]byte(args), &info); err != nil {
		nc.reportAsyncError(nil, fmt.Errorf("%w: bad async INFO: %v", ErrProtocol, err))
		return
	}
	nc.mu.Lock()
	nc.info = info
	nc.mu.Unlock()
	if len(info.ConnectURLs) > 0 {
		nc.pool.addDiscovered(info.ConnectURLs)
	}
}

func (nc *Conn) onPing() {
	nc.sendProto(pongProto)
}

func (nc *Conn) onPong() {
	w := nc.popWaiter()
	if w != nil {
		select {
		case w.ch <- nil:
		default:
		}
		close(w.ch)
	}
}

func (nc *Conn) onOK() {}

func (nc *Conn) onErr(text string) {
	err := serverError(text)
	atomic.AddUint64(&nc.stats.Errors, 1)
	nc.reportAsyncError(nil, err)

	switch {
	case errors.Is(err, ErrAuthorization), errors.Is(err, ErrStaleConnection), errors.Is(err, ErrPermissions):
		nc.handleTransportError(err)
	}
}

func (nc *Conn) onMsg(subject, reply string, sid uint64, data []byte) {
	atomic.AddUint64(&nc.stats.InMsgs, 1)
	atomic.AddUint64(&nc.stats.InBytes, uint64(len(data)))

	nc.subsMu.RLock()
	sub := nc.subs[sid]
	nc.subsMu.RUnlock()
	if sub == nil {
		return
	}

	if dropped := sub.enqueue(subject, reply, data); dropped {
		nc.opts.Logger.Warnf("wiremsg: slow consumer, dropped message for subject %q (sid %d)", subject, sid)
		nc.reportAsyncError(sub, ErrSlowConsumer)
		return
	}
	nc.maybeAutoUnsub(sub)
}

func (nc *Conn) maybeAutoUnsub(sub *Subscription) {
	sub.mu.Lock()
	max := sub.max
	received := sub.received
	sid := sub.sid
	sub.mu.Unlock()
	if max > 0 && received >= max {
		nc.finalizeAutoUnsub(sid)
	}
}

func (nc *Conn) onProtocolError(err error) {
	nc.handleTransportError(err)
}

// reportAsyncError routes an asynchronous error through the configured
// ErrorHandler, per spec.md section 7. It never panics the caller.
func (nc *Conn) reportAsyncError(sub *Subscription, err error) {
	nc.mu.Lock()
	nc.setErrLocked(err)
	cb := nc.opts.ErrorCB
	nc.mu.Unlock()
	if cb == nil {
		return
	}
	defer func() { recover() }()
	cb(nc, sub, err)
}

// Close terminates the connection. It is idempotent: later calls are a
// no-op, per spec.md section 4.3.
func (nc *Conn) Close() {
	nc.closeOnce.Do(func() {
		nc.mu.Lock()
		nc.status = Closed
		conn := nc.conn
		nc.conn = nil
		stopR, stopF, stopP := nc.stopReader, nc.stopFlusher, nc.stopPinger
		nc.mu.Unlock()

		closeStopChan(stopR)
		closeStopChan(stopF)
		closeStopChan(stopP)

		nc.drainPendingFlushes(ErrConnectionClosed)

		nc.subsMu.Lock()
		for sid, s := range nc.subs {
			s.close()
			delete(nc.subs, sid)
		}
		nc.subsMu.Unlock()

		if conn != nil {
			nc.mu.Lock()
			if nc.bw != nil {
				nc.bw.Flush()
			}
			nc.mu.Unlock()
			conn.Close()
		}

		if cb := nc.opts.ClosedCB; cb != nil {
			cb(nc)
		}
	})
}
