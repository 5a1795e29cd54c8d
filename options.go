package wiremsg

import (
	"crypto/tls"
	"time"
)

const (
	// DefaultMaxReconnect is the default per-endpoint reconnect attempt
	// ceiling; -1 means unlimited, 0 means no reconnect.
	DefaultMaxReconnect = 60
	// DefaultReconnectWait is the base backoff between reconnect attempts.
	DefaultReconnectWait = 2 * time.Second
	// DefaultTimeout bounds the initial connect handshake and the
	// default Flush call.
	DefaultTimeout = 2 * time.Second
	// DefaultPingInterval is how often a CONNECTED client probes the
	// server with a PING while idle.
	DefaultPingInterval = 2 * time.Minute
	// DefaultMaxPingsOutstanding is how many unanswered PINGs mark a
	// connection stale.
	DefaultMaxPingsOutstanding = 2
	// DefaultDrainTimeout bounds how long Drain waits before giving up.
	DefaultDrainTimeout = 30 * time.Second
	// DefaultMaxWriteBufferSize bounds the shared outbound byte buffer;
	// 0 (the zero Options value) disables the bound.
	DefaultMaxWriteBufferSize = 0
)

// ConnHandler is used for asynchronous lifecycle events: connected,
// disconnected, reconnected, closed.
type ConnHandler func(*Conn)

// ErrHandler processes asynchronous errors encountered on a connection,
// optionally tied to the subscription that produced them.
type ErrHandler func(*Conn, *Subscription, error)

// Option configures a Conn at Connect time using the standard functional
// options idiom, matching the shape the teacher pack's own consumer
// (adred-codev-ws_poc's nats wrapper) already expects from this client:
// nats.MaxReconnects(n), nats.PingInterval(d), nats.ConnectHandler(cb)...
type Option func(*Options) error

// Options collects every tunable from spec.md section 6. Most callers
// should prefer the Option functions below over constructing Options
// directly.
type Options struct {
	Servers       []string
	DontRandomize bool
	Name          string

	Verbose  bool
	Pedantic bool
	NoEcho   bool

	User     string
	Password string
	Token    string

	// Nkey is the public nkey presented in CONNECT; SignatureCB signs the
	// server-issued nonce to prove possession of the matching seed.
	Nkey        string
	SignatureCB func(nonce []byte) ([]byte, error)

	TLSConfig *tls.Config

	AllowReconnect       bool
	MaxReconnectAttempts int
	ReconnectWait        time.Duration
	ReconnectJitter      time.Duration

	Timeout time.Duration

	PingInterval        time.Duration
	MaxPingsOutstanding int

	DrainTimeout time.Duration

	MaxReadBufferSize  int
	MaxWriteBufferSize int

	Logger Logger

	ClosedCB          ConnHandler
	DisconnectedErrCB func(*Conn, error)
	ReconnectedCB     ConnHandler
	ConnectedCB       ConnHandler
	ErrorCB           ErrHandler
}

// GetDefaultOptions returns the baseline Options every Connect call starts
// from before applying caller-supplied Option values.
func GetDefaultOptions() Options {
	return Options{
		AllowReconnect:       true,
		MaxReconnectAttempts: DefaultMaxReconnect,
		ReconnectWait:        DefaultReconnectWait,
		Timeout:              DefaultTimeout,
		PingInterval:         DefaultPingInterval,
		MaxPingsOutstanding:  DefaultMaxPingsOutstanding,
		DrainTimeout:         DefaultDrainTimeout,
		MaxReadBufferSize:    defaultBufSize,
		MaxWriteBufferSize:   DefaultMaxWriteBufferSize,
		Logger:               noopLogger{},
	}
}

func Servers(urls ...string) Option {
	return func(o *Options) error { o.Servers = urls; return nil }
}

func DontRandomize() Option {
	return func(o *Options) error { o.DontRandomize = true; return nil }
}

func Name(name string) Option {
	return func(o *Options) error { o.Name = name; return nil }
}

func Verbose() Option {
	return func(o *Options) error { o.Verbose = true; return nil }
}

func Pedantic() Option {
	return func(o *Options) error { o.Pedantic = true; return nil }
}

func NoEcho() Option {
	return func(o *Options) error { o.NoEcho = true; return nil }
}

func UserInfo(user, password string) Option {
	return func(o *Options) error { o.User, o.Password = user, password; return nil }
}

func Token(token string) Option {
	return func(o *Options) error { o.Token = token; return nil }
}

func Secure(tc *tls.Config) Option {
	return func(o *Options) error { o.TLSConfig = tc; return nil }
}

func NoReconnect() Option {
	return func(o *Options) error { o.AllowReconnect = false; return nil }
}

func MaxReconnects(n int) Option {
	return func(o *Options) error { o.MaxReconnectAttempts = n; return nil }
}

func ReconnectWait(d time.Duration) Option {
	return func(o *Options) error { o.ReconnectWait = d; return nil }
}

func ReconnectJitter(d time.Duration) Option {
	return func(o *Options) error { o.ReconnectJitter = d; return nil }
}

func Timeout(d time.Duration) Option {
	return func(o *Options) error { o.Timeout = d; return nil }
}

func PingInterval(d time.Duration) Option {
	return func(o *Options) error { o.PingInterval = d; return nil }
}

func MaxPingsOutstanding(n int) Option {
	return func(o *Options) error { o.MaxPingsOutstanding = n; return nil }
}

func DrainTimeout(d time.Duration) Option {
	return func(o *Options) error { o.DrainTimeout = d; return nil }
}

func MaxReadBufferSize(n int) Option {
	return func(o *Options) error { o.MaxReadBufferSize = n; return nil }
}

func MaxWriteBufferSize(n int) Option {
	return func(o *Options) error { o.MaxWriteBufferSize = n; return nil }
}

func WithLogger(l Logger) Option {
	return func(o *Options) error {
		if l == nil {
			l = noopLogger{}
		}
		o.Logger = l
		return nil
	}
}

func ClosedHandler(cb ConnHandler) Option {
	return func(o *Options) error { o.ClosedCB = cb; return nil }
}

func DisconnectErrHandler(cb func(*Conn, error)) Option {
	return func(o *Options) error { o.DisconnectedErrCB = cb; return nil }
}

func ReconnectHandler(cb ConnHandler) Option {
	return func(o *Options) error { o.ReconnectedCB = cb; return nil }
}

func ConnectHandler(cb ConnHandler) Option {
	return func(o *Options) error { o.ConnectedCB = cb; return nil }
}

func ErrorHandler(cb ErrHandler) Option {
	return func(o *Options) error { o.ErrorCB = cb; return nil }
}
