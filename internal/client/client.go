package client

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// DefaultSettlePeriod is how long Connect waits after sending the
	// password before it assumes the server accepted it.
	DefaultSettlePeriod = 750 * time.Millisecond
	// DefaultConnectTimeout bounds the whole connect attempt.
	DefaultConnectTimeout = 20 * time.Second
	// DefaultPingInterval is the keepalive period for an open connection.
	DefaultPingInterval = 30 * time.Second

	writeTimeout = 10 * time.Second
)

// State is the lifecycle state of a Session.
type State int

const (
	// StateDisconnected means there is no transport.
	StateDisconnected State = iota
	// StateConnecting means the WebSocket dial is in progress.
	StateConnecting
	// StateAuthenticating means the password was sent and the outcome is pending.
	StateAuthenticating
	// StateConnected means the server accepted the session and actions may be sent.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Session is a client connection to an image-generation server.
// It is safe for concurrent use.
type Session struct {
	id             string
	dialect        Dialect
	settle         time.Duration
	connectTimeout time.Duration
	pingInterval   time.Duration
	readLimit      int64
	strictPreviews bool
	dialer         *websocket.Dialer
	header         http.Header
	logger         *slog.Logger
	metrics        *Metrics
	bus            *bus

	mu       sync.Mutex
	state    State
	endpoint string
	link     *link
	attempt  uint64
	abort    func()
}

// Option configures a Session.
type Option func(*Session)

// WithDialect selects the outbound wire format. Default is DialectAction.
func WithDialect(d Dialect) Option {
	return func(s *Session) {
		s.dialect = d
	}
}

// WithSettlePeriod sets the implicit authentication window.
func WithSettlePeriod(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.settle = d
		}
	}
}

// WithConnectTimeout bounds Connect.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.connectTimeout = d
		}
	}
}

// WithPingInterval sets the keepalive period. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(s *Session) {
		s.pingInterval = d
	}
}

// WithReadLimit caps the size of inbound frames.
func WithReadLimit(n int64) Option {
	return func(s *Session) {
		s.readLimit = n
	}
}

// WithStrictPreviews rejects binary frames whose content is not an image.
func WithStrictPreviews(strict bool) Option {
	return func(s *Session) {
		s.strictPreviews = strict
	}
}

// WithDialer sets the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Session) {
		if d != nil {
			s.dialer = d
		}
	}
}

// WithHeader sets extra HTTP headers sent with the upgrade request.
func WithHeader(h http.Header) Option {
	return func(s *Session) {
		s.header = h.Clone()
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// New creates a disconnected Session.
func New(opts ...Option) *Session {
	s := &Session{
		id:             uuid.NewString(),
		dialect:        DialectAction,
		settle:         DefaultSettlePeriod,
		connectTimeout: DefaultConnectTimeout,
		pingInterval:   DefaultPingInterval,
		dialer:         websocket.DefaultDialer,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session_id", s.id)
	s.bus = newBus(s.logger)
	return s
}

// ID returns the random identifier used to correlate log lines.
func (s *Session) ID() string {
	return s.id
}

// Dialect returns the configured wire format.
func (s *Session) Dialect() Dialect {
	return s.dialect
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Endpoint returns the endpoint of the current or last connection attempt.
func (s *Session) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// On subscribes h to the named event and returns a function that removes
// the subscription. Unknown names are accepted and never fire.
func (s *Session) On(name EventName, h Handler) func() {
	return s.bus.on(name, h)
}

func (s *Session) emit(ev Event) {
	s.metrics.event(ev.Name())
	s.bus.emit(ev)
}
