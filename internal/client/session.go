package client

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// link is one opened transport and the goroutines serving it.
type link struct {
	conn     *websocket.Conn
	endpoint string

	frames  chan inboundFrame
	readErr error // set before frames is closed
	done    chan struct{}
	// finished is closed once the loop goroutine has published the
	// disconnect and returned.
	finished chan struct{}
	// dispatching is set while the loop goroutine runs handlers.
	dispatching atomic.Bool

	writeMu sync.Mutex

	authOnce sync.Once
	settled  atomic.Bool
	authed   chan error

	// local is set when this side closed the transport.
	local    atomic.Bool
	closeErr error // owned by the loop goroutine
}

type inboundFrame struct {
	messageType int
	data        []byte
}

func newLink(conn *websocket.Conn, endpoint string) *link {
	return &link{
		conn:     conn,
		endpoint: endpoint,
		frames:   make(chan inboundFrame),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		authed:   make(chan error, 1),
	}
}

func validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return newError(KindInvalidArgument, "endpoint is required", nil)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return newError(KindInvalidArgument, "invalid endpoint", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return newError(KindInvalidArgument, "endpoint scheme must be ws or wss, got "+u.Scheme, nil)
	}
	if u.Host == "" {
		return newError(KindInvalidArgument, "endpoint has no host", nil)
	}
	return nil
}

// Connect opens a connection to endpoint and authenticates with password.
// It returns once the session is connected or the attempt failed.
func (s *Session) Connect(ctx context.Context, endpoint, password string) error {
	if err := validateEndpoint(endpoint); err != nil {
		return err
	}
	if password == "" {
		return newError(KindInvalidArgument, "password is required", nil)
	}

	s.mu.Lock()
	if s.state != StateDisconnected {
		state := s.state
		s.mu.Unlock()
		s.logger.Warn("Connect called while session is active", "state", state.String())
		s.metrics.connectOutcome(ErrAlreadyConnected)
		return newError(KindAlreadyConnected, "already "+state.String(), nil)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	s.state = StateConnecting
	s.endpoint = endpoint
	s.attempt++
	attempt := s.attempt
	s.abort = cancel
	s.mu.Unlock()
	defer cancel()

	s.logger.Info("Connecting", "endpoint", endpoint, "dialect", s.dialect.String())

	err := s.open(attemptCtx, attempt, endpoint, password)
	s.metrics.connectOutcome(err)
	if err != nil {
		s.logger.Warn("Connect failed", "endpoint", endpoint, "error", err)
		return err
	}
	s.logger.Info("Connected", "endpoint", endpoint)
	return nil
}

func (s *Session) open(ctx context.Context, attempt uint64, endpoint, password string) error {
	conn, _, err := s.dialer.DialContext(ctx, endpoint, s.header)
	if err != nil {
		s.mu.Lock()
		if s.attempt == attempt {
			s.state = StateDisconnected
			s.abort = nil
		}
		s.mu.Unlock()
		return dialError(ctx, err)
	}
	if s.readLimit > 0 {
		conn.SetReadLimit(s.readLimit)
	}

	l := newLink(conn, endpoint)

	s.mu.Lock()
	if s.attempt != attempt || s.state != StateConnecting {
		s.mu.Unlock()
		conn.Close()
		return newError(KindTransport, "connect aborted", nil)
	}
	s.state = StateAuthenticating
	s.link = l
	s.mu.Unlock()

	if s.pingInterval > 0 {
		pongWait := 2 * s.pingInterval
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	go l.readPump()
	go s.run(l)
	go s.keepalive(l)

	err = s.authenticate(ctx, l, password)
	if err != nil {
		// The loop goroutine still owns l until it has published the
		// disconnect.
		l.local.Store(true)
		l.conn.Close()
		<-l.finished
	}
	return err
}

// authenticate sends the password on l and waits for the outcome of the
// authentication phase.
func (s *Session) authenticate(ctx context.Context, l *link, password string) error {
	payload, err := s.dialect.Encode(Action{Kind: ActionAuthenticate, Password: password})
	if err == nil {
		err = l.write(websocket.TextMessage, payload)
	}
	if err != nil {
		e := newError(KindTransport, "send credential", err)
		if won, res := s.settleAuth(l, e); won {
			l.authed <- res
			return res
		}
		return <-l.authed
	}
	s.metrics.action(ActionAuthenticate)

	select {
	case err := <-l.authed:
		return err
	case <-ctx.Done():
		e := dialError(ctx, ctx.Err())
		if won, res := s.settleAuth(l, e); won {
			l.authed <- res
			return res
		}
		return <-l.authed
	}
}

// dialError classifies a failure to open the transport.
func dialError(ctx context.Context, err error) *Error {
	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return newError(KindConnectionTimeout, "connection timeout", err)
	case errors.Is(ctx.Err(), context.Canceled):
		return newError(KindTransport, "connect aborted", err)
	default:
		return newError(KindTransport, "websocket connect", err)
	}
}

// settleAuth resolves the authentication phase of l exactly once.
// A nil err moves the session to Connected when l is still current.
// The returned error is the final outcome; won is false when the phase
// had already been resolved.
func (s *Session) settleAuth(l *link, err error) (won bool, result error) {
	l.authOnce.Do(func() {
		won = true
		l.settled.Store(true)

		s.mu.Lock()
		defer s.mu.Unlock()

		current := s.link == l
		if err == nil && current && s.state == StateAuthenticating {
			s.state = StateConnected
			s.abort = nil
			s.metrics.setConnected(true)
			return
		}
		if err == nil {
			err = newError(KindTransport, "connect aborted", nil)
		}
		result = err
		if current {
			s.state = StateDisconnected
			s.link = nil
			s.abort = nil
		}
	})
	return won, result
}

// acknowledge ends the authentication phase successfully.
func (s *Session) acknowledge(l *link) {
	won, res := s.settleAuth(l, nil)
	if !won {
		return
	}
	if res == nil {
		s.emit(ConnectEvent{Endpoint: l.endpoint})
		if s.connectedOn(l) {
			s.emit(AuthenticateEvent{Endpoint: l.endpoint})
		} else {
			// A connect handler disconnected the session.
			res = newError(KindTransport, "connect aborted", nil)
		}
	}
	l.authed <- res
}

func (s *Session) connectedOn(l *link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link == l && s.state == StateConnected
}

func (l *link) readPump() {
	defer close(l.frames)
	for {
		mt, data, err := l.conn.ReadMessage()
		if err != nil {
			l.readErr = err
			return
		}
		l.frames <- inboundFrame{messageType: mt, data: data}
	}
}

func (l *link) write(messageType int, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.conn.WriteMessage(messageType, data)
}

// run dispatches everything that happens on l, in order, on one goroutine.
func (s *Session) run(l *link) {
	settle := time.NewTimer(s.settle)
	defer settle.Stop()
	settleC := settle.C

	for {
		select {
		case <-settleC:
			settleC = nil
			l.dispatching.Store(true)
			s.acknowledge(l)
			l.dispatching.Store(false)

		case f, ok := <-l.frames:
			l.dispatching.Store(true)
			if !ok {
				s.finish(l)
				return
			}
			s.metrics.frame(f.messageType)
			d := decodeFrame(f.messageType, f.data, s.strictPreviews, s.logger)

			if !l.settled.Load() {
				if d.serverErr != nil {
					settleC = nil
					won, res := s.settleAuth(l, d.serverErr)
					s.emit(d.event)
					if won {
						s.logger.Warn("Authentication rejected", "error", res)
						l.closeErr = res
						l.authed <- res
						l.local.Store(true)
						l.conn.Close()
					}
					l.dispatching.Store(false)
					continue
				}
				if d.ack {
					settleC = nil
					s.acknowledge(l)
				}
			}
			if d.event != nil {
				s.emit(d.event)
			}
			l.dispatching.Store(false)
		}
	}
}

// finish runs once the transport of l reported closure.
func (s *Session) finish(l *link) {
	defer close(l.finished)
	close(l.done)
	cause := l.readErr

	if won, res := s.settleAuth(l, newError(KindTransport, "connection closed during handshake", cause)); won {
		l.authed <- res
	}

	s.mu.Lock()
	if s.link == l {
		s.link = nil
		s.state = StateDisconnected
		s.abort = nil
		s.metrics.setConnected(false)
	}
	s.mu.Unlock()
	l.conn.Close()

	discErr := l.closeErr
	if discErr == nil && !l.local.Load() && !websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		e := newError(KindTransport, "connection lost", cause)
		s.emit(ErrorEvent{Err: e})
		discErr = e
	}

	s.logger.Info("Disconnected", "endpoint", l.endpoint, "error", discErr)
	s.emit(DisconnectEvent{Err: discErr})
}

func (s *Session) keepalive(l *link) {
	if s.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if err := l.write(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("Ping failed", "error", err)
				return
			}
		}
	}
}

// Disconnect closes the current connection, if any. The disconnect event
// is published by the connection's own goroutine once the transport has
// closed; Disconnect waits for it unless it is called from an event
// handler.
func (s *Session) Disconnect() {
	s.mu.Lock()
	l := s.link
	abort := s.abort
	wasActive := s.state != StateDisconnected
	s.link = nil
	s.abort = nil
	s.state = StateDisconnected
	s.attempt++
	if wasActive {
		s.metrics.setConnected(false)
	}
	s.mu.Unlock()

	if abort != nil {
		abort()
	}
	if l == nil {
		return
	}

	s.logger.Debug("Disconnecting", "endpoint", l.endpoint)
	l.local.Store(true)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := l.write(websocket.CloseMessage, msg); err != nil {
		s.logger.Debug("Close frame not sent", "error", err)
	}
	l.conn.Close()
	if !l.dispatching.Load() {
		<-l.finished
	}
}

// send encodes and writes one action on the live connection.
func (s *Session) send(a Action) error {
	payload, err := s.dialect.Encode(a)
	if err != nil {
		return err
	}

	s.mu.Lock()
	l := s.link
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || l == nil {
		e := newError(KindNotConnected, "not connected: cannot send "+a.Kind.String(), nil)
		s.emit(ErrorEvent{Err: e})
		return e
	}

	if err := l.write(websocket.TextMessage, payload); err != nil {
		e := newError(KindTransport, "send "+a.Kind.String(), err)
		s.emit(ErrorEvent{Err: e})
		return e
	}
	s.metrics.action(a.Kind)
	s.logger.Debug("Sent action", "action", a.Kind.String(), "size", len(payload))
	return nil
}

// RequestModels asks the server for its model list.
func (s *Session) RequestModels() error {
	return s.send(Action{Kind: ActionListModels})
}

// Generate starts a text-to-image generation with params.
func (s *Session) Generate(params Params) error {
	return s.send(Action{Kind: ActionGenerate, Params: params})
}

// GenerateImageToImage starts an image-to-image generation. image is a data
// URL or bare base64 payload.
func (s *Session) GenerateImageToImage(image string, params Params) error {
	if image == "" {
		return newError(KindInvalidArgument, "image is required", nil)
	}
	p := params.Clone()
	p["image"] = image
	return s.send(Action{Kind: ActionGenerate, Params: p})
}

// CancelGeneration asks the server to stop the current generation.
// The server may ignore it.
func (s *Session) CancelGeneration() error {
	return s.send(Action{Kind: ActionCancel})
}

// Download asks the server to fetch a model.
func (s *Session) Download(req DownloadRequest) error {
	if req.URL == "" {
		return newError(KindInvalidArgument, "download URL is required", nil)
	}
	if req.Type == "" {
		req.Type = ModelCheckpoint
	}
	return s.send(Action{Kind: ActionDownload, Download: req})
}
