// Package mockserver implements a fake image-generation server for tests
// and local development. It speaks both wire dialects understood by the
// client package and answers with canned models, progress, previews and
// results.
package mockserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Config controls the behaviour of a Server.
type Config struct {
	// Password expected in the first frame. Empty accepts any password.
	Password string
	// Typed sends error frames as {"type":"error","data":{"message":...}}
	// before the client's dialect is known.
	Typed bool
	// Hello sends a hello frame as soon as the socket opens, before the
	// password has been read.
	Hello bool
	// Owner follows the hello frame of the first connection with an
	// owner frame.
	Owner bool
	// Silent records frames but never answers.
	Silent bool
	// Models is the list answered to list_models.
	Models []string
	// Steps is the number of progress frames per generation.
	Steps int
	// StepDelay is the pause between progress frames.
	StepDelay time.Duration
	// Preview is sent as a binary frame halfway through a generation.
	// Nil uses DefaultPreview.
	Preview []byte
	Logger  *slog.Logger
}

// Server is an http.Handler that upgrades requests to WebSocket sessions.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	conns    map[*conn]struct{}
	history  []map[string]any
	received chan map[string]any
	nextID   int
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Steps <= 0 {
		cfg.Steps = 3
	}
	if cfg.Preview == nil {
		cfg.Preview = DefaultPreview()
	}
	if cfg.Models == nil {
		cfg.Models = []string{"sd-v1-5.safetensors", "sdxl-base-1.0.safetensors"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:   logger,
		conns:    make(map[*conn]struct{}),
		received: make(chan map[string]any, 256),
	}
}

type conn struct {
	id      int
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc // current generation
}

func (c *conn) send(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(messageType, data)
}

func (c *conn) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.send(websocket.TextMessage, data)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	s.nextID++
	c := &conn{id: s.nextID, ws: ws}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.stopGeneration()
		ws.Close()
	}()

	s.logger.Debug("Client connected", "conn", c.id, "remote", r.RemoteAddr)
	s.serve(c)
}

func (s *Server) serve(c *conn) {
	if s.cfg.Hello && !s.cfg.Silent {
		c.sendJSON(map[string]any{"type": "hello", "data": map[string]any{"id": c.id}})
		if s.cfg.Owner && c.id == 1 {
			c.sendJSON(map[string]any{"type": "owner"})
		}
	}

	authed := false
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			s.logger.Debug("Client gone", "conn", c.id, "error", err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			s.record(map[string]any{"_raw": string(data)})
			if !s.cfg.Silent {
				s.sendError(c, s.cfg.Typed, "invalid JSON")
			}
			continue
		}
		s.record(msg)

		if s.cfg.Silent {
			continue
		}

		if !authed {
			pw, _ := msg["password"].(string)
			if s.cfg.Password != "" && pw != s.cfg.Password {
				s.sendError(c, s.cfg.Typed, "Invalid password")
				c.writeMu.Lock()
				c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid password"),
					time.Now().Add(time.Second))
				c.writeMu.Unlock()
				return
			}
			authed = true
			continue
		}

		s.handle(c, msg)
	}
}

// request is a decoded client action, independent of the dialect.
type request struct {
	kind   string
	typed  bool
	params map[string]any
}

func parseRequest(msg map[string]any) request {
	if a, ok := msg["action"].(string); ok {
		params := make(map[string]any, len(msg))
		for k, v := range msg {
			if k != "action" {
				params[k] = v
			}
		}
		return request{kind: a, params: params}
	}
	t, _ := msg["type"].(string)
	params, _ := msg["data"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	return request{kind: t, typed: true, params: params}
}

func (s *Server) handle(c *conn, msg map[string]any) {
	req := parseRequest(msg)
	s.logger.Debug("Request", "conn", c.id, "kind", req.kind, "typed", req.typed)

	switch req.kind {
	case "list_models":
		if req.typed {
			c.sendJSON(map[string]any{"type": "models", "data": map[string]any{"models": s.cfg.Models}})
		} else {
			c.sendJSON(map[string]any{"type": "models", "models": s.cfg.Models})
		}

	case "generate":
		s.startGeneration(c, req)

	case "cancel":
		if c.stopGeneration() {
			c.sendJSON(map[string]any{"type": "aborted", "data": map[string]any{}})
		}

	case "download":
		go s.download(c, req)

	case "ping":
		c.sendJSON(map[string]any{"type": "pong"})

	default:
		s.sendError(c, req.typed, fmt.Sprintf("unknown request %q", req.kind))
	}
}

func (s *Server) sendError(c *conn, typed bool, message string) {
	if typed {
		c.sendJSON(map[string]any{"type": "error", "data": map[string]any{"message": message}})
		return
	}
	c.sendJSON(map[string]any{"type": "error", "error": message})
}

func (c *conn) stopGeneration() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.cancel()
	c.cancel = nil
	return true
}

func (s *Server) startGeneration(c *conn, req request) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		s.sendError(c, req.typed, "generation already running")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			if ctx.Err() == nil {
				c.cancel = nil
			}
			c.mu.Unlock()
			cancel()
		}()
		s.generate(ctx, c, req)
	}()
}

func (s *Server) generate(ctx context.Context, c *conn, req request) {
	steps := s.cfg.Steps
	for i := 1; i <= steps; i++ {
		if s.cfg.StepDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.StepDelay):
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err := c.sendJSON(map[string]any{"type": "progress", "value": float64(i) / float64(steps)}); err != nil {
			return
		}
		if i == (steps+1)/2 {
			if err := c.send(websocket.BinaryMessage, s.cfg.Preview); err != nil {
				return
			}
		}
	}
	if ctx.Err() != nil {
		return
	}

	metadata := make(map[string]any, len(req.params))
	for k, v := range req.params {
		if k != "image" {
			metadata[k] = v
		}
	}
	metadata["mode"] = "txt2img"
	if _, ok := req.params["image"]; ok {
		metadata["mode"] = "img2img"
	}

	c.sendJSON(map[string]any{
		"type":     "result",
		"image":    base64.StdEncoding.EncodeToString(s.cfg.Preview),
		"metadata": metadata,
	})
}

func (s *Server) download(c *conn, req request) {
	url, _ := req.params["url"].(string)
	if url == "" {
		c.sendJSON(map[string]any{"type": "download", "data": map[string]any{
			"status": "error", "message": "No URL provided",
		}})
		return
	}
	label := path.Base(strings.TrimRight(url, "/"))
	if i := strings.IndexByte(label, '?'); i >= 0 {
		label = label[:i]
	}

	frames := []map[string]any{
		{"status": "started", "label": label},
		{"status": "progress", "progress": 0.5, "rate": 12.5, "eta": 1},
		{"status": "success", "label": label},
	}
	for _, f := range frames {
		if s.cfg.StepDelay > 0 {
			time.Sleep(s.cfg.StepDelay)
		}
		if err := c.sendJSON(map[string]any{"type": "download", "data": f}); err != nil {
			return
		}
	}
}

func (s *Server) record(msg map[string]any) {
	s.mu.Lock()
	s.history = append(s.history, msg)
	s.mu.Unlock()
	select {
	case s.received <- msg:
	default:
	}
}

// Received returns every text frame received so far, in arrival order.
func (s *Server) Received() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.history))
	copy(out, s.history)
	return out
}

// Next waits for the next text frame received from any client.
func (s *Server) Next(ctx context.Context) (map[string]any, error) {
	select {
	case msg := <-s.received:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) snapshot() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Broadcast writes a raw frame to every connected client.
func (s *Server) Broadcast(messageType int, data []byte) {
	for _, c := range s.snapshot() {
		if err := c.send(messageType, data); err != nil {
			s.logger.Debug("Broadcast failed", "conn", c.id, "error", err)
		}
	}
}

// BroadcastJSON marshals v and broadcasts it as a text frame.
func (s *Server) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.Broadcast(websocket.TextMessage, data)
	return nil
}

// CloseAll drops every connection without a close handshake.
func (s *Server) CloseAll() {
	for _, c := range s.snapshot() {
		c.ws.Close()
	}
}

// DefaultPreview returns a small PNG image.
func DefaultPreview() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 32), G: uint8(y * 32), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
