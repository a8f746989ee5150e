package client_test

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/inercia/sdlink/internal/client"
	"github.com/inercia/sdlink/internal/mockserver"
)

const testPassword = "hunter2"

// recorder collects every event published by a session.
type recorder struct {
	mu     sync.Mutex
	events []client.Event
}

func record(s *client.Session) *recorder {
	r := &recorder{}
	for _, name := range client.Events {
		s.On(name, func(ev client.Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) count(name client.EventName) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Name() == name {
			n++
		}
	}
	return n
}

func (r *recorder) names() []client.EventName {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]client.EventName, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name()
	}
	return out
}

func (r *recorder) errors() []*client.Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*client.Error
	for _, ev := range r.events {
		if e, ok := ev.(client.ErrorEvent); ok {
			out = append(out, e.Err)
		}
	}
	return out
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startServer(t *testing.T, cfg mockserver.Config) (*mockserver.Server, string) {
	t.Helper()
	if cfg.Password == "" {
		cfg.Password = testPassword
	}
	ms := mockserver.New(cfg)
	srv := httptest.NewServer(ms)
	t.Cleanup(srv.Close)
	return ms, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newSession(opts ...client.Option) *client.Session {
	base := []client.Option{
		client.WithSettlePeriod(50 * time.Millisecond),
		client.WithConnectTimeout(2 * time.Second),
		client.WithPingInterval(0),
	}
	return client.New(append(base, opts...)...)
}

func connect(t *testing.T, s *client.Session, url string) {
	t.Helper()
	if err := s.Connect(context.Background(), url, testPassword); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(s.Disconnect)
}

func TestConnect_ModelsScenario(t *testing.T) {
	ms, url := startServer(t, mockserver.Config{Models: []string{"a", "b"}})
	s := newSession()
	rec := record(s)

	var mu sync.Mutex
	var got [][]string
	s.On(client.EventModels, func(ev client.Event) {
		mu.Lock()
		got = append(got, ev.(client.ModelsEvent).Names)
		mu.Unlock()
	})

	connect(t, s, url)
	if s.State() != client.StateConnected {
		t.Fatalf("State() = %v, want connected", s.State())
	}
	if names := rec.names(); len(names) < 2 || names[0] != client.EventConnect || names[1] != client.EventAuthenticate {
		t.Fatalf("first events = %v, want connect then authenticate", names)
	}

	if err := s.RequestModels(); err != nil {
		t.Fatalf("RequestModels failed: %v", err)
	}
	waitUntil(t, "models event", func() bool { return rec.count(client.EventModels) > 0 })
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("models events = %d, want exactly 1", len(got))
	}
	if len(got[0]) != 2 || got[0][0] != "a" || got[0][1] != "b" {
		t.Errorf("models = %v, want [a b]", got[0])
	}

	frames := ms.Received()
	if len(frames) != 2 {
		t.Fatalf("server received %d frames, want 2", len(frames))
	}
	if frames[0]["password"] != testPassword || len(frames[0]) != 1 {
		t.Errorf("first frame = %v, want only the password", frames[0])
	}
	if frames[1]["action"] != "list_models" {
		t.Errorf("second frame = %v, want list_models action", frames[1])
	}
	if rec.count(client.EventConnect) != 1 || rec.count(client.EventAuthenticate) != 1 {
		t.Errorf("connect=%d authenticate=%d, want 1 each",
			rec.count(client.EventConnect), rec.count(client.EventAuthenticate))
	}
}

func TestConnect_Twice(t *testing.T) {
	ms, url := startServer(t, mockserver.Config{})
	s := newSession()
	connect(t, s, url)

	err := s.Connect(context.Background(), url, testPassword)
	if !errors.Is(err, client.ErrAlreadyConnected) {
		t.Fatalf("second Connect err = %v, want already connected", err)
	}
	if s.State() != client.StateConnected {
		t.Errorf("State() = %v, want connected", s.State())
	}
	if ms.Connections() != 1 {
		t.Errorf("server connections = %d, want 1", ms.Connections())
	}
	if err := s.RequestModels(); err != nil {
		t.Errorf("first connection should still work: %v", err)
	}
}

func TestConnect_WhileAuthenticating(t *testing.T) {
	_, url := startServer(t, mockserver.Config{Silent: true})
	s := client.New(client.WithSettlePeriod(300*time.Millisecond), client.WithPingInterval(0))
	t.Cleanup(s.Disconnect)

	first := make(chan error, 1)
	go func() { first <- s.Connect(context.Background(), url, testPassword) }()

	waitUntil(t, "authenticating", func() bool { return s.State() == client.StateAuthenticating })
	if err := s.Connect(context.Background(), url, testPassword); !errors.Is(err, client.ErrAlreadyConnected) {
		t.Fatalf("concurrent Connect err = %v, want already connected", err)
	}
	if err := <-first; err != nil {
		t.Fatalf("first Connect failed: %v", err)
	}
	if s.State() != client.StateConnected {
		t.Errorf("State() = %v, want connected", s.State())
	}
}

func TestConnect_InvalidArguments(t *testing.T) {
	s := newSession()
	tests := []struct {
		endpoint, password string
	}{
		{"", "pw"},
		{"http://example.org", "pw"},
		{"ws://", "pw"},
		{"ws://example.org", ""},
	}
	for _, tt := range tests {
		err := s.Connect(context.Background(), tt.endpoint, tt.password)
		if !errors.Is(err, client.ErrInvalidArgument) {
			t.Errorf("Connect(%q, %q) err = %v, want invalid argument", tt.endpoint, tt.password, err)
		}
		if s.State() != client.StateDisconnected {
			t.Errorf("State() = %v after invalid Connect", s.State())
		}
	}
}

func TestConnect_WrongPassword(t *testing.T) {
	_, url := startServer(t, mockserver.Config{Typed: true})
	s := client.New(client.WithSettlePeriod(2*time.Second), client.WithPingInterval(0))
	rec := record(s)

	err := s.Connect(context.Background(), url, "wrong")
	if !errors.Is(err, client.ErrServerError) {
		t.Fatalf("Connect err = %v, want server error", err)
	}
	if !strings.Contains(err.Error(), "Invalid password") {
		t.Errorf("err = %q, want the server message", err.Error())
	}
	if s.State() != client.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}

	waitUntil(t, "disconnect", func() bool { return rec.count(client.EventDisconnect) == 1 })
	time.Sleep(50 * time.Millisecond)
	if rec.count(client.EventConnect) != 0 || rec.count(client.EventAuthenticate) != 0 {
		t.Errorf("events = %v, want no connect", rec.names())
	}
	if rec.count(client.EventDisconnect) != 1 {
		t.Errorf("disconnect events = %d, want 1", rec.count(client.EventDisconnect))
	}
}

func TestConnect_Timeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	var held []net.Conn
	var mu sync.Mutex
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, c)
			mu.Unlock()
		}
	}()
	defer func() {
		mu.Lock()
		for _, c := range held {
			c.Close()
		}
		mu.Unlock()
	}()

	s := client.New(client.WithConnectTimeout(200*time.Millisecond), client.WithPingInterval(0))
	rec := record(s)

	start := time.Now()
	err = s.Connect(context.Background(), "ws://"+ln.Addr().String()+"/ws", testPassword)
	if !errors.Is(err, client.ErrConnectionTimeout) {
		t.Fatalf("Connect err = %v, want connection timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Connect took %v", elapsed)
	}
	if s.State() != client.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}
	if rec.count(client.EventConnect) != 0 {
		t.Error("connect event fired on timeout")
	}
}

func TestConnect_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	s := newSession()
	err = s.Connect(context.Background(), "ws://"+addr, testPassword)
	if !errors.Is(err, client.ErrTransport) {
		t.Fatalf("Connect err = %v, want transport error", err)
	}
	if s.State() != client.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}
}

func TestConnect_ContextCancelled(t *testing.T) {
	_, url := startServer(t, mockserver.Config{Silent: true})
	s := client.New(client.WithSettlePeriod(5*time.Second), client.WithPingInterval(0))
	rec := record(s)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	err := s.Connect(ctx, url, testPassword)
	if !errors.Is(err, client.ErrTransport) {
		t.Fatalf("Connect err = %v, want transport error", err)
	}
	if s.State() != client.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}
	waitUntil(t, "disconnect", func() bool { return rec.count(client.EventDisconnect) == 1 })
	if rec.count(client.EventConnect) != 0 {
		t.Error("connect event fired for a cancelled attempt")
	}
}

func TestConnect_WrongPasswordAfterGreeting(t *testing.T) {
	_, url := startServer(t, mockserver.Config{Typed: true, Hello: true, Owner: true})
	s := client.New(client.WithSettlePeriod(2*time.Second), client.WithPingInterval(0))
	rec := record(s)

	err := s.Connect(context.Background(), url, "wrong")
	if !errors.Is(err, client.ErrServerError) {
		t.Fatalf("Connect err = %v, want server error", err)
	}
	if s.State() != client.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}
	waitUntil(t, "disconnect", func() bool { return rec.count(client.EventDisconnect) == 1 })
	if n := rec.count(client.EventConnect); n != 0 {
		t.Errorf("connect events = %d, want 0", n)
	}
}

func TestConnect_GreetingWaitsForSettle(t *testing.T) {
	_, url := startServer(t, mockserver.Config{Hello: true, Owner: true})
	const settle = 200 * time.Millisecond
	s := client.New(client.WithSettlePeriod(settle), client.WithPingInterval(0))
	t.Cleanup(s.Disconnect)

	start := time.Now()
	if err := s.Connect(context.Background(), url, testPassword); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < settle-20*time.Millisecond {
		t.Errorf("Connect returned after %v; hello must not end the settle period", elapsed)
	}
	if s.State() != client.StateConnected {
		t.Errorf("State() = %v, want connected", s.State())
	}
}

func TestActions_NotConnected(t *testing.T) {
	s := newSession()
	rec := record(s)

	actions := map[string]func() error{
		"RequestModels":        s.RequestModels,
		"Generate":             func() error { return s.Generate(client.Params{"prompt": "x"}) },
		"GenerateImageToImage": func() error { return s.GenerateImageToImage("QUJD", nil) },
		"CancelGeneration":     s.CancelGeneration,
		"Download":             func() error { return s.Download(client.DownloadRequest{URL: "https://x"}) },
	}
	for name, fn := range actions {
		if err := fn(); !errors.Is(err, client.ErrNotConnected) {
			t.Errorf("%s err = %v, want not connected", name, err)
		}
	}

	errs := rec.errors()
	if len(errs) != len(actions) {
		t.Fatalf("error events = %d, want %d", len(errs), len(actions))
	}
	for _, e := range errs {
		if e.Kind != client.KindNotConnected {
			t.Errorf("error kind = %v, want not connected", e.Kind)
		}
	}
}

func TestActions_NoWriteWhileAuthenticating(t *testing.T) {
	ms, url := startServer(t, mockserver.Config{Silent: true})
	s := client.New(client.WithSettlePeriod(300*time.Millisecond), client.WithPingInterval(0))
	t.Cleanup(s.Disconnect)

	done := make(chan error, 1)
	go func() { done <- s.Connect(context.Background(), url, testPassword) }()
	waitUntil(t, "authenticating", func() bool { return s.State() == client.StateAuthenticating })

	if err := s.RequestModels(); !errors.Is(err, client.ErrNotConnected) {
		t.Errorf("RequestModels err = %v, want not connected", err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	for _, f := range ms.Received() {
		if _, ok := f["action"]; ok {
			t.Errorf("server received %v while authenticating", f)
		}
	}
}

func TestInbound_MalformedFrame(t *testing.T) {
	ms, url := startServer(t, mockserver.Config{})
	s := newSession()
	rec := record(s)
	connect(t, s, url)

	ms.Broadcast(websocket.TextMessage, []byte("{not json"))
	waitUntil(t, "error event", func() bool { return len(rec.errors()) > 0 })
	time.Sleep(50 * time.Millisecond)

	errs := rec.errors()
	if len(errs) != 1 || errs[0].Kind != client.KindMalformedMessage {
		t.Fatalf("errors = %v, want one malformed message", errs)
	}
	if s.State() != client.StateConnected {
		t.Errorf("State() = %v, want connected", s.State())
	}
}

func TestInbound_BinaryPreview(t *testing.T) {
	ms, url := startServer(t, mockserver.Config{})
	s := newSession(client.WithStrictPreviews(true))

	previews := make(chan string, 1)
	s.On(client.EventPreview, func(ev client.Event) { previews <- ev.(client.PreviewEvent).Image })
	connect(t, s, url)

	ms.Broadcast(websocket.BinaryMessage, mockserver.DefaultPreview())
	select {
	case img := <-previews:
		if !strings.HasPrefix(img, "data:image/png;base64,iVBOR") {
			t.Errorf("preview = %.40q, want a PNG data URL", img)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no preview event")
	}
}

func TestInbound_OrderPreserved(t *testing.T) {
	ms, url := startServer(t, mockserver.Config{})
	s := newSession()

	var mu sync.Mutex
	var values []float64
	s.On(client.EventProgress, func(ev client.Event) {
		mu.Lock()
		values = append(values, ev.(client.ProgressEvent).Value)
		mu.Unlock()
	})
	connect(t, s, url)

	for i := 0; i < 20; i++ {
		ms.BroadcastJSON(map[string]any{"type": "progress", "value": float64(i)})
	}
	waitUntil(t, "progress events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(values) == 20
	})
	for i, v := range values {
		if v != float64(i) {
			t.Fatalf("values = %v, want ascending", values)
		}
	}
}

func TestDisconnect_FiresOnce(t *testing.T) {
	_, url := startServer(t, mockserver.Config{})
	s := newSession()
	rec := record(s)
	connect(t, s, url)

	s.Disconnect()
	s.Disconnect()
	if s.State() != client.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}

	waitUntil(t, "disconnect", func() bool { return rec.count(client.EventDisconnect) == 1 })
	time.Sleep(50 * time.Millisecond)
	if rec.count(client.EventDisconnect) != 1 {
		t.Errorf("disconnect events = %d, want 1", rec.count(client.EventDisconnect))
	}
	if len(rec.errors()) != 0 {
		t.Errorf("errors = %v, want none for a local close", rec.errors())
	}

	if err := s.RequestModels(); !errors.Is(err, client.ErrNotConnected) {
		t.Errorf("RequestModels after Disconnect err = %v", err)
	}
}

func TestDisconnect_WhenNeverConnected(t *testing.T) {
	s := newSession()
	rec := record(s)
	s.Disconnect()
	if rec.count(client.EventDisconnect) != 0 {
		t.Error("Disconnect without a transport should not publish anything")
	}
}

func TestDisconnect_FromHandler(t *testing.T) {
	ms, url := startServer(t, mockserver.Config{})
	s := newSession()
	rec := record(s)

	s.On(client.EventProgress, func(client.Event) { s.Disconnect() })
	connect(t, s, url)

	ms.BroadcastJSON(map[string]any{"type": "progress", "value": 0.1})
	waitUntil(t, "disconnect", func() bool { return rec.count(client.EventDisconnect) == 1 })
	if s.State() != client.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}
}

func TestDisconnect_WaitsForDisconnectEvent(t *testing.T) {
	_, url := startServer(t, mockserver.Config{})
	s := newSession()
	rec := record(s)
	connect(t, s, url)

	s.Disconnect()
	if n := rec.count(client.EventDisconnect); n != 1 {
		t.Errorf("disconnect events when Disconnect returned = %d, want 1", n)
	}
}

func TestConnect_FailureWaitsForDisconnectEvent(t *testing.T) {
	_, url := startServer(t, mockserver.Config{})
	s := newSession()
	rec := record(s)

	if err := s.Connect(context.Background(), url, "wrong"); err == nil {
		t.Fatal("Connect succeeded with a wrong password")
	}
	if n := rec.count(client.EventDisconnect); n != 1 {
		t.Errorf("disconnect events when Connect returned = %d, want 1", n)
	}
}

func TestConnect_DisconnectFromConnectHandler(t *testing.T) {
	_, url := startServer(t, mockserver.Config{})
	s := newSession()
	rec := record(s)
	s.On(client.EventConnect, func(client.Event) { s.Disconnect() })

	err := s.Connect(context.Background(), url, testPassword)
	if !errors.Is(err, client.ErrTransport) {
		t.Fatalf("Connect err = %v, want transport error", err)
	}
	if s.State() != client.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}
	if n := rec.count(client.EventAuthenticate); n != 0 {
		t.Errorf("authenticate events = %d, want 0", n)
	}
	if n := rec.count(client.EventDisconnect); n != 1 {
		t.Errorf("disconnect events = %d, want 1", n)
	}
}

func TestReconnectAfterDisconnect(t *testing.T) {
	ms, url := startServer(t, mockserver.Config{})
	s := newSession()
	rec := record(s)
	connect(t, s, url)

	s.Disconnect()
	waitUntil(t, "disconnect", func() bool { return rec.count(client.EventDisconnect) == 1 })
	waitUntil(t, "server to drop the connection", func() bool { return ms.Connections() == 0 })

	connect(t, s, url)
	if rec.count(client.EventConnect) != 2 {
		t.Errorf("connect events = %d, want 2", rec.count(client.EventConnect))
	}
	if err := s.RequestModels(); err != nil {
		t.Errorf("RequestModels on second connection: %v", err)
	}
}

func TestTransportLoss(t *testing.T) {
	ms, url := startServer(t, mockserver.Config{})
	s := newSession()
	rec := record(s)

	var discErr error
	discs := make(chan struct{}, 1)
	s.On(client.EventDisconnect, func(ev client.Event) {
		discErr = ev.(client.DisconnectEvent).Err
		discs <- struct{}{}
	})
	connect(t, s, url)

	ms.CloseAll()
	select {
	case <-discs:
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect event")
	}

	if !errors.Is(discErr, client.ErrTransport) {
		t.Errorf("disconnect err = %v, want transport error", discErr)
	}
	errs := rec.errors()
	if len(errs) != 1 || errs[0].Kind != client.KindTransport {
		t.Errorf("errors = %v, want one transport error", errs)
	}
	if s.State() != client.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}
}

func TestServerErrorWhileConnected(t *testing.T) {
	ms, url := startServer(t, mockserver.Config{})
	s := newSession()
	rec := record(s)
	connect(t, s, url)

	ms.BroadcastJSON(map[string]any{"type": "error", "error": "out of memory"})
	waitUntil(t, "error event", func() bool { return len(rec.errors()) == 1 })

	e := rec.errors()[0]
	if e.Kind != client.KindServerError || e.Message != "out of memory" {
		t.Errorf("error = %v/%q", e.Kind, e.Message)
	}
	if s.State() != client.StateConnected {
		t.Errorf("State() = %v, want connected", s.State())
	}
}

func TestGenerateAndWait(t *testing.T) {
	dialects := []client.Dialect{client.DialectAction, client.DialectTyped}
	for _, d := range dialects {
		t.Run(d.String(), func(t *testing.T) {
			ms, url := startServer(t, mockserver.Config{Steps: 4})
			s := newSession(client.WithDialect(d))
			rec := record(s)
			connect(t, s, url)

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			res, err := s.GenerateAndWait(ctx, client.Params{"prompt": "lighthouse", "steps": 4}, "")
			if err != nil {
				t.Fatalf("GenerateAndWait failed: %v", err)
			}
			if res.Metadata["prompt"] != "lighthouse" {
				t.Errorf("metadata = %v", res.Metadata)
			}
			if !strings.HasPrefix(res.DataURL(), "data:image/png;base64,iVBOR") {
				t.Errorf("result image = %.40q", res.DataURL())
			}
			if rec.count(client.EventProgress) != 4 {
				t.Errorf("progress events = %d, want 4", rec.count(client.EventProgress))
			}
			if rec.count(client.EventPreview) != 1 {
				t.Errorf("preview events = %d, want 1", rec.count(client.EventPreview))
			}

			frames := ms.Received()
			last := frames[len(frames)-1]
			switch d {
			case client.DialectAction:
				if last["action"] != "generate" || last["prompt"] != "lighthouse" {
					t.Errorf("generate frame = %v", last)
				}
			case client.DialectTyped:
				data, _ := last["data"].(map[string]any)
				if last["type"] != "generate" || data["prompt"] != "lighthouse" {
					t.Errorf("generate frame = %v", last)
				}
			}
		})
	}
}

func TestGenerateImageToImage(t *testing.T) {
	ms, url := startServer(t, mockserver.Config{Steps: 1})
	s := newSession()
	connect(t, s, url)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	params := client.Params{"prompt": "sketch", "denoise": 0.6}
	res, err := s.GenerateAndWait(ctx, params, "data:image/png;base64,QUJD")
	if err != nil {
		t.Fatalf("GenerateAndWait failed: %v", err)
	}
	if res.Metadata["mode"] != "img2img" {
		t.Errorf("mode = %v, want img2img", res.Metadata["mode"])
	}
	if _, ok := params["image"]; ok {
		t.Error("caller's params were modified")
	}

	frames := ms.Received()
	if img := frames[len(frames)-1]["image"]; img != "data:image/png;base64,QUJD" {
		t.Errorf("image field = %v", img)
	}

	if err := s.GenerateImageToImage("", nil); !errors.Is(err, client.ErrInvalidArgument) {
		t.Errorf("empty image err = %v, want invalid argument", err)
	}
}

func TestCancelGeneration(t *testing.T) {
	ms, url := startServer(t, mockserver.Config{Steps: 100, StepDelay: 20 * time.Millisecond})
	s := newSession(client.WithDialect(client.DialectTyped))
	rec := record(s)
	connect(t, s, url)

	if err := s.Generate(client.Params{"prompt": "x"}); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "progress", func() bool { return rec.count(client.EventProgress) > 0 })

	if err := s.CancelGeneration(); err != nil {
		t.Fatalf("CancelGeneration failed: %v", err)
	}
	frames := ms.Received()
	waitUntil(t, "cancel frame", func() bool {
		frames = ms.Received()
		return frames[len(frames)-1]["type"] == "cancel"
	})
	time.Sleep(100 * time.Millisecond)
	if rec.count(client.EventResult) != 0 {
		t.Error("result arrived after cancel")
	}
	if s.State() != client.StateConnected {
		t.Errorf("State() = %v, want connected", s.State())
	}
}

func TestDownloadAndWait(t *testing.T) {
	ms, url := startServer(t, mockserver.Config{})
	s := newSession(client.WithDialect(client.DialectTyped))
	rec := record(s)
	connect(t, s, url)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done, err := s.DownloadAndWait(ctx, client.DownloadRequest{
		Type:         client.ModelLoRA,
		URL:          "https://civitai.example/api/download/models/detail.safetensors",
		CivitaiToken: "ct",
	})
	if err != nil {
		t.Fatalf("DownloadAndWait failed: %v", err)
	}
	if done.Filename != "detail.safetensors" {
		t.Errorf("Filename = %q", done.Filename)
	}
	if rec.count(client.EventDownloadProgress) != 1 {
		t.Errorf("download progress events = %d, want 1", rec.count(client.EventDownloadProgress))
	}

	frames := ms.Received()
	data, _ := frames[len(frames)-1]["data"].(map[string]any)
	if data["type"] != "lora" || data["civitai_token"] != "ct" || data["hf_token"] != "" {
		t.Errorf("download frame = %v", frames[len(frames)-1])
	}
}

func TestDownloadAndWait_ServerError(t *testing.T) {
	ms, url := startServer(t, mockserver.Config{Silent: true})
	s := newSession()
	connect(t, s, url)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go func() {
		for {
			msg, err := ms.Next(ctx)
			if err != nil {
				return
			}
			if msg["action"] == "download" {
				ms.BroadcastJSON(map[string]any{"type": "download", "data": map[string]any{
					"status": "error", "message": "401 Unauthorized",
				}})
				return
			}
		}
	}()

	_, err := s.DownloadAndWait(ctx, client.DownloadRequest{URL: "https://huggingface.example/model.bin"})
	if !errors.Is(err, client.ErrServerError) {
		t.Fatalf("err = %v, want server error", err)
	}
	if !strings.Contains(err.Error(), "401 Unauthorized") {
		t.Errorf("err = %q, want the server message", err.Error())
	}
}

func TestListModels(t *testing.T) {
	_, url := startServer(t, mockserver.Config{Models: []string{"one"}})
	s := newSession(client.WithDialect(client.DialectTyped))
	connect(t, s, url)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	names, err := s.ListModels(ctx)
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(names) != 1 || names[0] != "one" {
		t.Errorf("names = %v", names)
	}
}

func TestHandlerPanicDoesNotBreakSession(t *testing.T) {
	ms, url := startServer(t, mockserver.Config{})
	s := newSession()

	got := make(chan float64, 1)
	s.On(client.EventProgress, func(client.Event) { panic("handler bug") })
	s.On(client.EventProgress, func(ev client.Event) { got <- ev.(client.ProgressEvent).Value })
	connect(t, s, url)

	ms.BroadcastJSON(map[string]any{"type": "progress", "value": 0.3})
	select {
	case v := <-got:
		if v != 0.3 {
			t.Errorf("value = %v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second handler never ran")
	}
	if s.State() != client.StateConnected {
		t.Errorf("State() = %v, want connected", s.State())
	}
}

func TestKeepalive(t *testing.T) {
	_, url := startServer(t, mockserver.Config{})
	s := client.New(
		client.WithSettlePeriod(20*time.Millisecond),
		client.WithPingInterval(100*time.Millisecond),
	)
	rec := record(s)
	connect(t, s, url)

	time.Sleep(350 * time.Millisecond)
	if s.State() != client.StateConnected {
		t.Errorf("State() = %v, want connected with pings running", s.State())
	}
	if n := len(rec.errors()); n != 0 {
		t.Errorf("errors = %v", rec.errors())
	}
}

func TestMetrics(t *testing.T) {
	ms, url := startServer(t, mockserver.Config{})
	reg := prometheus.NewRegistry()
	m := client.NewMetrics(reg)
	s := newSession(client.WithMetrics(m))
	connect(t, s, url)

	if v := testutil.ToFloat64(m.Connected); v != 1 {
		t.Errorf("connected gauge = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("ok")); v != 1 {
		t.Errorf("ok connect attempts = %v, want 1", v)
	}

	if err := s.RequestModels(); err != nil {
		t.Fatal(err)
	}
	ms.Broadcast(websocket.BinaryMessage, mockserver.DefaultPreview())
	waitUntil(t, "frames", func() bool {
		return testutil.ToFloat64(m.FramesReceived.WithLabelValues("text")) >= 1 &&
			testutil.ToFloat64(m.FramesReceived.WithLabelValues("binary")) >= 1
	})
	if v := testutil.ToFloat64(m.ActionsSent.WithLabelValues("list_models")); v != 1 {
		t.Errorf("list_models actions = %v, want 1", v)
	}

	s.Disconnect()
	if v := testutil.ToFloat64(m.Connected); v != 0 {
		t.Errorf("connected gauge = %v after Disconnect, want 0", v)
	}
}

func TestSessionIDs(t *testing.T) {
	a, b := client.New(), client.New()
	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("IDs %q and %q should be distinct and non-empty", a.ID(), b.ID())
	}
	if a.Dialect() != client.DialectAction {
		t.Errorf("default dialect = %v", a.Dialect())
	}
}

func TestErrorKinds(t *testing.T) {
	err := &client.Error{Kind: client.KindTransport, Message: "boom", Err: errors.New("cause")}
	if !errors.Is(err, client.ErrTransport) {
		t.Error("errors.Is should match by kind")
	}
	if errors.Is(err, client.ErrServerError) {
		t.Error("errors.Is matched the wrong kind")
	}
	if client.KindOf(err) != client.KindTransport {
		t.Errorf("KindOf = %v", client.KindOf(err))
	}
	if client.KindOf(errors.New("x")) != "" {
		t.Error("KindOf plain error should be empty")
	}
	if err.Error() != "boom: cause" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state client.State
		want  string
	}{
		{client.StateDisconnected, "disconnected"},
		{client.StateConnecting, "connecting"},
		{client.StateAuthenticating, "authenticating"},
		{client.StateConnected, "connected"},
		{client.State(42), "disconnected"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}
