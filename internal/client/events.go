package client

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

// EventName identifies one of the events a Session publishes.
type EventName string

const (
	EventConnect          EventName = "connect"
	EventDisconnect       EventName = "disconnect"
	EventAuthenticate     EventName = "authenticate"
	EventError            EventName = "error"
	EventModels           EventName = "models"
	EventProgress         EventName = "progress"
	EventPreview          EventName = "preview"
	EventResult           EventName = "result"
	EventDownloadProgress EventName = "download_progress"
	EventDownloadComplete EventName = "download_complete"
)

// Events lists every event name a Session can publish.
var Events = []EventName{
	EventConnect,
	EventDisconnect,
	EventAuthenticate,
	EventError,
	EventModels,
	EventProgress,
	EventPreview,
	EventResult,
	EventDownloadProgress,
	EventDownloadComplete,
}

// Valid reports whether n is one of the published event names.
func (n EventName) Valid() bool {
	for _, e := range Events {
		if e == n {
			return true
		}
	}
	return false
}

// Event is implemented by every event payload.
type Event interface {
	Name() EventName
}

// Handler receives events. Handlers for one connection are never invoked
// concurrently with each other.
type Handler func(Event)

// ConnectEvent fires once the session reaches the connected state.
type ConnectEvent struct {
	Endpoint string
}

// AuthenticateEvent fires right after ConnectEvent, once the credential is
// considered accepted.
type AuthenticateEvent struct {
	Endpoint string
}

// DisconnectEvent fires once when an opened transport closes.
// Err is nil for a normal or caller-initiated closure.
type DisconnectEvent struct {
	Err error
}

// ErrorEvent carries a classified failure.
type ErrorEvent struct {
	Err *Error
}

// ModelsEvent carries the model list reported by the server.
// Raw holds the value exactly as received; Names is filled when the value
// is a list of strings, or with the sorted keys when it is a mapping.
type ModelsEvent struct {
	Names []string
	Raw   json.RawMessage
}

// ProgressEvent carries the generation progress as sent by the server.
// The value is not clamped.
type ProgressEvent struct {
	Value float64
}

// PreviewEvent carries an intermediate image as a data URL.
type PreviewEvent struct {
	Image string
}

// ResultEvent carries a finished generation.
// Image is the payload as sent (usually bare base64); Raw is the whole frame.
type ResultEvent struct {
	Image    string
	Metadata map[string]any
	Raw      json.RawMessage
}

// DownloadProgressEvent reports progress of a server-side model download.
type DownloadProgressEvent struct {
	Progress float64
	Rate     float64
	ETA      float64
	Label    string
}

// DownloadCompleteEvent reports a finished server-side model download.
type DownloadCompleteEvent struct {
	Filename string
}

func (ConnectEvent) Name() EventName          { return EventConnect }
func (AuthenticateEvent) Name() EventName     { return EventAuthenticate }
func (DisconnectEvent) Name() EventName       { return EventDisconnect }
func (ErrorEvent) Name() EventName            { return EventError }
func (ModelsEvent) Name() EventName           { return EventModels }
func (ProgressEvent) Name() EventName         { return EventProgress }
func (PreviewEvent) Name() EventName          { return EventPreview }
func (ResultEvent) Name() EventName           { return EventResult }
func (DownloadProgressEvent) Name() EventName { return EventDownloadProgress }
func (DownloadCompleteEvent) Name() EventName { return EventDownloadComplete }

// DataURL returns the result image as a PNG data URL.
func (e ResultEvent) DataURL() string {
	return DataURL(e.Image)
}

const pngDataURLPrefix = "data:image/png;base64,"

// DataURL normalises an image payload to a data URL. Payloads that already
// are data URLs are returned unchanged; bare base64 is assumed to be PNG.
func DataURL(payload string) string {
	if strings.HasPrefix(payload, "data:") {
		return payload
	}
	return pngDataURLPrefix + payload
}

type registration struct {
	id      uint64
	handler Handler
}

// bus is an ordered, snapshot-on-emit subscriber registry.
type bus struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[EventName][]registration
	logger   *slog.Logger
}

func newBus(logger *slog.Logger) *bus {
	return &bus{
		handlers: make(map[EventName][]registration),
		logger:   logger,
	}
}

// on registers h for name. Unknown names are ignored.
// The returned function removes the registration.
func (b *bus) on(name EventName, h Handler) func() {
	if h == nil || !name.Valid() {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[name] = append(b.handlers[name], registration{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.off(name, id) })
	}
}

func (b *bus) off(name EventName, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.handlers[name]
	kept := make([]registration, 0, len(regs))
	for _, r := range regs {
		if r.id != id {
			kept = append(kept, r)
		}
	}
	b.handlers[name] = kept
}

func (b *bus) count(name EventName) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[name])
}

// emit delivers ev to a snapshot of the current subscribers, in
// registration order.
func (b *bus) emit(ev Event) {
	b.mu.Lock()
	regs := append([]registration(nil), b.handlers[ev.Name()]...)
	b.mu.Unlock()

	for _, r := range regs {
		b.invoke(ev, r.handler)
	}
}

func (b *bus) invoke(ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("Event handler panicked",
				"event", string(ev.Name()),
				"panic", r)
		}
	}()
	h(ev)
}
