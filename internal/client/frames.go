package client

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gorilla/websocket"
)

// decoded is the outcome of processing one inbound frame.
type decoded struct {
	// event to publish, if any.
	event Event
	// ack is set for frames that count as an authentication acknowledgement.
	ack bool
	// serverErr is set when the server reported an application error.
	serverErr *Error
}

// frame is a parsed text frame. Fields are looked up at the top level
// first and then inside "data", so both wire dialects decode the same way.
type frame struct {
	raw  json.RawMessage
	top  map[string]json.RawMessage
	data map[string]json.RawMessage
}

func (f frame) field(name string) (json.RawMessage, bool) {
	if v, ok := f.top[name]; ok && !isNull(v) {
		return v, true
	}
	if v, ok := f.data[name]; ok && !isNull(v) {
		return v, true
	}
	return nil, false
}

func (f frame) str(name string) string {
	v, ok := f.field(name)
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(v, &s) != nil {
		return ""
	}
	return s
}

func (f frame) num(name string) float64 {
	v, ok := f.field(name)
	if !ok {
		return 0
	}
	var n float64
	if json.Unmarshal(v, &n) != nil {
		return 0
	}
	return n
}

func isNull(v json.RawMessage) bool {
	return len(bytes.TrimSpace(v)) == 0 || string(bytes.TrimSpace(v)) == "null"
}

// decodeFrame classifies one frame. It never fails; problems are reported
// as ErrorEvents.
func decodeFrame(messageType int, payload []byte, strict bool, logger *slog.Logger) decoded {
	if messageType == websocket.BinaryMessage {
		return decodeBinary(payload, strict)
	}
	return decodeText(payload, logger)
}

func decodeBinary(payload []byte, strict bool) decoded {
	if len(payload) == 0 {
		return decoded{event: ErrorEvent{Err: newError(KindDecodeFailure, "empty binary frame", nil)}}
	}
	if strict {
		mt := mimetype.Detect(payload)
		if !strings.HasPrefix(mt.String(), "image/") {
			return decoded{event: ErrorEvent{Err: newError(KindDecodeFailure, "binary frame is not an image ("+mt.String()+")", nil)}}
		}
	}
	return decoded{
		event: PreviewEvent{Image: pngDataURLPrefix + base64.StdEncoding.EncodeToString(payload)},
		ack:   true,
	}
}

func decodeText(payload []byte, logger *slog.Logger) decoded {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil || top == nil {
		if err == nil {
			err = errNotObject
		}
		return decoded{event: ErrorEvent{Err: newError(KindMalformedMessage, "invalid JSON frame", err)}}
	}

	f := frame{raw: json.RawMessage(payload), top: top}
	if d, ok := top["data"]; ok {
		// Non-object data (e.g. a string) is ignored here.
		_ = json.Unmarshal(d, &f.data)
	}

	var typ string
	if t, ok := top["type"]; ok {
		_ = json.Unmarshal(t, &typ)
	}

	switch typ {
	case "models":
		return decoded{event: decodeModels(f), ack: true}

	case "progress":
		return decoded{event: ProgressEvent{Value: f.num("value")}, ack: true}

	case "preview":
		return decoded{event: PreviewEvent{Image: DataURL(f.str("image"))}, ack: true}

	case "result":
		ev := ResultEvent{Image: f.str("image"), Raw: f.raw}
		if v, ok := f.field("metadata"); ok {
			_ = json.Unmarshal(v, &ev.Metadata)
		}
		return decoded{event: ev, ack: true}

	case "error":
		e := newError(KindServerError, serverMessage(f), nil)
		return decoded{event: ErrorEvent{Err: e}, serverErr: e}

	case "download":
		return decodeDownload(f, logger)

	case "hello", "owner":
		// Sent as soon as the socket opens, before the password is read.
		logger.Debug("Control frame", "type", typ)
		return decoded{}

	case "ack", "pong", "aborted":
		logger.Debug("Control frame", "type", typ)
		return decoded{ack: true}

	case "":
		if _, ok := top["models"]; ok {
			return decoded{event: decodeModels(f), ack: true}
		}
	}

	logger.Debug("Unknown frame", "type", typ, "size", len(payload))
	return decoded{ack: true}
}

// decodeModels accepts a list of names or a mapping keyed by name.
func decodeModels(f frame) ModelsEvent {
	raw, ok := f.field("models")
	if !ok {
		return ModelsEvent{Names: []string{}, Raw: json.RawMessage("[]")}
	}

	ev := ModelsEvent{Names: []string{}, Raw: raw}

	var list []any
	if json.Unmarshal(raw, &list) == nil {
		for _, item := range list {
			switch v := item.(type) {
			case string:
				ev.Names = append(ev.Names, v)
			case map[string]any:
				if name, ok := v["name"].(string); ok {
					ev.Names = append(ev.Names, name)
				}
			}
		}
		return ev
	}

	var byName map[string]json.RawMessage
	if json.Unmarshal(raw, &byName) == nil {
		for name := range byName {
			ev.Names = append(ev.Names, name)
		}
		slices.Sort(ev.Names)
	}
	return ev
}

func decodeDownload(f frame, logger *slog.Logger) decoded {
	status := ""
	if v, ok := f.data["status"]; ok {
		_ = json.Unmarshal(v, &status)
	}
	label := ""
	if v, ok := f.data["label"]; ok {
		_ = json.Unmarshal(v, &label)
	}

	switch status {
	case "progress":
		d := frame{data: f.data}
		return decoded{event: DownloadProgressEvent{
			Progress: d.num("progress"),
			Rate:     d.num("rate"),
			ETA:      d.num("eta"),
			Label:    label,
		}, ack: true}

	case "success":
		return decoded{event: DownloadCompleteEvent{Filename: label}, ack: true}

	case "error":
		msg := "download failed"
		if v, ok := f.data["message"]; ok {
			var s string
			if json.Unmarshal(v, &s) == nil && s != "" {
				msg = s
			}
		}
		e := newError(KindServerError, msg, nil)
		return decoded{event: ErrorEvent{Err: e}, serverErr: e}

	case "started", "metadata", "info":
		logger.Info("Download status", "status", status, "label", label)
		return decoded{ack: true}
	}

	logger.Debug("Unknown download status", "status", status)
	return decoded{ack: true}
}

// serverMessage extracts the human readable part of an error frame.
func serverMessage(f frame) string {
	if v, ok := f.data["message"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil && s != "" {
			return s
		}
	}
	if v, ok := f.top["error"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil && s != "" {
			return s
		}
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(v, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
	}
	if v, ok := f.top["message"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil && s != "" {
			return s
		}
	}
	return "server error"
}
