package client

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
)

// Dialect selects the outbound wire format.
type Dialect int

const (
	// DialectAction sends flat objects keyed by "action".
	DialectAction Dialect = iota
	// DialectTyped sends {"type": ..., "data": {...}} envelopes.
	DialectTyped
)

// ParseDialect maps a configuration string to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "action", "plain":
		return DialectAction, nil
	case "typed", "extended":
		return DialectTyped, nil
	default:
		return DialectAction, fmt.Errorf("unknown dialect %q (want action or typed)", s)
	}
}

func (d Dialect) String() string {
	switch d {
	case DialectTyped:
		return "typed"
	default:
		return "action"
	}
}

// ActionKind tags an outbound Action.
type ActionKind int

const (
	ActionAuthenticate ActionKind = iota
	ActionListModels
	ActionGenerate
	ActionCancel
	ActionDownload
)

func (k ActionKind) String() string {
	switch k {
	case ActionAuthenticate:
		return "authenticate"
	case ActionListModels:
		return "list_models"
	case ActionGenerate:
		return "generate"
	case ActionCancel:
		return "cancel"
	case ActionDownload:
		return "download"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// Params are generation parameters. They are passed to the server verbatim.
type Params map[string]any

// Clone returns a shallow copy of p.
func (p Params) Clone() Params {
	if p == nil {
		return Params{}
	}
	return maps.Clone(p)
}

// ModelType names the kind of model a download installs.
type ModelType string

const (
	ModelCheckpoint ModelType = "checkpoint"
	ModelLoRA       ModelType = "lora"
	ModelUpscaler   ModelType = "upscaler"
)

// ParseModelType validates a model type name.
func ParseModelType(s string) (ModelType, error) {
	switch t := ModelType(strings.ToLower(strings.TrimSpace(s))); t {
	case ModelCheckpoint, ModelLoRA, ModelUpscaler:
		return t, nil
	default:
		return "", fmt.Errorf("unknown model type %q (want checkpoint, lora or upscaler)", s)
	}
}

// DownloadRequest asks the server to fetch a model from a hub.
type DownloadRequest struct {
	Type         ModelType
	URL          string
	CivitaiToken string
	HFToken      string
}

// Action is one outbound message.
type Action struct {
	Kind     ActionKind
	Password string
	Params   Params
	Download DownloadRequest
}

// Encode serialises a into a single JSON text frame for dialect d.
func (d Dialect) Encode(a Action) ([]byte, error) {
	var msg map[string]any

	switch a.Kind {
	case ActionAuthenticate:
		// Same shape in both dialects.
		msg = map[string]any{"password": a.Password}

	case ActionListModels, ActionCancel:
		if d == DialectTyped {
			msg = map[string]any{"type": a.Kind.String(), "data": map[string]any{}}
		} else {
			msg = map[string]any{"action": a.Kind.String()}
		}

	case ActionGenerate:
		if d == DialectTyped {
			msg = map[string]any{"type": "generate", "data": a.Params.Clone()}
		} else {
			msg = a.Params.Clone()
			msg["action"] = "generate"
		}

	case ActionDownload:
		if d == DialectTyped {
			msg = map[string]any{
				"type": "download",
				"data": map[string]any{
					"type":          string(a.Download.Type),
					"url":           a.Download.URL,
					"civitai_token": a.Download.CivitaiToken,
					"hf_token":      a.Download.HFToken,
				},
			}
		} else {
			msg = map[string]any{
				"action":        "download",
				"model_type":    string(a.Download.Type),
				"url":           a.Download.URL,
				"civitai_token": a.Download.CivitaiToken,
				"hf_token":      a.Download.HFToken,
			}
		}

	default:
		return nil, newError(KindInvalidArgument, "unknown action", fmt.Errorf("%v", a.Kind))
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, newError(KindInvalidArgument, "encode "+a.Kind.String(), err)
	}
	return data, nil
}
