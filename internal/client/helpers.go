package client

import (
	"context"
	"fmt"
)

// ListModels requests the model list and waits for the answer.
func (s *Session) ListModels(ctx context.Context) ([]string, error) {
	ev, err := waitFor[ModelsEvent](ctx, s, EventModels, s.RequestModels)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return ev.Names, nil
}

// GenerateAndWait starts a generation and waits for its result.
// When image is non-empty an image-to-image generation is requested.
// Progress and previews are still delivered to subscribers while waiting.
func (s *Session) GenerateAndWait(ctx context.Context, params Params, image string) (*ResultEvent, error) {
	send := func() error { return s.Generate(params) }
	if image != "" {
		send = func() error { return s.GenerateImageToImage(image, params) }
	}
	ev, err := waitFor[ResultEvent](ctx, s, EventResult, send)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	return &ev, nil
}

// DownloadAndWait starts a model download and waits until the server
// reports completion.
func (s *Session) DownloadAndWait(ctx context.Context, req DownloadRequest) (*DownloadCompleteEvent, error) {
	send := func() error { return s.Download(req) }
	ev, err := waitFor[DownloadCompleteEvent](ctx, s, EventDownloadComplete, send)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	return &ev, nil
}

// waitFor subscribes to name, calls send and blocks until the first
// matching event, a server or transport error, a disconnect, or ctx ends.
func waitFor[T Event](ctx context.Context, s *Session, name EventName, send func() error) (T, error) {
	var zero T
	got := make(chan T, 1)
	failed := make(chan error, 1)

	fail := func(err error) {
		select {
		case failed <- err:
		default:
		}
	}

	offResult := s.On(name, func(ev Event) {
		if v, ok := ev.(T); ok {
			select {
			case got <- v:
			default:
			}
		}
	})
	defer offResult()

	offError := s.On(EventError, func(ev Event) {
		e := ev.(ErrorEvent).Err
		if e.Kind == KindServerError || e.Kind == KindTransport {
			fail(e)
		}
	})
	defer offError()

	offDisconnect := s.On(EventDisconnect, func(ev Event) {
		err := ev.(DisconnectEvent).Err
		if err == nil {
			err = newError(KindTransport, "disconnected", nil)
		}
		fail(err)
	})
	defer offDisconnect()

	if err := send(); err != nil {
		return zero, err
	}

	select {
	case v := <-got:
		return v, nil
	case err := <-failed:
		return zero, err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
