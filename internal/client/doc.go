// Package client implements a WebSocket session client for a remote
// Stable Diffusion server.
//
// A Session owns at most one connection. Connect dials the endpoint, sends
// the password and waits for the handshake to settle: the server has no
// explicit "accepted" message, so the password is considered accepted when
// the first non-error frame arrives or when the settle period elapses,
// whichever comes first. An error frame during that window rejects it.
//
// # Basic Usage
//
//	s := client.New(client.WithDialect(client.DialectTyped))
//	s.On(client.EventProgress, func(ev client.Event) {
//	    fmt.Printf("%.0f%%\n", ev.(client.ProgressEvent).Value*100)
//	})
//	if err := s.Connect(ctx, "wss://example.org/ws", password); err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Disconnect()
//
//	res, err := s.GenerateAndWait(ctx, client.Params{"prompt": "a lighthouse"}, "")
//
// # Dialects
//
// DialectAction sends flat objects such as {"action": "list_models"}.
// DialectTyped wraps every action as {"type": ..., "data": {...}}.
// The password frame is {"password": ...} in both.
//
// # Events
//
// Handlers registered with On are invoked from the connection's own
// goroutine, in registration order, one event at a time. The only
// exception is the NotConnected error, which is published on the goroutine
// of the action call that failed. A panicking handler is recovered and
// logged.
//
// # Errors
//
// Every failure is an *Error. Use errors.Is with the sentinels
// (ErrNotConnected, ErrServerError, ...) to branch on the kind.
package client
