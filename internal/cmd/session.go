package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inercia/sdlink/internal/appdir"
	"github.com/inercia/sdlink/internal/client"
	"github.com/inercia/sdlink/internal/fileutil"
	"github.com/inercia/sdlink/internal/imagestore"
	"github.com/inercia/sdlink/internal/logging"
	"github.com/inercia/sdlink/internal/secrets"
)

// credentials is one source's view of the password and hub tokens.
type credentials struct {
	Password     string
	CivitaiToken string
	HFToken      string
}

// credentialSources keeps every source so that precedence is applied
// per value: flag > environment > secret store > config file.
type credentialSources struct {
	flag credentials
	env  credentials
	file credentials
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// storeLookup returns a value from the secret store, or "" when the store
// has nothing or is unavailable.
func storeLookup(get func() (string, error)) string {
	v, err := get()
	if err != nil {
		if !errors.Is(err, secrets.ErrNotFound) && !errors.Is(err, secrets.ErrNotSupported) {
			logging.CLI().Debug("Secret store lookup failed", "error", err)
		}
		return ""
	}
	return v
}

// password returns the effective password for endpoint.
func (c credentialSources) password(endpoint string) string {
	if v := firstNonEmpty(c.flag.Password, c.env.Password); v != "" {
		return v
	}
	if v := storeLookup(func() (string, error) { return secrets.GetPassword(endpoint) }); v != "" {
		return v
	}
	return c.file.Password
}

// tokens returns the effective hub tokens.
func (c credentialSources) tokens() (civitai, hf string) {
	civitai = firstNonEmpty(c.flag.CivitaiToken, c.env.CivitaiToken)
	if civitai == "" {
		civitai = firstNonEmpty(storeLookup(func() (string, error) {
			return secrets.GetToken(secrets.AccountCivitaiToken)
		}), c.file.CivitaiToken)
	}
	hf = firstNonEmpty(c.flag.HFToken, c.env.HFToken)
	if hf == "" {
		hf = firstNonEmpty(storeLookup(func() (string, error) {
			return secrets.GetToken(secrets.AccountHFToken)
		}), c.file.HFToken)
	}
	return civitai, hf
}

// metricsServer owns the registry shared by the sessions of one command
// and, when an address is configured, the HTTP server exposing it.
type metricsServer struct {
	registry *prometheus.Registry
	metrics  *client.Metrics
	server   *http.Server
	addr     string
}

func startMetrics(addr string) (*metricsServer, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := &metricsServer{
		registry: reg,
		metrics:  client.NewMetrics(reg),
	}
	if addr == "" {
		return m, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	m.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	m.addr = ln.Addr().String()

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.CLI().Warn("Metrics server stopped", "error", err)
		}
	}()
	logging.CLI().Info("Serving metrics", "addr", m.addr)
	return m, nil
}

// Close stops the HTTP server if one is running.
func (m *metricsServer) Close() {
	if m.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = m.server.Shutdown(ctx)
}

// newSession creates a session configured from cfg.
func newSession() (*client.Session, error) {
	opts, err := cfg.ClientOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, client.WithLogger(logging.Client()))
	if telemetry != nil {
		opts = append(opts, client.WithMetrics(telemetry.metrics))
	}
	return client.New(opts...), nil
}

// connectSession creates a session and connects it to the configured
// endpoint. The caller must Disconnect it.
func connectSession(ctx context.Context) (*client.Session, error) {
	s, err := newSession()
	if err != nil {
		return nil, err
	}
	logging.CLI().Debug("Connecting", "endpoint", cfg.Endpoint, "session_id", s.ID())
	if err := s.Connect(ctx, cfg.Endpoint, creds.password(cfg.Endpoint)); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Endpoint, err)
	}
	return s, nil
}

// openImageStore returns the store for result images: the explicit
// directory if given, then the configured output dir, then the default.
func openImageStore(dir string) (*imagestore.Store, error) {
	if dir == "" {
		dir = cfg.OutputDir
	}
	if dir == "" {
		var err error
		if dir, err = appdir.ImagesDir(); err != nil {
			return nil, err
		}
	}
	return imagestore.New(fileutil.ExpandHome(dir))
}
