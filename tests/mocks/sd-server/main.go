// Package main runs the mock generation server as a standalone process,
// for trying the CLI without a GPU.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/inercia/sdlink/internal/logging"
	"github.com/inercia/sdlink/internal/mockserver"
)

func main() {
	var (
		addr     string
		password string
		typed    bool
		hello    bool
		owner    bool
		steps    int
		delay    time.Duration
		models   string
		verbose  bool
	)
	flag.StringVar(&addr, "addr", "127.0.0.1:7860", "Address to listen on")
	flag.StringVar(&password, "password", "", "Password expected from clients (empty accepts any)")
	flag.BoolVar(&typed, "typed", false, "Send typed error frames before the client dialect is known")
	flag.BoolVar(&hello, "hello", true, "Send a hello frame when a client connects")
	flag.BoolVar(&owner, "owner", true, "Send an owner frame to the first client")
	flag.IntVar(&steps, "steps", 10, "Progress frames per generation")
	flag.DurationVar(&delay, "delay", 200*time.Millisecond, "Delay between progress frames")
	flag.StringVar(&models, "models", "", "Comma separated model names")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging to stderr")
	flag.Parse()

	level := "info"
	if verbose {
		level = "debug"
	}
	if err := logging.Initialize(logging.Config{Level: level}); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Close()

	cfg := mockserver.Config{
		Password:  password,
		Typed:     typed,
		Hello:     hello,
		Owner:     owner,
		Steps:     steps,
		StepDelay: delay,
		Logger:    logging.Mock(),
	}
	if models != "" {
		cfg.Models = strings.Split(models, ",")
	}
	srv := mockserver.New(cfg)

	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	httpServer := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		srv.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logging.Mock().Info("Mock server listening", "url", "ws://"+addr+"/ws")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}
}
