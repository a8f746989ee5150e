package cmd

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

// progressInterval is the minimum time between two progress lines.
var progressInterval = 250 * time.Millisecond

// progressPrinter writes percentage lines, at most one per interval.
// Completion and the first update are always printed.
type progressPrinter struct {
	out     io.Writer
	label   string
	limiter *rate.Limiter

	mu   sync.Mutex
	last int
}

func newProgressPrinter(out io.Writer, label string, every time.Duration) *progressPrinter {
	return &progressPrinter{
		out:     out,
		label:   label,
		limiter: rate.NewLimiter(rate.Every(every), 1),
		last:    -1,
	}
}

// update prints fraction (0..1) as a percentage and reports whether a
// line was written. detail is appended verbatim.
func (p *progressPrinter) update(fraction float64, detail string) bool {
	pct := int(math.Round(fraction * 100))
	pct = max(0, min(100, pct))

	p.mu.Lock()
	defer p.mu.Unlock()
	if pct == p.last {
		return false
	}
	if pct < 100 && !p.limiter.Allow() {
		return false
	}
	p.last = pct
	fmt.Fprintf(p.out, "%s %3d%%%s\n", p.label, pct, detail)
	return true
}

// interruptible derives a context for a long running command. The first
// interrupt calls onFirst; the context is then cancelled by a second
// interrupt or after cancelGrace, whichever happens first.
func interruptible(parent context.Context, onFirst func()) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sig)
		select {
		case <-ctx.Done():
			return
		case <-sig:
		}
		onFirst()

		timer := time.NewTimer(cancelGrace)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-sig:
			cancel()
		case <-timer.C:
			cancel()
		}
	}()
	return ctx, cancel
}
