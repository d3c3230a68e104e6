package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"

	"github.com/srg/blprov/internal/provision"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// phaseLabel is the progress text for a busy state.
func phaseLabel(s provision.State) string {
	switch s {
	case provision.Scanning:
		return "Scanning"
	case provision.Connecting:
		return "Connecting"
	case provision.DiscoveringServices:
		return "Discovering services"
	case provision.DiscoveringCharacteristics:
		return "Discovering characteristics"
	case provision.Writing:
		return "Writing"
	case provision.Disconnecting:
		return "Disconnecting"
	default:
		return ""
	}
}

type progressPhase struct {
	label   string
	started time.Time
	// countdown is the remaining-time budget of the phase, 0 to count up.
	countdown time.Duration
}

// ProgressPrinter displays the phase of a provisioning pass with elapsed time.
// On a terminal it redraws a single line; otherwise it prints one line per phase.
//
// Usage:
//
//	p := NewProgressPrinter(os.Stdout, prefix, scanTimeout)
//	p.Start()
//	defer p.Stop()
//	provision.AwaitOutcome(ctx, runner.Transitions(), p.Observe)
type ProgressPrinter struct {
	out         io.Writer
	animate     bool
	prefix      string
	scanTimeout time.Duration

	phase    atomic.Pointer[progressPhase]
	writeMu  sync.Mutex
	started  atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewProgressPrinter creates a printer writing to out. Scanning counts down from scanTimeout.
func NewProgressPrinter(out io.Writer, prefix string, scanTimeout time.Duration) *ProgressPrinter {
	return &ProgressPrinter{
		out:         out,
		animate:     isTerminal(out),
		prefix:      prefix,
		scanTimeout: scanTimeout,
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Start begins redrawing in a background goroutine. It panics when called twice.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	if !p.animate {
		close(p.done)
		return
	}

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.redraw()
			}
		}
	}()
}

// Observe moves the printer to the phase of t. It is shaped as an AwaitOutcome step callback.
func (p *ProgressPrinter) Observe(t provision.Transition) {
	label := phaseLabel(t.To)
	if label == "" {
		p.phase.Store(nil)
		p.clear()
		return
	}

	ph := &progressPhase{label: label, started: time.Now()}
	if t.To == provision.Scanning {
		ph.countdown = p.scanTimeout
	}
	p.phase.Store(ph)

	if p.animate {
		p.redraw()
		return
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if t.Peripheral.ID != "" && t.To != provision.Scanning {
		fmt.Fprintf(p.out, "%s: %s %s...\n", p.prefix, label, t.Peripheral)
		return
	}
	fmt.Fprintf(p.out, "%s: %s...\n", p.prefix, label)
}

// Stop terminates the redraw goroutine and clears the line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		if p.started.Load() {
			<-p.done
		}
		p.clear()
	})
}

func (p *ProgressPrinter) redraw() {
	ph := p.phase.Load()
	if ph == nil {
		return
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	fmt.Fprintf(p.out, "\r%s (%s)   ", p.prefix, ph.status(time.Now()))
}

func (p *ProgressPrinter) clear() {
	if !p.animate {
		return
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	fmt.Fprint(p.out, clearLineSequence)
}

// status renders the phase label with elapsed or remaining seconds.
func (ph *progressPhase) status(now time.Time) string {
	elapsed := now.Sub(ph.started)
	if ph.countdown > 0 {
		remaining := ph.countdown - elapsed
		if remaining < 0 {
			remaining = 0
		}
		// Round to the nearest second, e.g. 3.7s -> 4s
		return fmt.Sprintf("%s %ds", ph.label, int(remaining.Seconds()+0.5))
	}
	if s := int(elapsed.Seconds()); s > 0 {
		return fmt.Sprintf("%s %ds", ph.label, s)
	}
	return ph.label + "..."
}
