package main

import (
	"fmt"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter displays a single-line progress message with elapsed or
// remaining time, rewritten in place via carriage returns.
//
// A ProgressPrinter is single-use: Start at most once, Stop exactly once.
// Stop releases the update goroutine; skipping it leaks the goroutine.
type ProgressPrinter struct {
	prefix     string
	phase      atomic.Value        // current phase name
	stopPhases map[string]struct{} // phases that trigger a graceful shutdown
	startTime  time.Time
	ticker     atomic.Pointer[time.Ticker]
	stopChan   chan struct{}
	done       chan struct{}
	started    atomic.Bool
	countUp    bool
	duration   time.Duration // countdown mode only
}

// NewProgressPrinter creates a progress printer showing elapsed time.
// stopPhases are phase names that stop the printer when set via Callback.
func NewProgressPrinter(prefix string, phase string, stopPhases ...string) *ProgressPrinter {
	p := &ProgressPrinter{
		prefix:     prefix,
		stopPhases: phaseSet(stopPhases),
		countUp:    true,
	}
	p.phase.Store(phase)
	return p
}

// NewCountdownProgressPrinter creates a progress printer counting down from
// duration. stopPhases are phase names that stop the printer when set via
// Callback.
func NewCountdownProgressPrinter(prefix string, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	p := &ProgressPrinter{
		prefix:     prefix,
		stopPhases: phaseSet(stopPhases),
		duration:   duration,
	}
	p.phase.Store(phase)
	return p
}

func phaseSet(phases []string) map[string]struct{} {
	set := make(map[string]struct{}, len(phases))
	for _, p := range phases {
		set[p] = struct{}{}
	}
	return set
}

// Start begins displaying progress updates in a background goroutine.
// Panics when called twice on the same instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	fmt.Printf("\r%s (%s...)   ", p.prefix, p.phase.Load().(string))

	go p.loop(ticker)
}

func (p *ProgressPrinter) loop(ticker *time.Ticker) {
	defer close(p.done)

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			phase := p.phase.Load().(string)
			if _, isStop := p.stopPhases[phase]; isStop {
				return
			}
			p.printProgress(phase, p.seconds())
		}
	}
}

// seconds computes the displayed second count: elapsed when counting up,
// remaining (rounded, floored at zero) when counting down.
func (p *ProgressPrinter) seconds() int {
	elapsed := time.Since(p.startTime)
	if p.countUp {
		return int(elapsed.Seconds())
	}
	remaining := p.duration - elapsed
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds() + 0.5)
}

func (p *ProgressPrinter) printProgress(phase string, seconds int) {
	if seconds > 0 {
		fmt.Printf("\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Printf("\r%s (%s...)   ", p.prefix, phase)
	}
}

// Callback returns a phase-update function safe to call from any goroutine.
// Setting a stop phase stops the printer.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, isStop := p.stopPhases[phase]; isStop {
			p.Stop()
		}
	}
}

// Stop stops the progress display and clears the line. Safe to call multiple
// times and from multiple goroutines; only the first call does the work.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Print(clearLineSequence)
}
