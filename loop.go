package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

type LoopState int

const (
	StateStopped LoopState = iota
	StateRunning
	StateBackoff
	StateRestarting
)

func (s LoopState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateBackoff:
		return "backoff"
	case StateRestarting:
		return "restarting"
	}
	return "unknown"
}

// LEDOverride is one manually forced LED, bypassing the renderer.
type LEDOverride struct {
	Index      int      `json:"index"`
	Color      [3]uint8 `json:"color"`
	Brightness float64  `json:"brightness"`
}

// UpdateLoop drives the fetch → render → push → health-check cycle on a
// single goroutine. That goroutine is the only writer of the trail; loop
// state, the latest snapshot, the latest frame and strip pushes are all
// guarded by one mutex so control-surface readers never see a torn update.
type UpdateLoop struct {
	fetcher   Fetcher
	renderer  *Renderer
	strip     Strip
	health    *HealthMonitor
	journal   *Journal
	interval  time.Duration
	restartFn func()
	runID     string

	mu       sync.Mutex
	state    LoopState
	snapshot HealthSnapshot
	latest   Frame

	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the run goroutine.
	trail       Trail
	lastMemWarn bool
}

func NewUpdateLoop(fetcher Fetcher, renderer *Renderer, strip Strip, health *HealthMonitor, journal *Journal, interval time.Duration, runID string, restartFn func()) *UpdateLoop {
	l := &UpdateLoop{
		fetcher:   fetcher,
		renderer:  renderer,
		strip:     strip,
		health:    health,
		journal:   journal,
		interval:  interval,
		restartFn: restartFn,
		runID:     runID,
		state:     StateStopped,
		latest:    make(Frame, renderer.stations.LEDCount),
	}
	l.snapshot = HealthSnapshot{RunID: runID, LoopState: StateStopped.String()}
	return l
}

// Start begins ticking. Returns false if the loop was already alive.
// Idempotent: starting a running loop is a no-op.
func (l *UpdateLoop) Start() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStopped {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	l.state = StateRunning
	l.snapshot.Running = true
	l.snapshot.LoopState = l.state.String()
	l.trail = l.renderer.NewTrail()
	go l.run(ctx)
	l.journal.Record("start", "")
	log.Println("loop: started")
	return true
}

// Stop cancels the next tick, waits for any in-flight tick to finish, and
// blanks the strip. Idempotent: stopping a stopped loop is a no-op.
func (l *UpdateLoop) Stop() bool {
	l.mu.Lock()
	if l.state != StateRunning && l.state != StateBackoff {
		l.mu.Unlock()
		return false
	}
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done

	l.mu.Lock()
	l.state = StateStopped
	l.snapshot.Running = false
	l.snapshot.LoopState = l.state.String()
	l.latest = make(Frame, len(l.latest))
	if err := l.strip.Blank(); err != nil {
		log.Printf("loop: blank on stop: %v", err)
	}
	l.mu.Unlock()

	l.journal.Record("stop", "")
	log.Println("loop: stopped, strip blanked")
	return true
}

func (l *UpdateLoop) run(ctx context.Context) {
	defer close(l.done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		delay, terminal := l.tick(ctx)
		if terminal {
			return
		}
		timer.Reset(delay)
	}
}

// tick runs one fetch → render → push → health sequence and returns the delay
// before the next one. terminal is true when the process must be restarted.
func (l *UpdateLoop) tick(ctx context.Context) (delay time.Duration, terminal bool) {
	obs, err := l.fetcher.Fetch(ctx)
	if err != nil {
		log.Printf("loop: %v", err)
		l.journal.Record("fetch_error", err.Error())
	} else {
		frame, trail := l.renderer.Render(obs, l.trail)
		l.trail = trail
		l.publish(frame)
	}

	snap := l.health.Evaluate(err, l.health.MemorySample())
	decision := l.health.Decide(snap)

	if snap.MemoryWarn && !l.lastMemWarn {
		log.Printf("loop: memory usage %.1f%% over warn threshold", snap.MemoryPct)
		l.journal.Record("mem_warn", fmt.Sprintf("%.1f%%", snap.MemoryPct))
	}
	l.lastMemWarn = snap.MemoryWarn

	switch decision.Action {
	case ActionRestart:
		l.setState(StateRestarting, snap)
		l.journal.Record("restart", fmt.Sprintf("memory %.1f%%", snap.MemoryPct))
		log.Printf("loop: FATAL memory usage %.1f%% over restart threshold, requesting process restart", snap.MemoryPct)
		if l.restartFn != nil {
			l.restartFn()
		}
		return 0, true
	case ActionBackoff:
		l.health.Probe()
		snap.APIReachable = l.health.apiReachable
		l.setState(StateBackoff, snap)
		l.journal.Record("backoff", decision.Backoff.String())
		log.Printf("loop: %d consecutive fetch errors, backing off %s", snap.ConsecutiveErrors, decision.Backoff)
		return decision.Backoff, false
	default:
		l.setState(StateRunning, snap)
		return l.interval, false
	}
}

// publish stores the frame as latest and pushes it to the strip. Push
// failures are logged and absorbed; the next tick proceeds normally.
func (l *UpdateLoop) publish(frame Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latest = frame
	if err := l.strip.Write(frame); err != nil {
		log.Printf("loop: strip push: %v", err)
	}
}

func (l *UpdateLoop) setState(state LoopState, snap HealthSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = state
	snap.RunID = l.runID
	snap.Running = state == StateRunning || state == StateBackoff
	snap.LoopState = state.String()
	l.snapshot = snap
}

func (l *UpdateLoop) State() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Snapshot returns the last health snapshot, even while the loop is stopped
// or restarting.
func (l *UpdateLoop) Snapshot() HealthSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot
}

// LatestFrame returns a copy of the most recently published frame.
func (l *UpdateLoop) LatestFrame() Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(Frame, len(l.latest))
	copy(out, l.latest)
	return out
}

// SetLEDs applies manual overrides, bypassing the renderer. Writes go through
// to the strip immediately under the same lock the tick loop pushes with, so
// they never tear a frame; the next scheduled tick may overwrite them.
func (l *UpdateLoop) SetLEDs(overrides []LEDOverride) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range overrides {
		if o.Index < 0 || o.Index >= len(l.latest) {
			return fmt.Errorf("led index %d out of range 0-%d", o.Index, len(l.latest)-1)
		}
	}
	for _, o := range overrides {
		b := o.Brightness
		if b <= 0 || b > 1 {
			b = 1
		}
		l.latest[o.Index] = scaleColor(RGB{o.Color[0], o.Color[1], o.Color[2]}, b)
	}
	if err := l.strip.Write(l.latest); err != nil {
		log.Printf("loop: strip push (override): %v", err)
	}
	l.journal.Record("override", fmt.Sprintf("%d leds", len(overrides)))
	return nil
}
