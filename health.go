package main

import (
	"bufio"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-ping/ping"
)

const (
	STALE_WARN_AFTER    = 300 * time.Second
	STALE_WARN_INTERVAL = 30 * time.Second
	PROBE_TIMEOUT       = 2 * time.Second
)

type HealthAction int

const (
	ActionContinue HealthAction = iota
	ActionBackoff
	ActionRestart
)

func (a HealthAction) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionBackoff:
		return "backoff"
	case ActionRestart:
		return "restart"
	}
	return "unknown"
}

// HealthDecision is what the update loop acts on after each tick.
type HealthDecision struct {
	Action  HealthAction
	Backoff time.Duration
}

// HealthSnapshot is the externally visible health state, recomputed each tick
// and retained for the control surface even while the loop is down.
type HealthSnapshot struct {
	RunID               string  `json:"run_id"`
	LoopState           string  `json:"loop_state"`
	Running             bool    `json:"running"`
	MemoryPct           float64 `json:"memory_pct"`
	MemoryWarn          bool    `json:"memory_warn"`
	ConsecutiveErrors   int     `json:"consecutive_errors"`
	SecondsSinceSuccess float64 `json:"seconds_since_success"`
	LastError           string  `json:"last_error,omitempty"`
	APIReachable        *bool   `json:"api_reachable,omitempty"`
}

// HealthMonitor tracks fetch outcomes and memory pressure and decides when
// the loop should back off or the whole process should be restarted. Only the
// update loop goroutine calls Evaluate/Decide/Probe.
type HealthMonitor struct {
	warnPct        float64
	restartPct     float64
	errorThreshold int
	backoffBase    time.Duration
	backoffCap     time.Duration
	probeHost      string

	consecutiveErrors int
	lastSuccess       time.Time
	lastError         string
	nextStaleWarn     time.Time
	apiReachable      *bool

	memFunc func() (float64, error)
}

func NewHealthMonitor(cfg *Config) *HealthMonitor {
	return &HealthMonitor{
		warnPct:        cfg.MemoryWarnPct,
		restartPct:     cfg.MemoryRestartPct,
		errorThreshold: cfg.ErrorThreshold,
		backoffBase:    cfg.BackoffBase(),
		backoffCap:     cfg.BackoffCap(),
		probeHost:      probeHostFor(cfg),
		memFunc:        MemoryPercent,
	}
}

func probeHostFor(cfg *Config) string {
	raw := cfg.APIBaseURL
	if cfg.Source == "gtfsrt" {
		raw = cfg.GTFSRTURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return u.Hostname()
}

// MemorySample reads the current system memory usage.
func (h *HealthMonitor) MemorySample() float64 {
	pct, err := h.memFunc()
	if err != nil {
		log.Printf("health: memory sample failed: %v", err)
		return 0
	}
	return pct
}

// Evaluate folds one tick's fetch outcome and memory reading into the
// consecutive-error counter and produces a fresh snapshot.
func (h *HealthMonitor) Evaluate(outcome error, memoryPct float64) HealthSnapshot {
	now := time.Now()
	if outcome != nil {
		h.consecutiveErrors++
		h.lastError = outcome.Error()
	} else {
		h.consecutiveErrors = 0
		h.lastError = ""
		h.lastSuccess = now
		h.apiReachable = nil
	}

	var sinceSuccess float64
	if !h.lastSuccess.IsZero() {
		sinceSuccess = now.Sub(h.lastSuccess).Seconds()
		if sinceSuccess > STALE_WARN_AFTER.Seconds() && now.After(h.nextStaleWarn) {
			log.Printf("health: no successful fetch in %.0fs", sinceSuccess)
			h.nextStaleWarn = now.Add(STALE_WARN_INTERVAL)
		}
	}

	return HealthSnapshot{
		MemoryPct:           memoryPct,
		MemoryWarn:          memoryPct >= h.warnPct,
		ConsecutiveErrors:   h.consecutiveErrors,
		SecondsSinceSuccess: sinceSuccess,
		LastError:           h.lastError,
		APIReachable:        h.apiReachable,
	}
}

// Decide is a pure function of the snapshot. Memory pressure beats everything
// else; repeated fetch errors escalate to a capped exponential backoff.
func (h *HealthMonitor) Decide(s HealthSnapshot) HealthDecision {
	if s.MemoryPct >= h.restartPct {
		return HealthDecision{Action: ActionRestart}
	}
	if s.ConsecutiveErrors >= h.errorThreshold {
		return HealthDecision{Action: ActionBackoff, Backoff: h.backoffFor(s.ConsecutiveErrors)}
	}
	return HealthDecision{Action: ActionContinue}
}

func (h *HealthMonitor) backoffFor(errors int) time.Duration {
	d := h.backoffBase
	for i := h.errorThreshold; i < errors; i++ {
		d *= 2
		if d >= h.backoffCap {
			return h.backoffCap
		}
	}
	if d > h.backoffCap {
		d = h.backoffCap
	}
	return d
}

// Probe pings the API host once to tell network outages apart from upstream
// trouble. Diagnostic only: the result is surfaced in the snapshot and never
// changes a decision.
func (h *HealthMonitor) Probe() {
	if h.probeHost == "" {
		return
	}
	pinger, err := ping.NewPinger(h.probeHost)
	if err != nil {
		log.Printf("health: probe %s: %v", h.probeHost, err)
		return
	}
	pinger.Count = 1
	pinger.Timeout = PROBE_TIMEOUT
	pinger.SetPrivileged(false)
	if err := pinger.Run(); err != nil {
		log.Printf("health: probe %s: %v", h.probeHost, err)
		return
	}
	reachable := pinger.Statistics().PacketsRecv > 0
	h.apiReachable = &reachable
	log.Printf("health: probe %s reachable=%v", h.probeHost, reachable)
}

// MemoryPercent reads used memory from /proc/meminfo the way journald-era
// tooling does: used = MemTotal - MemAvailable.
func MemoryPercent() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var total, available float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) == 0 {
			continue
		}
		kb, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		switch key {
		case "MemTotal":
			total = kb
		case "MemAvailable":
			available = kb
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, fmt.Errorf("meminfo: MemTotal missing")
	}
	return (total - available) / total * 100, nil
}
