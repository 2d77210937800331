// Package speed turns cumulative byte counts into a smoothed transfer rate and
// a remaining-time estimate, one independent state per task.
package speed

import (
	"fmt"
	"sync"
	"time"

	"segmentd/internal/units"
)

// Placeholders shown instead of a numeric rate.
const (
	Starting   = "Starting..."
	Connecting = "Connecting..."
	Resuming   = "Resuming..."
	Stalled    = "Stalled"
	NoETA      = "--:--"
)

// ResumeState is the warm-up phase after a pause or reconnect.
type ResumeState int

const (
	NotResuming ResumeState = iota
	WaitingForConnection
	ReceivingData
	Settled
)

func (s ResumeState) String() string {
	switch s {
	case WaitingForConnection:
		return "waiting-for-connection"
	case ReceivingData:
		return "receiving-data"
	case Settled:
		return "settled"
	default:
		return "not-resuming"
	}
}

type Config struct {
	// GraceWindow is how long byte-count discontinuities after a resume are
	// ignored when no growth is seen.
	GraceWindow time.Duration
	// MinResolution is the smallest interval a rate is computed over.
	MinResolution time.Duration
	// HoldWindow is how long the last rate is held without byte growth
	// before the task reads as stalled.
	HoldWindow time.Duration
	// MaxSpeed discards samples above this many bytes per second.
	MaxSpeed   float64
	MaxSamples int
	// Smoothing is the weight of the recent average in the blended rate.
	Smoothing float64
	Now       func() time.Time
}

func (c *Config) setDefaults() {
	if c.GraceWindow <= 0 {
		c.GraceWindow = 500 * time.Millisecond
	}
	if c.MinResolution <= 0 {
		c.MinResolution = 100 * time.Millisecond
	}
	if c.HoldWindow <= 0 {
		c.HoldWindow = 5 * time.Second
	}
	if c.MaxSpeed <= 0 {
		c.MaxSpeed = 100 << 20
	}
	if c.MaxSamples <= 0 {
		c.MaxSamples = 20
	}
	if c.Smoothing <= 0 || c.Smoothing > 1 {
		c.Smoothing = 0.3
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Reading is the result of one update.
type Reading struct {
	Speed         float64
	DisplaySpeed  string
	RemainingTime string
	// Realtime is true when this update produced a fresh rate sample.
	Realtime bool
	Stalled  bool
}

type sample struct {
	at    time.Time
	speed float64
}

type taskState struct {
	mu sync.Mutex

	started    bool
	lastBytes  int64
	lastTime   time.Time
	lastGrowth time.Time
	samples    []sample
	smoothed   float64
	reported   float64

	resume      ResumeState
	resumeStart time.Time
	resumeBase  int64
}

// Tracker holds per-task state. Updates for different tasks never contend on
// a shared lock.
type Tracker struct {
	cfg    Config
	states sync.Map
}

func NewTracker(cfg Config) *Tracker {
	cfg.setDefaults()
	return &Tracker{cfg: cfg}
}

func (t *Tracker) state(id string) *taskState {
	if st, ok := t.states.Load(id); ok {
		return st.(*taskState)
	}
	st, _ := t.states.LoadOrStore(id, &taskState{})
	return st.(*taskState)
}

// Update feeds the cumulative byte count of a task.
func (t *Tracker) Update(id string, current, total int64) Reading {
	st := t.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := t.cfg.Now()
	if !st.started {
		st.started = true
		st.lastBytes = current
		st.lastTime = now
		st.lastGrowth = now
		if st.resume == WaitingForConnection {
			st.resumeStart = now
			st.resumeBase = current
			return placeholder(Resuming)
		}
		if current > 0 {
			return placeholder(Connecting)
		}
		return placeholder(Starting)
	}

	switch st.resume {
	case WaitingForConnection:
		return t.updateWaiting(st, now, current, total)
	case ReceivingData:
		r := t.updateSteady(st, now, current, total)
		if r.Realtime {
			st.resume = Settled
		}
		return r
	default:
		return t.updateSteady(st, now, current, total)
	}
}

func (t *Tracker) updateWaiting(st *taskState, now time.Time, current, total int64) Reading {
	if st.resumeStart.IsZero() {
		st.resumeStart = now
		st.resumeBase = st.lastBytes
		st.lastTime = now
	}
	if current < st.resumeBase {
		// the downloader restarted its counter from a checkpoint
		st.resumeBase = current
		st.lastBytes = current
		st.lastTime = now
		return placeholder(Resuming)
	}
	if current > st.resumeBase {
		st.resume = ReceivingData
		st.lastGrowth = now
		dt := now.Sub(st.lastTime)
		if dt >= t.cfg.MinResolution {
			inst := float64(current-st.lastBytes) / dt.Seconds()
			st.lastBytes = current
			st.lastTime = now
			if inst > 0 && inst <= t.cfg.MaxSpeed {
				t.addSample(st, now, inst)
				st.resume = Settled
				return t.reading(st, current, total, true)
			}
		}
		st.lastBytes = current
		st.lastTime = now
		return placeholder(Resuming)
	}
	if now.Sub(st.resumeStart) > t.cfg.GraceWindow {
		st.resume = ReceivingData
		st.lastTime = now
		st.lastGrowth = now
	}
	return placeholder(Resuming)
}

func (t *Tracker) updateSteady(st *taskState, now time.Time, current, total int64) Reading {
	delta := current - st.lastBytes
	if delta < 0 {
		st.lastBytes = current
		st.lastTime = now
		return t.hold(st, now, current, total)
	}
	if delta == 0 {
		if st.reported > 0 && now.Sub(st.lastGrowth) > t.cfg.HoldWindow {
			st.smoothed = 0
			st.reported = 0
			st.samples = st.samples[:0]
		}
		if st.reported == 0 && now.Sub(st.lastGrowth) > t.cfg.HoldWindow {
			st.lastTime = now
			return Reading{DisplaySpeed: Stalled, RemainingTime: NoETA, Stalled: true}
		}
		return t.hold(st, now, current, total)
	}

	st.lastGrowth = now
	dt := now.Sub(st.lastTime)
	if dt < t.cfg.MinResolution {
		return t.hold(st, now, current, total)
	}
	inst := float64(delta) / dt.Seconds()
	st.lastBytes = current
	st.lastTime = now
	if inst > t.cfg.MaxSpeed {
		return t.hold(st, now, current, total)
	}
	t.addSample(st, now, inst)
	return t.reading(st, current, total, true)
}

func (t *Tracker) addSample(st *taskState, now time.Time, inst float64) {
	st.samples = append(st.samples, sample{at: now, speed: inst})
	if len(st.samples) > t.cfg.MaxSamples {
		st.samples = st.samples[len(st.samples)-t.cfg.MaxSamples:]
	}
	recent := st.samples
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	var sum float64
	for _, s := range recent {
		sum += s.speed
	}
	avg := sum / float64(len(recent))
	if len(st.samples) < 2 || st.smoothed == 0 {
		st.smoothed = avg
	} else {
		st.smoothed = st.smoothed*(1-t.cfg.Smoothing) + avg*t.cfg.Smoothing
	}
	if st.smoothed > t.cfg.MaxSpeed {
		st.smoothed = t.cfg.MaxSpeed
	}
	st.reported = st.smoothed
}

func (t *Tracker) hold(st *taskState, now time.Time, current, total int64) Reading {
	if st.reported > 0 {
		return t.reading(st, current, total, false)
	}
	if st.resume == ReceivingData {
		return placeholder(Resuming)
	}
	return placeholder(Starting)
}

func (t *Tracker) reading(st *taskState, current, total int64, realtime bool) Reading {
	return Reading{
		Speed:         st.reported,
		DisplaySpeed:  units.FormatSpeed(st.reported),
		RemainingTime: RemainingTime(total-current, st.smoothed),
		Realtime:      realtime,
	}
}

func placeholder(label string) Reading {
	return Reading{DisplaySpeed: label, RemainingTime: NoETA}
}

// MarkAsResuming starts a resume episode for the task.
func (t *Tracker) MarkAsResuming(id string) {
	st := t.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.resume = WaitingForConnection
	st.resumeStart = time.Time{}
	st.resumeBase = st.lastBytes
	st.samples = st.samples[:0]
	st.smoothed = 0
	st.reported = 0
}

// Reset clears all smoothing state of the task.
func (t *Tracker) Reset(id string) {
	st := t.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.started = false
	st.lastBytes = 0
	st.lastTime = time.Time{}
	st.lastGrowth = time.Time{}
	st.samples = nil
	st.smoothed = 0
	st.reported = 0
	st.resume = NotResuming
	st.resumeStart = time.Time{}
	st.resumeBase = 0
}

// Remove forgets the task.
func (t *Tracker) Remove(id string) {
	t.states.Delete(id)
}

// ResumeState reports the resume phase of a task.
func (t *Tracker) ResumeState(id string) ResumeState {
	st := t.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.resume
}

// RemainingTime formats remaining/speed as MM:SS or H:MM:SS.
func RemainingTime(remaining int64, bytesPerSecond float64) string {
	if bytesPerSecond <= 0 || remaining < 0 {
		return NoETA
	}
	return FormatDuration(time.Duration(float64(remaining) / bytesPerSecond * float64(time.Second)))
}

// FormatDuration renders d as MM:SS below an hour and H:MM:SS above.
func FormatDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	h, m, s := secs/3600, (secs%3600)/60, secs%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
