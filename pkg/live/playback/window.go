// Package playback estimates when avatar speech playback ends. The server
// reports each speech chunk as it starts playing; the window accumulates
// chunk durations into a single deadline and fires a callback once the
// deadline passes with no further chunks.
package playback

import (
	"sync"
	"time"
)

const (
	defaultFirstChunkGrace = 2 * time.Second
	defaultNextChunkGrace  = time.Second
)

type Config struct {
	// FirstChunkGrace pads the deadline of the chunk that opens a window,
	// covering network jitter before any follow-up arrives.
	FirstChunkGrace time.Duration
	// NextChunkGrace pads every extension chunk.
	NextChunkGrace time.Duration
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Window is a single speech playback window. Observe feeds it chunk
// durations; onExpire runs once the accumulated window elapses. A stopped
// or expired window reopens on the next Observe.
type Window struct {
	cfg      Config
	onExpire func()

	mu      sync.Mutex
	active  bool
	started time.Time
	total   time.Duration
	timer   *time.Timer
	gen     int
}

func New(cfg Config, onExpire func()) *Window {
	if cfg.FirstChunkGrace <= 0 {
		cfg.FirstChunkGrace = defaultFirstChunkGrace
	}
	if cfg.NextChunkGrace <= 0 {
		cfg.NextChunkGrace = defaultNextChunkGrace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if onExpire == nil {
		onExpire = func() {}
	}
	return &Window{cfg: cfg, onExpire: onExpire}
}

// Observe records a chunk that just started playing. An open window is
// extended by the chunk duration plus grace, minus the time already burned
// since the previous chunk.
func (w *Window) Observe(duration time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.cfg.Now()
	if w.active {
		w.total += duration + w.cfg.NextChunkGrace - now.Sub(w.started)
		w.started = now
		if w.total < 0 {
			w.total = 0
		}
	} else {
		w.active = true
		w.started = now
		w.total = duration + w.cfg.FirstChunkGrace
	}
	w.armLocked(w.total)
}

// Stop cancels the window without firing onExpire.
func (w *Window) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resetLocked()
}

func (w *Window) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

func (w *Window) armLocked(d time.Duration) {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(d, func() { w.expire(gen) })
}

func (w *Window) resetLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
	w.active = false
	w.total = 0
}

func (w *Window) expire(gen int) {
	w.mu.Lock()
	if gen != w.gen {
		// A newer chunk re-armed the window after this timer was scheduled.
		w.mu.Unlock()
		return
	}
	w.resetLocked()
	w.mu.Unlock()
	w.onExpire()
}
