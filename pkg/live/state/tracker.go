// Package state tracks which conversation activities are currently live:
// recording the user, waiting on the language model, analyzing speech, and
// playing synthesized speech. Activities overlap, so the tracker keeps a
// counter per activity rather than a single mode.
package state

import "sync"

type State uint8

const (
	Recording State = iota
	LLM
	Analyzing
	Speaking

	numStates
)

func (s State) String() string {
	switch s {
	case Recording:
		return "RECORDING"
	case LLM:
		return "LLM"
	case Analyzing:
		return "ANALYZING"
	case Speaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// Set is the externally visible projection of the counters: which activities
// have a count above zero.
type Set uint8

func (s Set) Has(state State) bool {
	if state >= numStates {
		return false
	}
	return s&(1<<state) != 0
}

func (s Set) States() []State {
	out := make([]State, 0, numStates)
	for st := State(0); st < numStates; st++ {
		if s.Has(st) {
			out = append(out, st)
		}
	}
	return out
}

type counts [numStates]int

// apply is the pure transition function. Analyzing is reference counted
// because several pending sentences can be in flight at once; the other
// activities are at most singly active.
func apply(c counts, add, remove []State) counts {
	for _, s := range add {
		if s >= numStates {
			continue
		}
		if s == Analyzing {
			c[s]++
		} else {
			c[s] = 1
		}
	}
	for _, s := range remove {
		if s >= numStates {
			continue
		}
		if s == Analyzing {
			if c[s] > 0 {
				c[s]--
			}
		} else {
			c[s] = 0
		}
	}
	return c
}

func (c counts) set() Set {
	var s Set
	for i, n := range c {
		if n > 0 {
			s |= 1 << State(i)
		}
	}
	return s
}

// Tracker holds the counters and fans out the active set to subscribers.
// Subscribers are only notified when the projected set actually changes,
// except for Reset which always notifies.
type Tracker struct {
	mu     sync.Mutex
	counts counts
	subs   map[int]func(Set)
	nextID int
}

func NewTracker() *Tracker {
	return &Tracker{subs: make(map[int]func(Set))}
}

// Apply adds then removes the given activities as one transition.
func (t *Tracker) Apply(add, remove []State) {
	t.mu.Lock()
	before := t.counts.set()
	t.counts = apply(t.counts, add, remove)
	after := t.counts.set()
	var fns []func(Set)
	if after != before {
		fns = t.snapshotSubsLocked()
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(after)
	}
}

// Reset zeroes every counter and notifies unconditionally, so subscribers
// can rely on a reset event even when nothing was active.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.counts = counts{}
	fns := t.snapshotSubsLocked()
	t.mu.Unlock()

	for _, fn := range fns {
		fn(0)
	}
}

func (t *Tracker) Active() Set {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts.set()
}

// Subscribe registers fn for set changes and returns its remover. The
// remover is idempotent.
func (t *Tracker) Subscribe(fn func(Set)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

func (t *Tracker) snapshotSubsLocked() []func(Set) {
	fns := make([]func(Set), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	return fns
}
