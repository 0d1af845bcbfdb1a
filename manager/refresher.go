package manager

import (
	"sync"
	"time"
)

// Refresher coalesces bursts of state changes into a single presentation
// refresh that fires once no new change arrived for the configured delay.
type Refresher struct {
	mu     sync.Mutex
	delay  time.Duration
	timer  *time.Timer
	gen    uint64 // Identifies the pending timer
	fn     func()
	closed bool
}

// NewRefresher creates a Refresher. The refresh function can be set later
// with OnRefresh; until then triggers are dropped.
func NewRefresher(delay time.Duration) *Refresher {
	return &Refresher{delay: delay}
}

// OnRefresh sets the function run on each coalesced refresh.
func (r *Refresher) OnRefresh(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fn = fn
}

// Trigger schedules a refresh, pushing back any refresh already pending.
func (r *Refresher) Trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.gen++
	gen := r.gen
	r.timer = time.AfterFunc(r.delay, func() { r.fire(gen) })
}

// fire runs the refresh unless the timer was superseded after it expired.
func (r *Refresher) fire(gen uint64) {
	r.mu.Lock()
	if r.closed || gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	fn := r.fn
	r.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Close cancels a pending refresh and ignores further triggers.
func (r *Refresher) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
