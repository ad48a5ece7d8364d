// Package timers provides a per-component registry of named, cancelable
// timers.
//
// Every dwell, expiry and polling timer of a component is scheduled through
// one [Registry], so teardown cancels all of them in a single [Registry.StopAll]
// call. A timer that was canceled or replaced never runs its callback, even
// when the underlying clock had already fired it.
//
// The registry is bound to the owning component's lock. All methods must be
// called with that lock held, and callbacks run with that lock held, which
// gives each component a single serialized view of its state no matter
// whether a transition was triggered by a caller or by a timer.
package timers

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// entry is one scheduled timer. id changes whenever the name is re-armed
// with a new callback, which is how stale firings are detected.
type entry struct {
	id     uint64
	period time.Duration // zero for one-shot timers
	timer  *clock.Timer
}

// Registry tracks the pending timers of one component.
// It is not safe for concurrent use on its own; see the package docs.
type Registry struct {
	clk    clock.Clock
	owner  sync.Locker
	seq    uint64
	timers map[string]*entry
	closed bool
}

// New returns a Registry scheduling on clk. owner is the lock that guards the
// owning component's state.
func New(clk clock.Clock, owner sync.Locker) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clk:    clk,
		owner:  owner,
		timers: make(map[string]*entry),
	}
}

// Clock returns the clock the registry schedules on.
func (r *Registry) Clock() clock.Clock { return r.clk }

// After schedules fn to run once after d under name. A pending timer with
// the same name is canceled first. Returns false if the registry was stopped.
func (r *Registry) After(name string, d time.Duration, fn func()) bool {
	return r.schedule(name, d, 0, fn)
}

// Every schedules fn to run every d under name until canceled. A pending
// timer with the same name is canceled first. Returns false if the registry
// was stopped.
func (r *Registry) Every(name string, d time.Duration, fn func()) bool {
	return r.schedule(name, d, d, fn)
}

func (r *Registry) schedule(name string, d, period time.Duration, fn func()) bool {
	if r.closed {
		return false
	}
	r.Cancel(name)
	r.seq++
	e := &entry{id: r.seq, period: period}
	id := e.id
	e.timer = r.clk.AfterFunc(d, func() { r.fire(name, id, fn) })
	r.timers[name] = e
	return true
}

// fire runs fn if the timer identified by (name, id) is still the current one.
func (r *Registry) fire(name string, id uint64, fn func()) {
	r.owner.Lock()
	defer r.owner.Unlock()

	e, ok := r.timers[name]
	if !ok || e.id != id || r.closed {
		return
	}
	if e.period == 0 {
		delete(r.timers, name)
		fn()
		return
	}

	fn()
	// fn may have canceled or replaced this timer, or stopped the registry.
	if cur, ok := r.timers[name]; !ok || cur.id != id || r.closed {
		return
	}
	e.timer = r.clk.AfterFunc(e.period, func() { r.fire(name, id, fn) })
}

// Cancel stops the timer registered under name. It reports whether a
// pending timer was removed.
func (r *Registry) Cancel(name string) bool {
	e, ok := r.timers[name]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(r.timers, name)
	return true
}

// Pending reports whether a timer is registered under name.
func (r *Registry) Pending(name string) bool {
	_, ok := r.timers[name]
	return ok
}

// Len returns the number of pending timers.
func (r *Registry) Len() int { return len(r.timers) }

// CancelAll stops every pending timer but keeps the registry usable.
func (r *Registry) CancelAll() {
	for name := range r.timers {
		r.Cancel(name)
	}
}

// StopAll stops every pending timer and refuses further scheduling.
// It is idempotent.
func (r *Registry) StopAll() {
	r.CancelAll()
	r.closed = true
}

// Stopped reports whether [Registry.StopAll] has been called.
func (r *Registry) Stopped() bool { return r.closed }
