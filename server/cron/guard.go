// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package cron

import (
	"sync"
	"sync/atomic"
)

// Guard is a set of named try-locks. A job holding its name's lock is not
// started again until the lock is released.
type Guard struct {
	mtx   sync.Mutex
	flags map[string]*atomic.Bool
}

// NewGuard is the constructor for a Guard.
func NewGuard() *Guard {
	return &Guard{flags: make(map[string]*atomic.Bool)}
}

func (g *Guard) flag(name string) *atomic.Bool {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	f, found := g.flags[name]
	if !found {
		f = new(atomic.Bool)
		g.flags[name] = f
	}
	return f
}

// TryLock takes the lock for name if it is free. The returned release
// function must be called exactly once when ok is true.
func (g *Guard) TryLock(name string) (release func(), ok bool) {
	f := g.flag(name)
	if !f.CompareAndSwap(false, true) {
		return nil, false
	}
	return func() { f.Store(false) }, true
}

// Busy is true while the lock for name is held.
func (g *Guard) Busy(name string) bool {
	return g.flag(name).Load()
}
