package server

import (
	"sync"
	"time"
)

// reconnectGuard refuses devices that reconnect more than max times within
// window, for cooldown. Devices are keyed by fingerprint so a flapping node
// is caught before it gets a node id.
type reconnectGuard struct {
	window   time.Duration
	max      int
	cooldown time.Duration
	now      func() time.Time

	mu      sync.Mutex
	devices map[string]*reconnects
}

type reconnects struct {
	times []time.Time
	until time.Time
}

func newReconnectGuard(window time.Duration, max int, cooldown time.Duration) *reconnectGuard {
	return &reconnectGuard{
		window:   window,
		max:      max,
		cooldown: cooldown,
		now:      time.Now,
		devices:  make(map[string]*reconnects),
	}
}

// Allow records a connect attempt of fingerprint. When the device is cooling
// down it returns false and how long it has left.
func (g *reconnectGuard) Allow(fingerprint string) (bool, time.Duration) {
	if g == nil || g.max <= 0 || g.window <= 0 {
		return true, 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	r, ok := g.devices[fingerprint]
	if !ok {
		r = &reconnects{}
		g.devices[fingerprint] = r
	}
	if now.Before(r.until) {
		return false, r.until.Sub(now)
	}

	cutoff := now.Add(-g.window)
	fresh := r.times[:0]
	for _, t := range r.times {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	r.times = append(fresh, now)

	if len(r.times) > g.max {
		r.until = now.Add(g.cooldown)
		r.times = nil
		return false, g.cooldown
	}
	return true, 0
}

// Prune forgets devices with no recent connects and no running cooldown.
func (g *reconnectGuard) Prune() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	cutoff := now.Add(-g.window)
	n := 0
	for fp, r := range g.devices {
		if now.Before(r.until) {
			continue
		}
		if len(r.times) == 0 || !r.times[len(r.times)-1].After(cutoff) {
			delete(g.devices, fp)
			n++
		}
	}
	return n
}
