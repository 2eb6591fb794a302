package main

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type stats struct {
	n      int
	min    time.Duration
	median time.Duration
	p95    time.Duration
	max    time.Duration
}

func summarize(values []time.Duration) stats {
	if len(values) == 0 {
		return stats{}
	}
	sorted := make([]time.Duration, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	pick := func(q float64) time.Duration {
		idx := int(q * float64(len(sorted)))
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}
	return stats{
		n:      len(sorted),
		min:    sorted[0],
		median: pick(0.5),
		p95:    pick(0.95),
		max:    sorted[len(sorted)-1],
	}
}

func (s stats) String() string {
	if s.n == 0 {
		return "n=0"
	}
	return fmt.Sprintf("n=%d min=%s p50=%s p95=%s max=%s", s.n, fmtMs(s.min), fmtMs(s.median), fmtMs(s.p95), fmtMs(s.max))
}

func fmtMs(d time.Duration) string {
	return fmt.Sprintf("%.1fms", float64(d.Microseconds())/1000)
}

// ring keeps the most recent samples; older ones are overwritten.
type ring struct {
	mu         sync.Mutex
	buf        []time.Duration
	next       int
	hasWrapped bool
	errors     int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 4096
	}
	return &ring{buf: make([]time.Duration, 0, capacity)}
}

func (r *ring) add(v time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) < cap(r.buf) {
		r.buf = append(r.buf, v)
		return
	}
	r.hasWrapped = true
	r.buf[r.next] = v
	r.next++
	if r.next >= len(r.buf) {
		r.next = 0
	}
}

func (r *ring) fail() {
	r.mu.Lock()
	r.errors++
	r.mu.Unlock()
}

func (r *ring) failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errors
}

func (r *ring) snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return nil
	}
	out := make([]time.Duration, 0, len(r.buf))
	if !r.hasWrapped || r.next == 0 {
		return append(out, r.buf...)
	}
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
