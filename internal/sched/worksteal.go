package sched

import (
	"sync"

	"taskrt/internal/core"
)

func init() {
	Register("wsteal", func(workerCount int) Policy { return NewWorkStealing(workerCount) })
	Register("fifo", func(int) Policy { return NewFIFO() })
}

// WorkStealing is the default policy: each worker owns a LIFO deque and
// steals FIFO from the opposite end of its peers when idle. Every untied
// task handed to OnReady lands on a shared inbox drained before stealing.
// Tied tasks go straight to the owning worker's deque and are never stolen.
//
// Mutex-guarded deques are deliberate: steals are rare relative to local
// pops, so the contention does not pay for a lock-free structure.
type WorkStealing struct {
	inbox  deque
	deques []deque
}

// NewWorkStealing builds the policy for workerCount workers.
func NewWorkStealing(workerCount int) *WorkStealing {
	return &WorkStealing{deques: make([]deque, workerCount)}
}

func (p *WorkStealing) OnReady(t Runnable) {
	if w := t.TiedWorker(); w != core.NoWorker && int(w) < len(p.deques) {
		p.deques[w].pushBack(t)
		return
	}
	p.inbox.pushBack(t)
}

func (p *WorkStealing) OnRequest(w WorkerInfo) Runnable {
	// Own deque first, newest work first for locality.
	if t := p.deques[w.ID].popBackEligible(w); t != nil {
		return t
	}
	if t := p.inbox.popFrontEligible(w); t != nil {
		return t
	}
	// Steal oldest work from a peer, scanning ring order from our right.
	n := len(p.deques)
	for i := 1; i < n; i++ {
		victim := (int(w.ID) + i) % n
		if t := p.deques[victim].popFrontEligible(w); t != nil {
			return t
		}
	}
	return nil
}

func (p *WorkStealing) OnPrefetch(w WorkerInfo, current Runnable) Runnable {
	return p.OnRequest(w)
}

func (p *WorkStealing) Len() int {
	n := p.inbox.len()
	for i := range p.deques {
		n += p.deques[i].len()
	}
	return n
}

// FIFO is a single shared queue, first come first served. It exists for
// deterministic tests and as the simplest schedule option.
type FIFO struct {
	q deque
}

func NewFIFO() *FIFO { return &FIFO{} }

func (p *FIFO) OnReady(t Runnable)           { p.q.pushBack(t) }
func (p *FIFO) OnRequest(w WorkerInfo) Runnable { return p.q.popFrontEligible(w) }
func (p *FIFO) OnPrefetch(w WorkerInfo, current Runnable) Runnable {
	return p.q.popFrontEligible(w)
}
func (p *FIFO) Len() int { return p.q.len() }

// deque is a mutex-guarded double-ended queue of ready tasks. Eligibility
// filtering happens at pop time: ineligible tasks are skipped in place, not
// reordered.
type deque struct {
	mu    sync.Mutex
	items []Runnable
}

func (d *deque) pushBack(t Runnable) {
	d.mu.Lock()
	d.items = append(d.items, t)
	d.mu.Unlock()
}

func (d *deque) popBackEligible(w WorkerInfo) Runnable {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.items) - 1; i >= 0; i-- {
		if eligible(d.items[i], w) {
			t := d.items[i]
			d.items = append(d.items[:i], d.items[i+1:]...)
			return t
		}
	}
	return nil
}

func (d *deque) popFrontEligible(w WorkerInfo) Runnable {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < len(d.items); i++ {
		if eligible(d.items[i], w) {
			t := d.items[i]
			d.items = append(d.items[:i], d.items[i+1:]...)
			return t
		}
	}
	return nil
}

func (d *deque) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}
