// Package barrier provides the two global coordination points the
// update path depends on: a reference-counted writes gate that rejects
// new transactions once the filesystem is going read-only, and the
// quiescence barrier background scans use to wait out in-flight writers.
package barrier

import "sync"

// Gate is the filesystem-writes-permitted gate. Every transaction must
// acquire it before doing any work and release it on every exit path.
type Gate struct {
	mu     sync.Mutex
	refs   int
	closed bool
	idle   *sync.Cond
}

// NewGate returns an open gate.
func NewGate() *Gate {
	g := &Gate{}
	g.idle = sync.NewCond(&g.mu)
	return g
}

// TryGet acquires a reference. Fails once Shutdown has begun.
func (g *Gate) TryGet() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.refs++
	return true
}

// Put releases a reference.
func (g *Gate) Put() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refs--
	if g.refs < 0 {
		panic("barrier: gate refcount underflow")
	}
	if g.refs == 0 {
		g.idle.Broadcast()
	}
}

// Shutdown rejects new acquisitions and blocks until in-flight holders
// drain.
func (g *Gate) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for g.refs > 0 {
		g.idle.Wait()
	}
}

// Quiesce is the global consistency barrier. A background scan holds it
// exclusively while it needs the tree quiescent; writers that trip over
// it cycle the shared side to wait the scan out before retrying.
type Quiesce struct {
	mu sync.RWMutex
}

// NewQuiesce returns a barrier with no section in progress.
func NewQuiesce() *Quiesce { return &Quiesce{} }

// Enter begins a quiescent section (scan side).
func (q *Quiesce) Enter() { q.mu.Lock() }

// Leave ends a quiescent section.
func (q *Quiesce) Leave() { q.mu.Unlock() }

// Cycle waits for any in-progress quiescent section to finish. Writers
// call this before retrying a transaction that lost to a scan.
func (q *Quiesce) Cycle() {
	q.mu.RLock()
	q.mu.RUnlock()
}
