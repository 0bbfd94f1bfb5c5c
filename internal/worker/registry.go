package worker

import "sync"

// StopReason tells a running job why it should stop at the next chunk boundary.
type StopReason int

const (
	StopNone StopReason = iota
	// StopShutdown pauses the job so it can be resumed later.
	StopShutdown
	// StopCancelled abandons the job; the controller has already marked it cancelled.
	StopCancelled
)

func (r StopReason) String() string {
	switch r {
	case StopShutdown:
		return "shutdown"
	case StopCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// claim is one job held by this process.
type claim struct {
	jobID string

	mu     sync.Mutex
	reason StopReason
	stop   chan struct{}
}

func (c *claim) signal(reason StopReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason != StopNone {
		// A user cancel overrides a pending shutdown pause.
		if reason == StopCancelled {
			c.reason = reason
		}
		return
	}
	c.reason = reason
	close(c.stop)
}

func (c *claim) stopReason() StopReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Registry tracks the jobs this process is processing, keyed by job id. It only
// de-duplicates work inside one process; the job store's conditional status
// updates arbitrate between processes.
type Registry struct {
	mu     sync.Mutex
	claims map[string]*claim
}

func NewRegistry() *Registry {
	return &Registry{claims: make(map[string]*claim)}
}

// acquire returns false when the job is already being processed.
func (r *Registry) acquire(jobID string) (*claim, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.claims[jobID]; held {
		return nil, false
	}
	c := &claim{jobID: jobID, stop: make(chan struct{})}
	r.claims[jobID] = c
	return c, true
}

func (r *Registry) release(c *claim) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claims[c.jobID] == c {
		delete(r.claims, c.jobID)
	}
}

// Signal asks a held job to stop. It reports whether the job was held here.
func (r *Registry) Signal(jobID string, reason StopReason) bool {
	r.mu.Lock()
	c, ok := r.claims[jobID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	c.signal(reason)
	return true
}

func (r *Registry) signalAll(reason StopReason) {
	r.mu.Lock()
	held := make([]*claim, 0, len(r.claims))
	for _, c := range r.claims {
		held = append(held, c)
	}
	r.mu.Unlock()

	for _, c := range held {
		c.signal(reason)
	}
}

func (r *Registry) Held(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.claims[jobID]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.claims)
}
