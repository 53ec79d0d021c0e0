// Package tube implements per-tube state: the ready queue (priority
// order with FIFO tie-break), the set of delayed jobs waiting to become
// ready, and the set of sessions currently watching the tube.
package tube

import (
	"container/heap"
	"sync"

	"tubebroker/internal/job"
)

// Tube holds the queues for a single named tube. Tube itself holds no
// lock: its queues are mutated under internal/matcher's lock, and its
// watcher set under the owning Registry's lock.
type Tube struct {
	Name string

	ready   readyHeap
	delayed delayedHeap

	// watchers is the set of sessions currently watching this tube,
	// keyed by an opaque session identity (a *session.Session in
	// practice; kept as `any` here so this package never imports the
	// session package, matching the original's ensure_tube_has_client
	// / ensure_tube_without_client bookkeeping without the import
	// cycle that would create).
	watchers map[any]struct{}
}

func newTube(name string) *Tube {
	return &Tube{Name: name, watchers: make(map[any]struct{})}
}

// WatcherCount reports how many sessions currently watch this tube.
func (t *Tube) WatcherCount() int { return len(t.watchers) }

func (t *Tube) addWatcher(w any)    { t.watchers[w] = struct{}{} }
func (t *Tube) removeWatcher(w any) { delete(t.watchers, w) }

// PushReady inserts j into the ready heap.
func (t *Tube) PushReady(j *job.Job) {
	j.State = job.StateReady
	heap.Push(&t.ready, j)
}

// PeekReady returns the best (highest-priority, earliest) ready job
// without removing it, or nil if the ready queue is empty.
func (t *Tube) PeekReady() *job.Job {
	if len(t.ready) == 0 {
		return nil
	}
	return t.ready[0]
}

// PopReady removes and returns the best ready job, or nil if empty.
func (t *Tube) PopReady() *job.Job {
	if len(t.ready) == 0 {
		return nil
	}
	return heap.Pop(&t.ready).(*job.Job)
}

// ReadyLen reports the number of ready jobs.
func (t *Tube) ReadyLen() int { return len(t.ready) }

// PushDelayed inserts j into the delayed heap, ordered by j.ReadyAt.
func (t *Tube) PushDelayed(j *job.Job) {
	j.State = job.StateDelayed
	heap.Push(&t.delayed, j)
}

// DelayedLen reports the number of delayed jobs.
func (t *Tube) DelayedLen() int { return len(t.delayed) }

// RemoveReady removes j from the ready heap. j must currently be in it.
func (t *Tube) RemoveReady(j *job.Job) {
	heap.Remove(&t.ready, j.HeapIndex())
}

// RemoveDelayed removes j from the delayed heap. j must currently be in it.
func (t *Tube) RemoveDelayed(j *job.Job) {
	heap.Remove(&t.delayed, j.HeapIndex())
}

// Registry owns every tube, keyed by name, created on first reference
// exactly as beanstalkd's reduced model requires (use/watch/put on an
// unseen name brings the tube into existence).
type Registry struct {
	mu    sync.Mutex
	tubes map[string]*Tube
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tubes: make(map[string]*Tube)}
}

// GetOrCreate returns the named tube, creating it if this is the first
// reference.
func (r *Registry) GetOrCreate(name string) *Tube {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(name)
}

func (r *Registry) getOrCreateLocked(name string) *Tube {
	t, ok := r.tubes[name]
	if !ok {
		t = newTube(name)
		r.tubes[name] = t
	}
	return t
}

// Get returns the named tube without creating it.
func (r *Registry) Get(name string) (*Tube, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tubes[name]
	return t, ok
}

// AddWatcher registers w as a watcher of the named tube, creating the
// tube if necessary (watch brings a tube into existence just like use).
func (r *Registry) AddWatcher(name string, w any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreateLocked(name).addWatcher(w)
}

// RemoveWatcher removes w as a watcher of the named tube. The tube, if
// now empty and unwatched, is left in place: an empty tube with no jobs
// and no watchers is harmless and the reduced model never garbage
// collects tubes (no component needs to).
func (r *Registry) RemoveWatcher(name string, w any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tubes[name]; ok {
		t.removeWatcher(w)
	}
}

// Names returns every tube name currently known to the registry, for
// list-tubes.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tubes))
	for name := range r.tubes {
		out = append(out, name)
	}
	return out
}
