// Package job defines the Job type and the Store that owns job
// identifiers and the full set of live jobs, independent of which tube
// or session currently holds one.
package job

import (
	"sync"
	"time"

	"tubebroker/internal/clock"
)

// State is a job's position in its lifecycle.
type State int

const (
	StateDelayed State = iota
	StateReady
	StateReserved
)

func (s State) String() string {
	switch s {
	case StateDelayed:
		return "delayed"
	case StateReady:
		return "ready"
	case StateReserved:
		return "reserved"
	default:
		return "unknown"
	}
}

// Job is a single unit of work. A Job is only ever mutated while the
// broker's registry lock is held; it carries no lock of its own.
type Job struct {
	ID       uint64
	Tube     string
	Body     []byte
	Priority uint32
	TTR      time.Duration

	State State

	// Owner is the session currently holding this job in reservation.
	// Owner != nil iff State == StateReserved. This is the single
	// source of truth for ownership; sessions hold a pointer back to
	// their held job, but never the reverse without this field agreeing.
	Owner any

	// Seq breaks priority ties in the ready queue, lower first. Put sets
	// it to the job id, so ties go in put order; a job requeued by
	// release or TTR expiry keeps its original Seq.
	Seq uint64

	// ReadyAt is when a delayed job becomes eligible for the ready
	// queue. Unused once State != StateDelayed.
	ReadyAt time.Time

	// Deadline is the reservation's TTR expiry while State ==
	// StateReserved. Unused otherwise.
	Deadline time.Time

	// Timer is whichever pending callback currently governs this job's
	// next transition: delay promotion while StateDelayed, TTR expiry
	// while StateReserved. Exactly one is ever armed at a time.
	Timer clock.Timer

	// heapIndex is maintained by container/heap in tube.readyHeap or
	// tube.delayedHeap, whichever currently holds this job.
	heapIndex int
}

// HeapIndex and SetHeapIndex let internal/tube's heap.Interface track a
// job's position without tube importing job's private fields.
func (j *Job) HeapIndex() int     { return j.heapIndex }
func (j *Job) SetHeapIndex(i int) { j.heapIndex = i }

// Store allocates job ids and owns the id -> *Job registry. Its own mutex
// guards the map and the id counter; the jobs it holds are mutated by
// callers under internal/matcher's lock.
type Store struct {
	mu     sync.Mutex
	nextID uint64
	byID   map[uint64]*Job
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{byID: make(map[uint64]*Job)}
}

// Allocate returns a fresh, monotonically increasing job id.
func (s *Store) Allocate() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// Register adds j to the store under j.ID.
func (s *Store) Register(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[j.ID] = j
}

// Lookup returns the job with the given id, if still registered.
func (s *Store) Lookup(id uint64) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[id]
	return j, ok
}

// Unregister removes a job permanently (delete).
func (s *Store) Unregister(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
}

// Len reports the number of live jobs, for stats/introspection.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// TotalAllocated reports how many job ids have ever been handed out,
// including deleted jobs, for the total-jobs stat.
func (s *Store) TotalAllocated() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID
}

// ReservedCountForTube reports how many currently-reserved jobs belong
// to tube, for stats-tube.
func (s *Store) ReservedCountForTube(tubeName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.byID {
		if j.Tube == tubeName && j.State == StateReserved {
			n++
		}
	}
	return n
}
