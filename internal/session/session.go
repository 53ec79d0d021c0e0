// Package session holds per-connection state: which tube a session uses
// for put, which tubes it watches for reserve, and the job (if any) it
// currently holds in reservation. It outlives many commands over the
// life of one connection.
package session

import (
	"sync"

	"tubebroker/internal/job"
)

// Session is the broker-side state for one connection. HeldJob and
// Waiting are only mutated under internal/matcher's lock; UsingTube and
// Watching are changed only by the connection's own command handling.
// Out carries every reply from the connection's reader goroutine to its
// writer goroutine; writeMu guards Close.
type Session struct {
	ID   string
	Peer string

	UsingTube string

	// Watching is the ordered list of tubes this session watches for
	// reserve, first-added first, with duplicates forbidden. Order
	// matters: when more than one watched tube has a ready job, the
	// session's watch order decides which one it receives.
	Watching []string

	// HeldJob is the job this session currently owns via reserve.
	// Mirrors job.Job.Owner == this Session; kept in sync by
	// internal/matcher, which is the only place both fields move
	// together.
	HeldJob *job.Job

	// Waiting is non-nil while this session is blocked in reserve,
	// set by internal/matcher so matchAllLocked can hand a newly ready
	// job straight to a waiting session.
	Waiting *ReserveWait

	// Out carries reply bytes (including RESERVED frames) to this
	// session's writer goroutine.
	Out chan []byte

	writeMu sync.Mutex
}

// ReserveWait is the state a session parks in while blocked in reserve
// or reserve-with-timeout.
type ReserveWait struct {
	// Delivered receives the matched job exactly once.
	Delivered chan *job.Job
	// TimedOut is closed by the reserve's own timeout callback in
	// internal/matcher if the deadline elapses before a job is delivered.
	TimedOut chan struct{}
}

// New returns a fresh Session for a newly accepted connection. A session
// starts watching nothing: watch is always explicit, matching the
// reduced model's treatment of missing `use` as an error rather than an
// implicit `default` tube.
func New(id, peer string) *Session {
	return &Session{
		ID:   id,
		Peer: peer,
		Out:  make(chan []byte, 64),
	}
}

// IsWatching reports whether the session currently watches tube.
func (s *Session) IsWatching(tube string) bool {
	for _, t := range s.Watching {
		if t == tube {
			return true
		}
	}
	return false
}

// Watch adds tube to the watch list if not already present, returning
// the resulting count. New tubes are appended, preserving first-added
// order.
func (s *Session) Watch(tube string) int {
	if !s.IsWatching(tube) {
		s.Watching = append(s.Watching, tube)
	}
	return len(s.Watching)
}

// Ignore removes tube from the watch list. It refuses to remove the last
// watched tube, returning ok=false in that case (NOT_IGNORED), per the
// reference protocol's behavior: a session must always watch at least
// one tube once it watches any.
func (s *Session) Ignore(tube string) (count int, ok bool) {
	if len(s.Watching) <= 1 {
		return len(s.Watching), false
	}
	for i, t := range s.Watching {
		if t == tube {
			s.Watching = append(s.Watching[:i], s.Watching[i+1:]...)
			break
		}
	}
	return len(s.Watching), true
}

// WatchedTubes returns the tube names this session currently watches, in
// watch order.
func (s *Session) WatchedTubes() []string {
	out := make([]string, len(s.Watching))
	copy(out, s.Watching)
	return out
}

// Send enqueues a raw reply line for delivery to the connection. It
// never blocks the caller on i/o; if the outbound queue is full the
// session is treated as unresponsive and the send is dropped rather than
// stalling the broker's registry lock.
func (s *Session) Send(line []byte) {
	select {
	case s.Out <- line:
	default:
	}
}

// Close marks the session's output channel closed so its writer
// goroutine exits. Safe to call once per session.
func (s *Session) Close() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	close(s.Out)
}
