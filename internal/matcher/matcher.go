// Package matcher owns the one piece of cross-cutting logic that has to
// see tubes, jobs and sessions together: pairing a ready job with a
// session blocked in reserve, and moving jobs between delayed, ready and
// reserved as timers fire. It is the single lock that everything else in
// this package list only touches under.
package matcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"tubebroker/internal/clock"
	"tubebroker/internal/job"
	"tubebroker/internal/session"
	"tubebroker/internal/tube"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrNoTubeInUse = errors.New("put without using a tube")
)

// Matcher coordinates the tube registry and job store under a single
// mutex, so a put that immediately satisfies a blocked reserve, a
// release that requeues a job, and a TTR expiry that does the same all
// observe and mutate consistent state.
type Matcher struct {
	mu      sync.Mutex
	tubes   *tube.Registry
	jobs    *job.Store
	clk     clock.Clock
	waiters map[string][]*session.Session

	// defaultTubeIsError selects how Put treats a session that never
	// issued `use`: true rejects it (the reduced model's default),
	// false falls back to a tube named "default" (the beanstalkd
	// reference behavior). Runtime-configurable; see internal/config.
	defaultTubeIsError bool
}

// New returns a Matcher over the given tube registry and job store,
// driven by clk. defaultTubeIsError selects Put's behavior for a
// session that never issued `use`.
func New(tubes *tube.Registry, jobs *job.Store, clk clock.Clock, defaultTubeIsError bool) *Matcher {
	return &Matcher{
		tubes:              tubes,
		jobs:               jobs,
		clk:                clk,
		waiters:            make(map[string][]*session.Session),
		defaultTubeIsError: defaultTubeIsError,
	}
}

func (m *Matcher) lock()   { m.mu.Lock() }
func (m *Matcher) unlock() { m.mu.Unlock() }

// Put creates a job on sess's in-use tube, returning its new id. A
// session that has never issued `use` either errors or falls back to the
// "default" tube, per defaultTubeIsError.
func (m *Matcher) Put(sess *session.Session, priority uint32, delay, ttr time.Duration, body []byte) (uint64, error) {
	tubeName := sess.UsingTube
	if tubeName == "" {
		if m.defaultTubeIsError {
			return 0, ErrNoTubeInUse
		}
		tubeName = "default"
	}

	m.lock()
	defer m.unlock()

	id := m.jobs.Allocate()
	j := &job.Job{
		ID:       id,
		Tube:     tubeName,
		Body:     body,
		Priority: priority,
		TTR:      ttr,
		Seq:      id,
	}
	m.jobs.Register(j)

	t := m.tubes.GetOrCreate(tubeName)
	if delay > 0 {
		m.delayLocked(t, j, delay)
	} else {
		t.PushReady(j)
		m.matchAllLocked(t.Name)
	}
	return id, nil
}

func (m *Matcher) delayLocked(t *tube.Tube, j *job.Job, delay time.Duration) {
	j.ReadyAt = m.clk.Now().Add(delay)
	t.PushDelayed(j)
	j.Timer = m.clk.AfterFunc(delay, func() { m.promote(j) })
}

func (m *Matcher) promote(j *job.Job) {
	m.lock()
	defer m.unlock()
	if j.State != job.StateDelayed {
		return
	}
	t := m.tubes.GetOrCreate(j.Tube)
	t.RemoveDelayed(j)
	t.PushReady(j)
	m.matchAllLocked(t.Name)
}

// Reserve blocks sess until a matching ready job arrives, the optional
// timeout elapses, or ctx is canceled (the connection is going away). A
// nil timeout blocks indefinitely, matching plain `reserve`.
func (m *Matcher) Reserve(ctx context.Context, sess *session.Session, timeout *time.Duration) (j *job.Job, timedOut bool) {
	m.lock()
	wait := &session.ReserveWait{
		Delivered: make(chan *job.Job, 1),
		TimedOut:  make(chan struct{}),
	}
	sess.Waiting = wait
	// Register as a waiter on every watched tube in watch order, then
	// attempt a match in that same order, so a session watching several
	// tubes that already have ready jobs receives the one on its
	// first-watched tube rather than whichever a map iteration happens
	// to visit first.
	for _, tubeName := range sess.Watching {
		m.waiters[tubeName] = append(m.waiters[tubeName], sess)
	}
	for _, tubeName := range sess.Watching {
		if sess.Waiting != wait {
			break
		}
		m.matchAllLocked(tubeName)
	}

	var timer clock.Timer
	if timeout != nil {
		d := *timeout
		timer = m.clk.AfterFunc(d, func() {
			m.lock()
			defer m.unlock()
			if sess.Waiting == wait {
				m.removeWaiterLocked(sess)
				sess.Waiting = nil
				close(wait.TimedOut)
			}
		})
	}
	m.unlock()

	select {
	case got := <-wait.Delivered:
		if timer != nil {
			timer.Stop()
		}
		return got, false
	case <-wait.TimedOut:
		return nil, true
	case <-ctx.Done():
		m.lock()
		if sess.Waiting == wait {
			m.removeWaiterLocked(sess)
			sess.Waiting = nil
		}
		m.unlock()
		if timer != nil {
			timer.Stop()
		}
		return nil, false
	}
}

// matchAllLocked pairs waiters of tubeName with ready jobs on that tube,
// FIFO on waiter arrival, until one side runs out. Caller must hold the
// lock.
func (m *Matcher) matchAllLocked(tubeName string) {
	t, ok := m.tubes.Get(tubeName)
	if !ok {
		return
	}
	for {
		waiters := m.waiters[tubeName]
		if len(waiters) == 0 {
			return
		}
		readyJob := t.PeekReady()
		if readyJob == nil {
			return
		}
		w := waiters[0]
		m.waiters[tubeName] = waiters[1:]
		if w.Waiting == nil {
			continue // already matched via another tube or timed out
		}
		t.PopReady()
		m.removeWaiterLocked(w)
		m.assignLocked(w, readyJob)
	}
}

func (m *Matcher) assignLocked(sess *session.Session, j *job.Job) {
	j.State = job.StateReserved
	j.Owner = sess
	j.Deadline = m.clk.Now().Add(j.TTR)
	j.Timer = m.clk.AfterFunc(j.TTR, func() { m.expire(j) })
	sess.HeldJob = j

	wait := sess.Waiting
	sess.Waiting = nil
	if wait != nil {
		wait.Delivered <- j
	}
}

func (m *Matcher) removeWaiterLocked(sess *session.Session) {
	for _, tubeName := range sess.Watching {
		list := m.waiters[tubeName]
		for i, s := range list {
			if s == sess {
				m.waiters[tubeName] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

func (m *Matcher) expire(j *job.Job) {
	m.lock()
	defer m.unlock()
	if j.State != job.StateReserved {
		return
	}
	if owner, ok := j.Owner.(*session.Session); ok && owner.HeldJob == j {
		owner.HeldJob = nil
	}
	j.Owner = nil
	t := m.tubes.GetOrCreate(j.Tube)
	t.PushReady(j)
	m.matchAllLocked(j.Tube)
}

// Delete removes a job permanently. Any session may delete a job it does
// not hold (delayed or ready); a reserved job may only be deleted by its
// owner.
func (m *Matcher) Delete(sess *session.Session, id uint64) error {
	m.lock()
	defer m.unlock()

	j, ok := m.jobs.Lookup(id)
	if !ok {
		return ErrNotFound
	}
	switch j.State {
	case job.StateReserved:
		owner, _ := j.Owner.(*session.Session)
		if owner != sess {
			return ErrNotFound
		}
		m.stopTimer(j)
		sess.HeldJob = nil
	case job.StateReady:
		t := m.tubes.GetOrCreate(j.Tube)
		t.RemoveReady(j)
	case job.StateDelayed:
		t := m.tubes.GetOrCreate(j.Tube)
		t.RemoveDelayed(j)
		m.stopTimer(j)
	}
	m.jobs.Unregister(id)
	return nil
}

// Release gives up a reserved job, optionally with a new priority and
// delay before it becomes ready again.
func (m *Matcher) Release(sess *session.Session, id uint64, priority uint32, delay time.Duration) error {
	m.lock()
	defer m.unlock()

	j, ok := m.jobs.Lookup(id)
	if !ok || j.State != job.StateReserved {
		return ErrNotFound
	}
	owner, _ := j.Owner.(*session.Session)
	if owner != sess {
		return ErrNotFound
	}

	m.stopTimer(j)
	sess.HeldJob = nil
	j.Owner = nil
	j.Priority = priority

	t := m.tubes.GetOrCreate(j.Tube)
	if delay > 0 {
		m.delayLocked(t, j, delay)
	} else {
		t.PushReady(j)
		m.matchAllLocked(j.Tube)
	}
	return nil
}

// Touch resets a reserved job's TTR deadline, as if it had just been
// reserved again.
func (m *Matcher) Touch(sess *session.Session, id uint64) error {
	m.lock()
	defer m.unlock()

	j, ok := m.jobs.Lookup(id)
	if !ok || j.State != job.StateReserved {
		return ErrNotFound
	}
	owner, _ := j.Owner.(*session.Session)
	if owner != sess {
		return ErrNotFound
	}
	j.Deadline = m.clk.Now().Add(j.TTR)
	if j.Timer != nil {
		j.Timer.Reset(j.TTR)
	}
	return nil
}

func (m *Matcher) stopTimer(j *job.Job) {
	if j.Timer != nil {
		j.Timer.Stop()
		j.Timer = nil
	}
}

// Drop is called when a connection closes. It releases any job the
// session held (back to ready, no delay) and removes the session from
// every tube's waiter list.
func (m *Matcher) Drop(sess *session.Session) {
	m.lock()
	defer m.unlock()

	m.removeWaiterLocked(sess)
	sess.Waiting = nil

	if j := sess.HeldJob; j != nil {
		m.stopTimer(j)
		j.Owner = nil
		sess.HeldJob = nil
		t := m.tubes.GetOrCreate(j.Tube)
		t.PushReady(j)
		m.matchAllLocked(j.Tube)
	}
}

// Jobs exposes the underlying store for introspection commands
// (stats-job) that need a job without mutating broker state.
func (m *Matcher) Jobs() *job.Store { return m.jobs }

// Tubes exposes the underlying registry for introspection commands
// (stats-tube, list-tubes).
func (m *Matcher) Tubes() *tube.Registry { return m.tubes }

// WithLock runs fn with the registry lock held, for callers (stats
// commands) that need a consistent snapshot across tubes and jobs.
func (m *Matcher) WithLock(fn func()) {
	m.lock()
	defer m.unlock()
	fn()
}
