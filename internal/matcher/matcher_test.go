package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubebroker/internal/clock"
	"tubebroker/internal/job"
	"tubebroker/internal/session"
	"tubebroker/internal/tube"
)

func newTestMatcher() (*Matcher, *clock.Fake) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	m := New(tube.NewRegistry(), job.NewStore(), fc, true)
	return m, fc
}

func newWatcher(m *Matcher, name string, tubes ...string) *session.Session {
	s := session.New(name, name)
	s.Watching = append([]string{}, tubes...)
	return s
}

func TestPutThenReserveImmediateMatch(t *testing.T) {
	m, _ := newTestMatcher()
	putter := session.New("p", "p")
	putter.UsingTube = "foo"

	id, err := m.Put(putter, 10, 0, time.Minute, []byte("hi"))
	require.NoError(t, err)

	watcher := newWatcher(m, "w", "foo")
	j, timedOut := m.Reserve(context.Background(), watcher, nil)
	require.False(t, timedOut)
	require.NotNil(t, j)
	assert.Equal(t, id, j.ID)
	assert.Equal(t, []byte("hi"), j.Body)
	assert.Same(t, watcher, watcher.HeldJob.Owner.(*session.Session))
}

func TestReserveBeforePutAcrossTwoSessions(t *testing.T) {
	m, _ := newTestMatcher()
	watcher := newWatcher(m, "w", "bar")

	resultCh := make(chan *job.Job, 1)
	go func() {
		j, _ := m.Reserve(context.Background(), watcher, nil)
		resultCh <- j
	}()

	// give the reserve call time to register as a waiter
	time.Sleep(10 * time.Millisecond)

	putter := session.New("p", "p")
	putter.UsingTube = "bar"
	id, err := m.Put(putter, 5, 0, time.Minute, []byte("hey"))
	require.NoError(t, err)

	select {
	case j := <-resultCh:
		require.NotNil(t, j)
		assert.Equal(t, id, j.ID)
	case <-time.After(time.Second):
		t.Fatal("reserve never matched the put")
	}
}

func TestPriorityOrderAcrossTwoJobs(t *testing.T) {
	m, _ := newTestMatcher()
	putter := session.New("p", "p")
	putter.UsingTube = "foo"

	_, err := m.Put(putter, 100, 0, time.Minute, []byte("low"))
	require.NoError(t, err)
	urgentID, err := m.Put(putter, 1, 0, time.Minute, []byte("urgent"))
	require.NoError(t, err)

	watcher := newWatcher(m, "w", "foo")
	j, _ := m.Reserve(context.Background(), watcher, nil)
	require.NotNil(t, j)
	assert.Equal(t, urgentID, j.ID, "lower priority number must be reserved first")
}

func TestWatchOrderDeterminesWhichTubeIsServedFirst(t *testing.T) {
	m, _ := newTestMatcher()
	putter := session.New("p", "p")

	putter.UsingTube = "a"
	idA, err := m.Put(putter, 10, 0, time.Minute, []byte("from a"))
	require.NoError(t, err)
	putter.UsingTube = "b"
	_, err = m.Put(putter, 10, 0, time.Minute, []byte("from b"))
	require.NoError(t, err)

	// watches b before a, so a ready job on b must win even though a's
	// job was put first and both are ready when Reserve runs.
	watcher := newWatcher(m, "w", "b", "a")
	j, timedOut := m.Reserve(context.Background(), watcher, nil)
	require.False(t, timedOut)
	require.NotNil(t, j)
	assert.NotEqual(t, idA, j.ID, "must be served from the first-watched tube, not map iteration order")
	assert.Equal(t, "b", j.Tube)
}

func TestDelayedJobBecomesReadyAfterPromotion(t *testing.T) {
	m, fc := newTestMatcher()
	putter := session.New("p", "p")
	putter.UsingTube = "foo"

	_, err := m.Put(putter, 10, 5*time.Second, time.Minute, []byte("later"))
	require.NoError(t, err)

	watcher := newWatcher(m, "w", "foo")
	done := make(chan *job.Job, 1)
	go func() {
		j, _ := m.Reserve(context.Background(), watcher, nil)
		done <- j
	}()
	time.Sleep(10 * time.Millisecond)

	fc.Advance(5 * time.Second)

	select {
	case j := <-done:
		require.NotNil(t, j)
	case <-time.After(time.Second):
		t.Fatal("delayed job never reached the waiting reserve")
	}
}

func TestReserveWithTimeoutExpires(t *testing.T) {
	m, fc := newTestMatcher()
	watcher := newWatcher(m, "w", "foo")

	done := make(chan bool, 1)
	to := 2 * time.Second
	go func() {
		_, timedOut := m.Reserve(context.Background(), watcher, &to)
		done <- timedOut
	}()
	time.Sleep(10 * time.Millisecond)
	fc.Advance(2 * time.Second)

	select {
	case timedOut := <-done:
		assert.True(t, timedOut)
	case <-time.After(time.Second):
		t.Fatal("reserve-with-timeout never timed out")
	}
}

func TestDeleteByNonOwnerOfReservedJobFails(t *testing.T) {
	m, _ := newTestMatcher()
	putter := session.New("p", "p")
	putter.UsingTube = "foo"
	id, _ := m.Put(putter, 1, 0, time.Minute, []byte("x"))

	owner := newWatcher(m, "owner", "foo")
	_, timedOut := m.Reserve(context.Background(), owner, nil)
	require.False(t, timedOut)

	intruder := session.New("intruder", "intruder")
	err := m.Delete(intruder, id)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, m.Delete(owner, id))
}

func TestTTRExpiryReleasesJobForRedelivery(t *testing.T) {
	m, fc := newTestMatcher()
	putter := session.New("p", "p")
	putter.UsingTube = "foo"
	id, _ := m.Put(putter, 1, 0, time.Second, []byte("x"))

	w1 := newWatcher(m, "w1", "foo")
	j, _ := m.Reserve(context.Background(), w1, nil)
	require.Equal(t, id, j.ID)

	fc.Advance(time.Second)

	w2 := newWatcher(m, "w2", "foo")
	j2, timedOut := m.Reserve(context.Background(), w2, nil)
	require.False(t, timedOut)
	require.NotNil(t, j2)
	assert.Equal(t, id, j2.ID, "expired TTR must return the job to ready")
	assert.Nil(t, w1.HeldJob, "original owner no longer holds it after expiry")
}

func TestReleaseRequeuesAndRedelivers(t *testing.T) {
	m, _ := newTestMatcher()
	putter := session.New("p", "p")
	putter.UsingTube = "foo"
	id, _ := m.Put(putter, 7, 0, time.Minute, []byte("x"))

	w1 := newWatcher(m, "w1", "foo")
	j, _ := m.Reserve(context.Background(), w1, nil)
	require.Equal(t, id, j.ID)

	require.NoError(t, m.Release(w1, id, 3, 0))
	assert.Nil(t, w1.HeldJob)

	w2 := newWatcher(m, "w2", "foo")
	j2, timedOut := m.Reserve(context.Background(), w2, nil)
	require.False(t, timedOut)
	assert.Equal(t, id, j2.ID)
	assert.Equal(t, uint32(3), j2.Priority, "release must apply the new priority")
}

func TestTouchExtendsDeadlineAndTimerDoesNotExpireEarly(t *testing.T) {
	m, fc := newTestMatcher()
	putter := session.New("p", "p")
	putter.UsingTube = "foo"
	id, _ := m.Put(putter, 1, 0, 2*time.Second, []byte("x"))

	w := newWatcher(m, "w", "foo")
	j, _ := m.Reserve(context.Background(), w, nil)
	require.Equal(t, id, j.ID)

	fc.Advance(time.Second)
	require.NoError(t, m.Touch(w, id))
	fc.Advance(time.Second)

	assert.Equal(t, job.StateReserved, j.State, "touch must have postponed TTR expiry")
}

func TestDropReleasesHeldJobAndClearsWaiters(t *testing.T) {
	m, _ := newTestMatcher()
	putter := session.New("p", "p")
	putter.UsingTube = "foo"
	id, _ := m.Put(putter, 1, 0, time.Minute, []byte("x"))

	w := newWatcher(m, "w", "foo")
	j, _ := m.Reserve(context.Background(), w, nil)
	require.Equal(t, id, j.ID)

	m.Drop(w)

	w2 := newWatcher(m, "w2", "foo")
	j2, timedOut := m.Reserve(context.Background(), w2, nil)
	require.False(t, timedOut)
	assert.Equal(t, id, j2.ID)
}
