package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreAllocateIsMonotonic(t *testing.T) {
	s := NewStore()
	a := s.Allocate()
	b := s.Allocate()
	assert.Less(t, a, b)
	assert.Equal(t, b, s.TotalAllocated())
}

func TestStoreRegisterLookupUnregister(t *testing.T) {
	s := NewStore()
	id := s.Allocate()
	j := &Job{ID: id, Tube: "foo"}
	s.Register(j)

	got, ok := s.Lookup(id)
	require.True(t, ok)
	assert.Same(t, j, got)
	assert.Equal(t, 1, s.Len())

	s.Unregister(id)
	_, ok = s.Lookup(id)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestReservedCountForTube(t *testing.T) {
	s := NewStore()
	j1 := &Job{ID: s.Allocate(), Tube: "foo", State: StateReserved}
	j2 := &Job{ID: s.Allocate(), Tube: "foo", State: StateReady}
	j3 := &Job{ID: s.Allocate(), Tube: "bar", State: StateReserved}
	s.Register(j1)
	s.Register(j2)
	s.Register(j3)

	assert.Equal(t, 1, s.ReservedCountForTube("foo"))
	assert.Equal(t, 1, s.ReservedCountForTube("bar"))
	assert.Equal(t, 0, s.ReservedCountForTube("baz"))
}
