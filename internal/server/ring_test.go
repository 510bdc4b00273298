package server

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayRingEvictsOldest(t *testing.T) {
	r := newReplayRing(3)
	for i := 0; i < 5; i++ {
		r.Push([]byte(fmt.Sprintf("m%d", i)))
	}

	assert.Equal(t, 3, r.Len())
	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "m2", string(snap[0]))
	assert.Equal(t, "m4", string(snap[2]))
}

func TestReplayRingPartialFill(t *testing.T) {
	r := newReplayRing(10)
	r.Push([]byte("a"))
	r.Push([]byte("b"))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", string(snap[0]))
	assert.Equal(t, "b", string(snap[1]))
}

func TestReplayRingDefaultCapacity(t *testing.T) {
	r := newReplayRing(0)
	for i := 0; i < 250; i++ {
		r.Push([]byte{byte(i)})
	}
	assert.Equal(t, 200, r.Len())
}
