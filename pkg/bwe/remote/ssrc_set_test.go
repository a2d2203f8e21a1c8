package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSRCSet_Touch(t *testing.T) {
	s := newSSRCSet(3)
	assert.Empty(t, s.Snapshot())

	for _, ssrc := range []uint32{10, 20, 30} {
		_, evicted := s.Touch(ssrc)
		assert.False(t, evicted)
	}
	assert.ElementsMatch(t, []uint32{10, 20, 30}, s.Snapshot())
	assert.Equal(t, 3, s.Len())

	evicted, ok := s.Touch(40)
	require.True(t, ok)
	assert.Equal(t, uint32(10), evicted)
	assert.ElementsMatch(t, []uint32{20, 30, 40}, s.Snapshot())
}

func TestSSRCSet_TouchRefreshesRecency(t *testing.T) {
	s := newSSRCSet(3)
	s.Touch(1)
	s.Touch(2)
	s.Touch(3)
	s.Touch(1)
	s.Touch(3)

	evicted, ok := s.Touch(4)
	require.True(t, ok)
	assert.Equal(t, uint32(2), evicted)
}

func TestSSRCSet_SnapshotIsACopy(t *testing.T) {
	s := newSSRCSet(MaxSSRCs)
	s.Touch(1)

	snap := s.Snapshot()
	snap[0] = 99
	assert.Equal(t, []uint32{1}, s.Snapshot())
}

func TestSSRCSet_Bounded(t *testing.T) {
	s := newSSRCSet(MaxSSRCs)
	for i := uint32(0); i < 1000; i++ {
		s.Touch(i % 37)
		require.LessOrEqual(t, s.Len(), MaxSSRCs)
	}
	assert.Len(t, s.members, MaxSSRCs)
	assert.Equal(t, MaxSSRCs, s.order.Len())
}
