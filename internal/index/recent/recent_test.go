package recent

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet_TryAdd(t *testing.T) {
	s := New(3)

	assert.True(t, s.TryAdd("a"))
	assert.False(t, s.TryAdd("a"), "duplicate must be reported")
	assert.True(t, s.TryAdd("b"))
	assert.Equal(t, 2, s.Len())
}

func TestSet_EvictionBound(t *testing.T) {
	s := New(1000)
	for i := 0; i < 1005; i++ {
		require.True(t, s.TryAdd(fmt.Sprintf("msg-%d", i)))
		require.LessOrEqual(t, s.Len(), 1000)
	}

	assert.Equal(t, 1000, s.Len())
	assert.Equal(t, int64(5), s.Evicted())
	for i := 5; i < 1005; i++ {
		assert.True(t, s.Contains(fmt.Sprintf("msg-%d", i)), "msg-%d should be retained", i)
	}
	for i := 0; i < 5; i++ {
		assert.False(t, s.Contains(fmt.Sprintf("msg-%d", i)), "msg-%d should be evicted", i)
	}
}

func TestSet_EvictedDuplicateIsFalseNegative(t *testing.T) {
	s := New(2)
	s.TryAdd("a")
	s.TryAdd("b")
	s.TryAdd("c")

	assert.True(t, s.TryAdd("a"), "evicted id is accepted again")
	assert.False(t, s.Contains("b"))
}

func TestSet_SurvivesJSONRoundTrip(t *testing.T) {
	s := New(3)
	for _, id := range []string{"a", "b", "c", "d"} {
		s.TryAdd(id)
	}

	raw, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded Set
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.False(t, decoded.TryAdd("d"))
	assert.False(t, decoded.Contains("a"))
	assert.True(t, decoded.TryAdd("e"))
	assert.False(t, decoded.Contains("b"), "oldest survivor evicted after decode")
	assert.True(t, decoded.Contains("c"))
}

func TestSet_ZeroValueUsesDefaultCapacity(t *testing.T) {
	var s Set
	assert.True(t, s.TryAdd("x"))
	assert.Equal(t, DefaultCapacity, s.Capacity)
}
