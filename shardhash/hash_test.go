package shardhash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestHashPinnedVector locks the byte-exact behavior required by spec §8.4:
// re-implementations in other languages must reproduce this value.
func TestHashPinnedVector(t *testing.T) {
	got, err := Hash([]byte("hello-world"), 16)
	require.NoError(t, err)
	// SHA-256("hello-world") = afa27b44d43b02a9... ; top 8 bytes big-endian masked to 16 bits.
	require.Equal(t, uint32(0x2a9), got)
}

func TestHashDeterministic(t *testing.T) {
	a, err := Hash([]byte("k"), 10)
	require.NoError(t, err)
	b, err := Hash([]byte("k"), 10)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestHashRejectsBadBits(t *testing.T) {
	_, err := Hash([]byte("k"), 0)
	require.Error(t, err)
	_, err = Hash([]byte("k"), 64)
	require.Error(t, err)
}

func TestAssignShardsIsTotalPartition(t *testing.T) {
	const nBits = 3
	const podCount = 5
	seen := make(map[uint32]bool)
	var sizes []int
	for pod := 0; pod < podCount; pod++ {
		a, err := AssignShards(pod, podCount, nBits)
		require.NoError(t, err)
		sizes = append(sizes, len(a.Shards()))
		for _, s := range a.Shards() {
			require.False(t, seen[s], "shard %d assigned twice", s)
			seen[s] = true
		}
	}
	require.Len(t, seen, 1<<nBits)
	// spec §8.8.4: expected assignment sizes {2,2,2,1,1} in some order.
	counts := map[int]int{}
	for _, sz := range sizes {
		counts[sz]++
	}
	require.Equal(t, map[int]int{2: 3, 1: 2}, counts)
}

func TestAssignShardsRejectsBadArgs(t *testing.T) {
	_, err := AssignShards(0, 0, 3)
	require.Error(t, err)
	_, err = AssignShards(5, 3, 3)
	require.Error(t, err)
}

func TestHashDistribution(t *testing.T) {
	const nBits = 4
	const buckets = 1 << nBits
	const n = 100000
	counts := make([]int, buckets)
	for i := 0; i < n; i++ {
		b := make([]byte, 16)
		for j := range b {
			b[j] = byte((i * 2654435761) >> (j % 8))
		}
		h, err := Hash(b, nBits)
		require.NoError(t, err)
		counts[h]++
	}
	mean := float64(n) / float64(buckets)
	for _, c := range counts {
		require.LessOrEqual(t, float64(c), 1.5*mean)
	}
}
