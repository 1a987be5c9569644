package resource

import (
	"container/heap"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanupQueueOrdering(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	priorities := []Priority{Low, Normal, High, Critical}

	for round := 0; round < 20; round++ {
		var q cleanupQueue
		for seq := uint64(0); seq < 200; seq++ {
			heap.Push(&q, &entry{seq: seq, index: -1, info: ResourceInfo{Priority: priorities[rng.Intn(4)]}})
		}

		var prev *entry
		for q.Len() > 0 {
			e := heap.Pop(&q).(*entry)
			require.Equal(t, -1, e.index)
			if prev != nil {
				require.LessOrEqual(t, e.info.Priority, prev.info.Priority)
				if e.info.Priority == prev.info.Priority {
					require.Greater(t, e.seq, prev.seq, "FIFO within a priority")
				}
			}
			prev = e
		}
	}
}

func TestCleanupQueueRemove(t *testing.T) {
	var q cleanupQueue
	entries := make([]*entry, 5)
	for i := range entries {
		entries[i] = &entry{seq: uint64(i), index: -1, info: ResourceInfo{Priority: Normal}}
		heap.Push(&q, entries[i])
	}
	heap.Remove(&q, entries[2].index)
	require.Equal(t, 4, q.Len())

	var got []uint64
	for q.Len() > 0 {
		got = append(got, heap.Pop(&q).(*entry).seq)
	}
	require.Equal(t, []uint64{0, 1, 3, 4}, got)
}
