package pool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsAllTasks(t *testing.T) {
	p := New("test", 3, nil)
	var n atomic.Int32
	for i := 0; i < 100; i++ {
		p.Submit(func() { n.Add(1) })
	}
	p.Close()
	assert.Equal(t, int32(100), n.Load())
	assert.Equal(t, 0, p.Pending())
}

func TestPool_SubmitAfterClose(t *testing.T) {
	p := New("test", 1, nil)
	p.Close()
	var ran atomic.Bool
	p.Submit(func() { ran.Store(true) })
	assert.False(t, ran.Load())
}

func TestPool_PanicDoesNotKillWorker(t *testing.T) {
	p := New("test", 1, nil)
	var ran atomic.Bool
	p.Submit(func() { panic("boom") })
	p.Submit(func() { ran.Store(true) })
	p.Close()
	assert.True(t, ran.Load())
}

func TestPool_DefaultSize(t *testing.T) {
	p := New("test", 0, nil)
	defer p.Close()
	assert.Equal(t, DefaultSize, p.Size())
	assert.Equal(t, "test", p.Name())
}

func TestPartitioned_PerKeyOrdering(t *testing.T) {
	p := NewPartitioned("events", 4, nil)

	var mu sync.Mutex
	seen := map[string][]int{}
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("item%d", i%7)
		seq := i
		p.Enqueue(key, func() {
			mu.Lock()
			seen[key] = append(seen[key], seq)
			mu.Unlock()
		})
	}
	p.Close()

	require.Len(t, seen, 7)
	for key, seqs := range seen {
		for i := 1; i < len(seqs); i++ {
			assert.Less(t, seqs[i-1], seqs[i], "order broken for %s", key)
		}
	}
}

func TestPartitioned_StableRouting(t *testing.T) {
	p := NewPartitioned("events", 8, nil)
	defer p.Close()
	assert.Equal(t, p.partition("item1"), p.partition("item1"))
	assert.Equal(t, 8, p.Partitions())
}

func TestSet_Get(t *testing.T) {
	s := NewSet(map[string]int{Auth: 2}, nil)
	defer s.Close()

	assert.Equal(t, 2, s.Get(Auth).Size())
	assert.Equal(t, DefaultSize, s.Get(Data).Size())
	assert.Same(t, s.Shared(), s.Get("unknown"))
}
