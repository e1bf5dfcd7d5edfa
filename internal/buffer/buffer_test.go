package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingKeepsNewestItems(t *testing.T) {
	r := New[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
}

func TestRingBelowCapacity(t *testing.T) {
	r := New[string](4)
	r.Push("a")
	r.Push("b")

	assert.Equal(t, []string{"a", "b"}, r.Snapshot())
	assert.Equal(t, 4, r.Cap())
}

func TestRingLastSearchesNewestFirst(t *testing.T) {
	r := New[int](5)
	for _, v := range []int{2, 4, 6, 7} {
		r.Push(v)
	}

	got, ok := r.Last(func(v int) bool { return v%2 == 0 })
	assert.True(t, ok)
	assert.Equal(t, 6, got)

	_, ok = r.Last(func(v int) bool { return v > 100 })
	assert.False(t, ok)
}

func TestRingReset(t *testing.T) {
	r := New[int](2)
	r.Push(1)
	r.Push(2)
	r.Reset()

	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Snapshot())
}

func TestRingMinimumCapacity(t *testing.T) {
	r := New[int](0)
	r.Push(1)
	r.Push(2)
	assert.Equal(t, []int{2}, r.Snapshot())
}

func TestRingConcurrentPush(t *testing.T) {
	r := New[int](50)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			r.Push(v)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, r.Len())
}
