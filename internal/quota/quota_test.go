package quota

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudget(t *testing.T) {
	b := New(Config{MaxMemory: 100, MaxFileSize: 50})
	assert.EqualValues(t, 50, b.MaxFileSize())

	require.NoError(t, b.Reserve(60))
	require.NoError(t, b.Reserve(40))
	assert.ErrorIs(t, b.Reserve(1), ErrExhausted)
	assert.EqualValues(t, 100, b.Used())

	b.Release(40)
	require.NoError(t, b.Reserve(10))
	assert.EqualValues(t, 70, b.Used())

	// Over-release clamps at zero.
	b.Release(1000)
	assert.EqualValues(t, 0, b.Used())
}

func TestUnlimited(t *testing.T) {
	b := New(Config{})
	require.NoError(t, b.Reserve(1<<40))

	var nilBudget *Budget
	require.NoError(t, nilBudget.Reserve(10))
	nilBudget.Release(10)
	assert.EqualValues(t, 0, nilBudget.Used())
}

func TestConcurrentReserve(t *testing.T) {
	b := New(Config{MaxMemory: 1000})

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Reserve(100) == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.EqualValues(t, 1000, b.Used())
}
