package ringchan_test

import (
	"sync"
	"testing"

	"github.com/srg/blescope/internal/ringchan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForceSendOverwritesOldest(t *testing.T) {
	rc := ringchan.New[int](3)
	for i := 0; i < 10; i++ {
		rc.ForceSend(i)
	}

	var got []int
	for {
		v, ok := rc.TryReceive()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{7, 8, 9}, got, "only the newest values MUST survive")
	assert.Equal(t, ringchan.Stats{Written: 10, Overwritten: 7}, rc.Stats())
}

func TestForceSendReportsDrop(t *testing.T) {
	rc := ringchan.New[string](1)
	assert.False(t, rc.ForceSend("a"))
	assert.True(t, rc.ForceSend("b"))
	assert.Equal(t, 1, rc.Len())
	assert.Equal(t, 1, rc.Cap())
}

func TestCloseIsIdempotentAndStopsSends(t *testing.T) {
	rc := ringchan.New[int](2)
	rc.ForceSend(1)
	rc.Close()
	rc.Close()
	assert.False(t, rc.ForceSend(2), "send after close MUST be a no-op")

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{1}, got)
}

func TestConcurrentProducersNeverBlock(t *testing.T) {
	rc := ringchan.New[int](4)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rc.ForceSend(i)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 4, rc.Len())
	assert.Equal(t, int64(800), rc.Stats().Written)
}

func TestNewPanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { ringchan.New[int](0) })
}
