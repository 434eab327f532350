package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualClock_StartsAtEpoch(t *testing.T) {
	assert.Equal(t, Epoch, NewManualClock(time.Time{}).Now())
}

func TestManualClock_AfterFiresOnlyWhenAdvanced(t *testing.T) {
	clock := NewManualClock(time.Time{})
	ch := clock.After(time.Second)

	clock.Advance(999 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	clock.Advance(time.Millisecond)
	select {
	case got := <-ch:
		assert.Equal(t, Epoch.Add(time.Second), got)
	default:
		t.Fatal("did not fire")
	}
	assert.Equal(t, 0, clock.Waiters())
}

func TestManualClock_NonPositiveFiresImmediately(t *testing.T) {
	clock := NewManualClock(time.Time{})
	select {
	case <-clock.After(0):
	default:
		t.Fatal("zero duration should fire at once")
	}
}

func TestManualClock_BlockUntil(t *testing.T) {
	clock := NewManualClock(time.Time{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-clock.After(time.Minute)
	}()

	require.True(t, clock.BlockUntil(1, time.Second))
	clock.Advance(time.Minute)
	wg.Wait()
}

func TestManualClock_BlockUntilTimesOut(t *testing.T) {
	clock := NewManualClock(time.Time{})
	assert.False(t, clock.BlockUntil(1, 10*time.Millisecond))
}

func TestFixedIDGenerator(t *testing.T) {
	g := NewFixedIDGenerator("page")
	assert.Equal(t, "page-0001", g.Generate())
	assert.Equal(t, "page-0002", g.Generate())
	g.Reset()
	assert.Equal(t, "page-0001", g.Generate())
	assert.Equal(t, "test-0001", NewFixedIDGenerator("").Generate())
}
