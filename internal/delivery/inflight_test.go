package delivery

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closed(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

func TestInflight_AddWhileWaiting(t *testing.T) {
	var f inflight
	assert.True(t, closed(f.wait()))

	f.add()
	w := f.wait()
	assert.False(t, closed(w))

	// Work joining a pending wait extends it.
	f.add()
	f.done()
	assert.False(t, closed(w))
	f.done()
	assert.True(t, closed(w))

	// A fresh round after the waiter returned.
	f.add()
	assert.True(t, closed(w))
	w2 := f.wait()
	assert.False(t, closed(w2))
	f.done()
	assert.True(t, closed(w2))
}

func TestPipeline_IdleCoversPixelAndCollector(t *testing.T) {
	c, srv := newCollector(t, http.StatusOK)
	c.released = make(chan struct{})
	p := New(Config{CollectorURL: srv.URL, LegacyPixel: true, PixelURL: srv.URL + "/tt"}, nil)

	assert.True(t, closed(p.Idle()))
	require.True(t, p.Go(context.Background(), sale("I-1"), nil))

	idle := p.Idle()
	require.Eventually(t, func() bool { return c.hits.Load() == 2 }, 5*time.Second, time.Millisecond)
	assert.False(t, closed(idle))

	close(c.released)
	select {
	case <-idle:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline never went idle")
	}
	assert.True(t, closed(p.Idle()))
}
