package delivery

import "sync"

var closedCh = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// inflight counts background requests. Unlike sync.WaitGroup, work may be
// added while another goroutine is waiting for the count to reach zero.
type inflight struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (f *inflight) add() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		f.idle = make(chan struct{})
	}
	f.n++
}

func (f *inflight) done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n--
	if f.n == 0 {
		close(f.idle)
	}
}

// wait returns a channel closed once the requests running now, and any
// added before they finish, are done.
func (f *inflight) wait() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		return closedCh
	}
	return f.idle
}
