package timing

import (
	"sync"
	"sync/atomic"
	"time"
)

// RepeatedTimer runs a function every interval on a single goroutine. The
// function runs synchronously inside the timer loop, so two runs can never
// overlap: a slow run simply delays the next tick.
type RepeatedTimer struct {
	interval       time.Duration
	f              func()
	runImmediately bool

	mu      sync.Mutex
	paused  bool
	started bool

	runs   atomic.Int64
	stop   chan struct{}
	once   sync.Once
	closed sync.WaitGroup
}

// New creates a timer that will run f every interval once Start is called.
// If runImmediately is true, f also runs right at Start.
func New(interval time.Duration, f func(), runImmediately bool) *RepeatedTimer {
	return &RepeatedTimer{
		interval:       interval,
		f:              f,
		runImmediately: runImmediately,
		stop:           make(chan struct{}),
	}
}

func (t *RepeatedTimer) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	t.closed.Add(1)
	go t.loop()
}

func (t *RepeatedTimer) loop() {
	defer t.closed.Done()

	if t.runImmediately {
		t.run()
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.run()
		}
	}
}

func (t *RepeatedTimer) run() {
	t.mu.Lock()
	paused := t.paused
	t.mu.Unlock()
	if paused {
		return
	}
	t.f()
	t.runs.Add(1)
}

// Pause stops f from running on subsequent ticks. The tick schedule keeps
// going, so Resume picks up at the next tick boundary.
func (t *RepeatedTimer) Pause() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
}

func (t *RepeatedTimer) Resume() {
	t.mu.Lock()
	t.paused = false
	t.mu.Unlock()
}

// Stop signals the loop to exit without waiting for it. This is the only
// safe way to stop the timer from inside f itself; Cancel would wait on the
// very goroutine that is calling it. Safe to call more than once.
func (t *RepeatedTimer) Stop() {
	t.once.Do(func() { close(t.stop) })
}

// Cancel stops the timer permanently and waits for any in-flight run to
// finish. Must not be called from inside f; use Stop there. Safe to call
// more than once.
func (t *RepeatedTimer) Cancel() {
	t.Stop()

	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if started {
		t.closed.Wait()
	}
}

// RunCount reports how many times f has completed.
func (t *RepeatedTimer) RunCount() int64 { return t.runs.Load() }
