package compositor

import (
	"sync"
	"time"
)

// DefaultFrameInterval approximates one display frame.
const DefaultFrameInterval = 16 * time.Millisecond

// Scheduler defers tasks to the next scheduling opportunity.
type Scheduler interface {
	Schedule(task func())
}

// ImmediateScheduler runs tasks inline.
type ImmediateScheduler struct{}

func (ImmediateScheduler) Schedule(task func()) {
	task()
}

// FrameScheduler runs queued tasks on its own goroutine at the next frame tick.
type FrameScheduler struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewFrameScheduler(interval time.Duration) *FrameScheduler {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	s := &FrameScheduler{
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
	}
	s.wg.Go(s.loop)
	return s
}

// Schedule queues task for the next tick. Tasks scheduled after Close are dropped.
func (s *FrameScheduler) Schedule(task func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.tasks = append(s.tasks, task)
}

func (s *FrameScheduler) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C:
			s.mu.Lock()
			tasks := s.tasks
			s.tasks = nil
			s.mu.Unlock()
			for _, task := range tasks {
				task()
			}
		}
	}
}

// Close stops the ticker and waits for the running tasks to return.
func (s *FrameScheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.tasks = nil
	s.mu.Unlock()

	s.ticker.Stop()
	close(s.done)
	s.wg.Wait()
	return nil
}
