package presence

import "sync"

// shard runs queued jobs one at a time in push order. The queue is
// unbounded so pushing never blocks the caller.
type shard struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

func newShard() *shard {
	return &shard{wake: make(chan struct{}, 1)}
}

func (s *shard) push(job func()) {
	s.mu.Lock()
	s.queue = append(s.queue, job)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *shard) run(done <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-s.wake:
			s.drain()
		case <-done:
			s.drain()
			return
		}
	}
}

func (s *shard) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		job := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		job()
	}
}
