package auth

import "sync"

type event struct {
	user *User
	err  error
}

// subscription delivers events to one subscriber on its own goroutine.
// Pending events coalesce: a slow subscriber only sees the latest state.
type subscription struct {
	next func(*User)
	fail func(error)

	mu      sync.Mutex
	pending *event

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newSubscription(next func(*User), fail func(error)) *subscription {
	return &subscription{
		next: next,
		fail: fail,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// post never blocks.
func (s *subscription) post(ev event) {
	ev.user = ev.user.clone()
	s.mu.Lock()
	s.pending = &ev
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		ev := s.pending
		s.pending = nil
		s.mu.Unlock()
		if ev == nil {
			continue
		}

		select {
		case <-s.done:
			return
		default:
		}

		if ev.err != nil {
			if s.fail != nil {
				s.fail(ev.err)
			}
			continue
		}
		if s.next != nil {
			s.next(ev.user)
		}
	}
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
