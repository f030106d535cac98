package orchestrator

import "sync"

// sequencer orders manifest commits by job id. Jobs that produce no manifest
// line (dedupe drops, fatal failures, cancels) release their id so later ids
// are not blocked behind a gap.
type sequencer struct {
	mu   sync.Mutex
	cond *sync.Cond
	next int
	done map[int]bool
}

func newSequencer(start int) *sequencer {
	s := &sequencer{next: start, done: make(map[int]bool)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// release resolves id without writing. Safe to call more than once.
func (s *sequencer) release(id int) {
	s.mu.Lock()
	if id >= s.next {
		s.done[id] = true
		for s.done[s.next] {
			delete(s.done, s.next)
			s.next++
		}
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// commit blocks until every id below this one has resolved, then runs fn.
// The caller still owns the release of id afterwards.
func (s *sequencer) commit(id int, fn func() error) error {
	s.mu.Lock()
	for s.next != id {
		s.cond.Wait()
	}
	s.mu.Unlock()
	return fn()
}
