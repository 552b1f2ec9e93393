package coach

import (
	"log"
	"sync"
)

// schedulerQueueSize bounds pending work per session. The queue only backs up
// if the session loop is wedged, in which case dropping is the right call.
const schedulerQueueSize = 256

// Scheduler hands work submitted from any goroutine to the single goroutine
// that owns a session's state, preserving submission order. It is the only
// crossing point between provider callback threads and session state.
type Scheduler struct {
	sessionID string
	work      chan func()
	stopped   chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// NewScheduler starts the owning loop for one session.
func NewScheduler(sessionID string) *Scheduler {
	s := &Scheduler{
		sessionID: sessionID,
		work:      make(chan func(), schedulerQueueSize),
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

// Schedule submits work for execution on the session loop. It never blocks
// and never panics: after Stop, or with a full queue, the work is dropped
// with a warning and false is returned.
func (s *Scheduler) Schedule(work func()) bool {
	select {
	case <-s.stopped:
		log.Printf("[%s] scheduler: dropping work, session loop is gone", s.sessionID)
		return false
	default:
	}
	select {
	case s.work <- work:
		return true
	case <-s.stopped:
		log.Printf("[%s] scheduler: dropping work, session loop is gone", s.sessionID)
		return false
	default:
		log.Printf("[%s] scheduler: dropping work, queue full", s.sessionID)
		return false
	}
}

// Stop shuts the loop down after draining already-queued work. Idempotent,
// non-blocking, and safe to call from the loop itself.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
	})
}

// Done is closed once the loop has exited.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stopped:
			// Drain what was accepted before the stop.
			for {
				select {
				case w := <-s.work:
					w()
				default:
					return
				}
			}
		case w := <-s.work:
			w()
		}
	}
}
