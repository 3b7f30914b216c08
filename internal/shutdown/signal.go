// Package shutdown provides a one-shot, latched stop signal shared by the
// relay's long-running tasks.
package shutdown

import (
	"log/slog"
	"sync"
)

// Signal moves from "run" to "stop" exactly once. Watchers that subscribe
// after the transition observe it immediately.
type Signal struct {
	once sync.Once
	done chan struct{}
}

func New() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Trigger flips the signal. Later calls are no-ops.
func (s *Signal) Trigger() {
	s.once.Do(func() {
		slog.Info("Shutdown signal triggered")
		close(s.done)
	})
}

// Done is closed once the signal has been triggered.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

func (s *Signal) triggered() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Watch runs fn on its own goroutine after the signal fires. The returned
// channel is closed when fn has returned.
func (s *Signal) Watch(fn func()) <-chan struct{} {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		<-s.done
		fn()
	}()
	return finished
}
