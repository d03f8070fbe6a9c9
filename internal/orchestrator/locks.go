package orchestrator

import (
	"context"
	"sync"
)

// projectLocks is a set of non-blocking per-project exclusive sections.
type projectLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
	idle chan struct{} // closed while nothing is held
}

func newProjectLocks() *projectLocks {
	idle := make(chan struct{})
	close(idle)
	return &projectLocks{held: make(map[string]struct{}), idle: idle}
}

// tryLock claims projectID. It returns false if the project is already held.
func (l *projectLocks) tryLock(projectID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[projectID]; ok {
		return false
	}
	if len(l.held) == 0 {
		l.idle = make(chan struct{})
	}
	l.held[projectID] = struct{}{}
	return true
}

func (l *projectLocks) unlock(projectID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[projectID]; !ok {
		return
	}
	delete(l.held, projectID)
	if len(l.held) == 0 {
		close(l.idle)
	}
}

// wait blocks until nothing is held or ctx is done.
func (l *projectLocks) wait(ctx context.Context) error {
	l.mu.Lock()
	idle := l.idle
	l.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
