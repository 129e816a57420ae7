// Package locker serializes ledger writers per strategy.
package locker

import (
	"context"
	"strconv"
	"sync"
)

// Locker grants exclusive access to a key until the returned unlock is called
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// StrategyKey is the lock key for one strategy
func StrategyKey(strategyID int) string {
	return "autotrade:strategy:" + strconv.Itoa(strategyID)
}

// Local is an in-process keyed mutex
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates an in-process locker
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// Lock blocks until key is free or ctx is done
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(key, s)
		})
	}, nil
}

func (l *Local) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
