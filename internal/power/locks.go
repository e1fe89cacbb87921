package power

import (
	"context"
	"sync"
)

// Locks serializes status-mutating calls per machine while unrelated
// machines proceed in parallel. The zero value is ready to use.
type Locks struct {
	mu    sync.Mutex
	gates map[int64]*gate
}

type gate struct {
	ch   chan struct{}
	refs int
}

type heldKey struct{}

// held is the set of machine ids locked by the current call chain.
type held map[int64]bool

func heldFrom(ctx context.Context) held {
	h, _ := ctx.Value(heldKey{}).(held)
	return h
}

// Acquire blocks until the machine's gate is free or ctx is done. The returned
// context marks the machine as held so nested calls for the same machine fail
// with ErrReentrant instead of deadlocking.
func (l *Locks) Acquire(ctx context.Context, id int64) (context.Context, func(), error) {
	if heldFrom(ctx)[id] {
		return ctx, nil, ErrReentrant
	}

	l.mu.Lock()
	if l.gates == nil {
		l.gates = make(map[int64]*gate)
	}
	g, ok := l.gates[id]
	if !ok {
		g = &gate{ch: make(chan struct{}, 1)}
		l.gates[id] = g
	}
	g.refs++
	l.mu.Unlock()

	select {
	case g.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(id, g, false)
		return ctx, nil, ctx.Err()
	}

	next := held{id: true}
	for k := range heldFrom(ctx) {
		next[k] = true
	}
	var once sync.Once
	return context.WithValue(ctx, heldKey{}, next), func() {
		once.Do(func() { l.release(id, g, true) })
	}, nil
}

func (l *Locks) release(id int64, g *gate, acquired bool) {
	if acquired {
		<-g.ch
	}
	l.mu.Lock()
	g.refs--
	if g.refs == 0 {
		delete(l.gates, id)
	}
	l.mu.Unlock()
}

// Len returns the number of machines with waiters or holders.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.gates)
}
