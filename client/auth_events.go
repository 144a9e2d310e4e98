package client

import (
	"sync"
	"time"
)

// AuthFailure describes a session that could not be recovered by refreshing.
type AuthFailure struct {
	Method string
	Path   string
	Status int
	At     time.Time
}

// AuthEvents is the application-wide "auth failed" signal. The UI subscribes
// to redirect to its sign-in screen.
type AuthEvents struct {
	mu     sync.Mutex
	subs   map[int]func(AuthFailure)
	nextID int
}

func NewAuthEvents() *AuthEvents {
	return &AuthEvents{subs: make(map[int]func(AuthFailure))}
}

// Subscribe registers fn and returns a func that removes it.
func (e *AuthEvents) Subscribe(fn func(AuthFailure)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

func (e *AuthEvents) Emit(f AuthFailure) {
	e.mu.Lock()
	fns := make([]func(AuthFailure), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(f)
	}
}
