package memstore

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-listsync/session"
)

var _ session.Persister = (*MemStore)(nil)

// MemStore keeps the persisted session in process memory. It stands in for
// durable storage in tests and for embedders that manage persistence elsewhere.
type MemStore struct {
	lock    sync.RWMutex
	session *session.Session
	saves   int
}

func New() *MemStore {
	return &MemStore{}
}

// NewWith returns a store pre-populated with s, as if left by a previous run.
func NewWith(s session.Session) *MemStore {
	m := New()
	m.session = copySession(s)
	return m
}

func (m *MemStore) Load(_ context.Context) (*session.Session, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.session == nil {
		return nil, nil
	}
	return copySession(*m.session), nil
}

func (m *MemStore) Save(_ context.Context, s session.Session) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.session = copySession(s)
	m.saves++
	return nil
}

func (m *MemStore) Clear(_ context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.session = nil
	return nil
}

// Saves returns how many times Save has been called.
func (m *MemStore) Saves() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.saves
}

func copySession(s session.Session) *session.Session {
	return &session.Session{AccessToken: s.AccessToken, User: s.User.Clone()}
}
