package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-listsync/internal/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// Store owns the current session. It is the only writer of session state;
// every other component reads through it.
type Store struct {
	// writeMu orders writes together with their notifications, so listeners
	// see changes in the order they were made.
	writeMu    sync.Mutex
	mu         sync.RWMutex
	current    Session
	generation uint64
	persister  Persister
	log        zerolog.Logger

	listenersMu sync.Mutex
	listeners   map[int]func(Session)
	nextID      int
}

var _ oauth2.TokenSource = (*Store)(nil)

// NewStore builds a store and restores any session left by a previous run.
// A nil persister keeps the session in memory only.
func NewStore(ctx context.Context, persister Persister) *Store {
	s := &Store{
		persister: persister,
		log:       log.Logger.With().Str("component", "session").Logger(),
		listeners: make(map[int]func(Session)),
	}
	s.restore(ctx)
	return s
}

func (s *Store) restore(ctx context.Context) {
	if s.persister == nil {
		return
	}
	loaded, err := s.persister.Load(ctx)
	if err != nil {
		s.log.Err(err).Msg("Failed to load persisted session, starting signed out")
		return
	}
	if loaded == nil || loaded.Empty() {
		return
	}
	if !loaded.Valid() {
		s.log.Warn().Msg("Discarding half populated persisted session")
		if err := s.persister.Clear(ctx); err != nil {
			s.log.Err(err).Msg("Failed to clear persisted session")
		}
		return
	}
	s.current = Session{AccessToken: loaded.AccessToken, User: loaded.User.Clone()}
	s.log.Debug().Str("user_id", loaded.User.UserID).Msg("Restored persisted session")
}

// AccessToken returns the current bearer token, or "" when signed out.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.AccessToken
}

// User returns a copy of the current profile, or nil when signed out.
func (s *Store) User() *Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.User.Clone()
}

// Snapshot returns both fields read under a single lock.
func (s *Store) Snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Session {
	return Session{AccessToken: s.current.AccessToken, User: s.current.User.Clone()}
}

func (s *Store) IsAuthenticated() bool {
	return s.AccessToken() != ""
}

// Expiry reports the exp claim of the access token. The zero time is returned
// when there is no token or it is not a JWT carrying exp.
func (s *Store) Expiry() time.Time {
	return tokenExpiry(s.AccessToken())
}

// Token implements oauth2.TokenSource over the current session.
func (s *Store) Token() (*oauth2.Token, error) {
	tok := s.AccessToken()
	if tok == "" {
		return nil, errors.ErrNotAuthenticated
	}
	return &oauth2.Token{
		AccessToken: tok,
		TokenType:   "Bearer",
		Expiry:      tokenExpiry(tok),
	}, nil
}

// Generation counts sign-outs. A writer that started work before a sign-out
// compares it to decide whether its result still applies.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// SetSession replaces the session with token and user. Both must be present.
// The value is persisted before it becomes visible to readers.
func (s *Store) SetSession(ctx context.Context, token string, user Profile) error {
	if token == "" || user.UserID == "" {
		return fmt.Errorf("[Store SetSession] token and user are both required: %w", errors.ErrInvalidSession)
	}
	return s.set(ctx, token, user, nil)
}

// SetFromAuth stores a validated auth endpoint response.
func (s *Store) SetFromAuth(ctx context.Context, resp *AuthResponse) error {
	if err := resp.Validate(); err != nil {
		return err
	}
	return s.set(ctx, resp.AccessToken, resp.Profile, nil)
}

// SetFromAuthIfGeneration stores resp only if no sign-out happened since gen
// was read. Otherwise it returns errors.ErrSessionExpired and leaves the
// signed-out state alone.
func (s *Store) SetFromAuthIfGeneration(ctx context.Context, gen uint64, resp *AuthResponse) error {
	if err := resp.Validate(); err != nil {
		return err
	}
	return s.set(ctx, resp.AccessToken, resp.Profile, &gen)
}

func (s *Store) set(ctx context.Context, token string, user Profile, gen *uint64) error {
	next := Session{AccessToken: token, User: user.Clone()}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if gen != nil && *gen != s.generation {
		s.mu.Unlock()
		return fmt.Errorf("[Store set] signed out in the meantime: %w", errors.ErrSessionExpired)
	}
	s.persist(ctx, next)
	s.current = next
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Debug().Str("user_id", user.UserID).Msg("Session set")
	s.notify(snapshot)
	return nil
}

// UpdateProfile overwrites the user while keeping the current token.
func (s *Store) UpdateProfile(ctx context.Context, user Profile) error {
	if user.UserID == "" {
		return fmt.Errorf("[Store UpdateProfile] user id is required: %w", errors.ErrInvalidSession)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.current.AccessToken == "" {
		s.mu.Unlock()
		return fmt.Errorf("[Store UpdateProfile] %w", errors.ErrNotAuthenticated)
	}
	next := Session{AccessToken: s.current.AccessToken, User: user.Clone()}
	s.persist(ctx, next)
	s.current = next
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snapshot)
	return nil
}

// ClearSession removes the session from memory and durable storage. It
// reports whether there was a session to clear.
func (s *Store) ClearSession(ctx context.Context) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	wasSet := !s.current.Empty()
	s.current = Session{}
	s.generation++
	if s.persister != nil {
		if err := s.persister.Clear(ctx); err != nil {
			s.log.Err(err).Msg("Failed to clear persisted session")
		}
	}
	s.mu.Unlock()

	if wasSet {
		s.log.Debug().Msg("Session cleared")
		s.notify(Session{})
	}
	return wasSet
}

// OnChange registers fn to be called after every set, profile update or clear.
// Listeners run in the order the changes were made and must not write to the
// store. The returned func unregisters it.
func (s *Store) OnChange(fn func(Session)) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		delete(s.listeners, id)
	}
}

// persist must be called with s.mu held.
func (s *Store) persist(ctx context.Context, next Session) {
	if s.persister == nil {
		return
	}
	if err := s.persister.Save(ctx, next); err != nil {
		s.log.Err(err).Msg("Failed to persist session")
	}
}

// notify must be called with s.writeMu held.
func (s *Store) notify(snapshot Session) {
	s.listenersMu.Lock()
	fns := make([]func(Session), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}

func tokenExpiry(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	claims := jwtlib.RegisteredClaims{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
