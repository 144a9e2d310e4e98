package session

import (
	"context"
	"fmt"

	"github.com/jrsteele09/go-listsync/internal/errors"
	"github.com/jrsteele09/go-listsync/internal/utils"
)

// Profile is the signed-in user's snapshot as returned by the backend.
// UserID and Locale are always present; the rest may be null.
type Profile struct {
	UserID          string  `json:"userId"`
	Email           *string `json:"email"`
	Phone           *string `json:"phone"`
	DisplayName     *string `json:"displayName"`
	Locale          string  `json:"locale"`
	ProfileImageURL *string `json:"profileImageUrl"`
}

// Clone returns a deep copy so callers can never mutate the stored profile.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	return &Profile{
		UserID:          p.UserID,
		Email:           utils.Clone(p.Email),
		Phone:           utils.Clone(p.Phone),
		DisplayName:     utils.Clone(p.DisplayName),
		Locale:          p.Locale,
		ProfileImageURL: utils.Clone(p.ProfileImageURL),
	}
}

// Session is the identity held by the Store. AccessToken and User are set and
// cleared together.
type Session struct {
	AccessToken string   `json:"accessToken"`
	User        *Profile `json:"user"`
}

// Valid reports whether both halves of the session are present.
func (s Session) Valid() bool {
	return s.AccessToken != "" && s.User != nil
}

// Empty reports whether neither half is present.
func (s Session) Empty() bool {
	return s.AccessToken == "" && s.User == nil
}

// AuthResponse is the body of the login, verify and refresh endpoints.
type AuthResponse struct {
	AccessToken string `json:"accessToken"`
	Profile
}

// Validate rejects payloads that would leave the session half populated.
func (r *AuthResponse) Validate() error {
	if r == nil {
		return fmt.Errorf("[AuthResponse Validate] nil response: %w", errors.ErrInvalidSession)
	}
	if r.AccessToken == "" {
		return fmt.Errorf("[AuthResponse Validate] missing access token: %w", errors.ErrInvalidSession)
	}
	if r.UserID == "" {
		return fmt.Errorf("[AuthResponse Validate] missing user id: %w", errors.ErrInvalidSession)
	}
	return nil
}

// Persister is durable storage for a single session.
// Load returns (nil, nil) when nothing is stored.
type Persister interface {
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, s Session) error
	Clear(ctx context.Context) error
}
