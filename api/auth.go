// Package api binds the backend's auth and resource endpoints to the request
// pipeline, the session store and the version cache.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/jrsteele09/go-listsync/client"
	"github.com/jrsteele09/go-listsync/session"
	"github.com/rs/zerolog/log"
)

const (
	RouteLogin   = "/auth/login"
	RouteCode    = "/auth/code"
	RouteVerify  = "/auth/verify"
	RouteLogout  = "/auth/logout"
	RouteProfile = "/users/me"
	RouteUploads = "/uploads"
)

// Caller is the request pipeline.
type Caller interface {
	Call(ctx context.Context, method, path string, in, out any) error
	CallRaw(ctx context.Context, method, path string, in any) (json.RawMessage, error)
	UploadBinary(ctx context.Context, path, filename string, r io.Reader, out any) error
}

var _ Caller = (*client.Client)(nil)

// SessionStore is the write side of the session store used by sign-in flows.
type SessionStore interface {
	SetFromAuth(ctx context.Context, resp *session.AuthResponse) error
	UpdateProfile(ctx context.Context, user session.Profile) error
	ClearSession(ctx context.Context) bool
	User() *session.Profile
}

// Auth signs users in and out and keeps the stored profile current.
type Auth struct {
	caller Caller
	store  SessionStore
}

func NewAuth(caller Caller, store SessionStore) *Auth {
	return &Auth{caller: caller, store: store}
}

// Login signs in with email and password.
func (a *Auth) Login(ctx context.Context, email, password string) (*session.Profile, error) {
	body := map[string]string{"email": email, "password": password}
	return a.authenticate(ctx, RouteLogin, body)
}

// RequestCode asks the backend to text a one-time code to phone.
func (a *Auth) RequestCode(ctx context.Context, phone string) error {
	if err := a.caller.Call(client.Anonymous(ctx), http.MethodPost, RouteCode, map[string]string{"phone": phone}, nil); err != nil {
		return fmt.Errorf("[Auth RequestCode] %w", err)
	}
	return nil
}

// VerifyCode completes the phone sign-in started by RequestCode.
func (a *Auth) VerifyCode(ctx context.Context, phone, code string) (*session.Profile, error) {
	body := map[string]string{"phone": phone, "code": code}
	return a.authenticate(ctx, RouteVerify, body)
}

// Logout ends the session on the backend. The local session is cleared even
// when the backend cannot be reached.
func (a *Auth) Logout(ctx context.Context) error {
	err := a.caller.Call(ctx, http.MethodPost, RouteLogout, nil, nil)
	a.store.ClearSession(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Logout request failed, local session cleared anyway")
		return fmt.Errorf("[Auth Logout] %w", err)
	}
	return nil
}

// Me reloads the signed-in user's profile.
func (a *Auth) Me(ctx context.Context) (*session.Profile, error) {
	var profile session.Profile
	if err := a.caller.Call(ctx, http.MethodGet, RouteProfile, nil, &profile); err != nil {
		return nil, fmt.Errorf("[Auth Me] %w", err)
	}
	if err := a.store.UpdateProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("[Auth Me] %w", err)
	}
	return a.store.User(), nil
}

func (a *Auth) UpdateProfile(ctx context.Context, update ProfileUpdate) (*session.Profile, error) {
	var profile session.Profile
	if err := a.caller.Call(ctx, http.MethodPut, RouteProfile, update, &profile); err != nil {
		return nil, fmt.Errorf("[Auth UpdateProfile] %w", err)
	}
	if err := a.store.UpdateProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("[Auth UpdateProfile] %w", err)
	}
	return a.store.User(), nil
}

func (a *Auth) authenticate(ctx context.Context, route string, body any) (*session.Profile, error) {
	var resp session.AuthResponse
	if err := a.caller.Call(client.Anonymous(ctx), http.MethodPost, route, body, &resp); err != nil {
		return nil, fmt.Errorf("[Auth authenticate] %s: %w", route, err)
	}
	if err := a.store.SetFromAuth(ctx, &resp); err != nil {
		return nil, fmt.Errorf("[Auth authenticate] %s: %w", route, err)
	}
	log.Info().Str("user_id", resp.UserID).Msg("Signed in")
	return a.store.User(), nil
}
