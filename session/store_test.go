package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-listsync/internal/errors"
	"github.com/jrsteele09/go-listsync/internal/utils"
	"github.com/jrsteele09/go-listsync/session"
	"github.com/jrsteele09/go-listsync/session/memstore"
	"github.com/stretchr/testify/require"
)

const (
	testToken  = "access-token-1"
	testUserID = "user-1"
)

func testProfile() session.Profile {
	return session.Profile{
		UserID:      testUserID,
		Email:       utils.Ptr("jane@example.com"),
		DisplayName: utils.Ptr("Jane"),
		Locale:      "en",
	}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := session.NewStore(ctx, memstore.New())
	require.False(t, s.IsAuthenticated())
	require.Nil(t, s.User())

	require.NoError(t, s.SetSession(ctx, testToken, testProfile()))
	require.True(t, s.IsAuthenticated())
	require.Equal(t, testToken, s.AccessToken())
	require.Equal(t, testProfile(), *s.User())

	s.ClearSession(ctx)
	require.False(t, s.IsAuthenticated())
	require.Equal(t, "", s.AccessToken())
	require.Nil(t, s.User())
}

func TestStore_SetSessionRequiresBoth(t *testing.T) {
	ctx := context.Background()
	s := session.NewStore(ctx, nil)

	t.Run("empty token", func(t *testing.T) {
		err := s.SetSession(ctx, "", testProfile())
		require.ErrorIs(t, err, errors.ErrInvalidSession)
		require.False(t, s.IsAuthenticated())
	})

	t.Run("empty user", func(t *testing.T) {
		err := s.SetSession(ctx, testToken, session.Profile{})
		require.ErrorIs(t, err, errors.ErrInvalidSession)
		require.Nil(t, s.User())
	})
}

func TestStore_UserIsACopy(t *testing.T) {
	ctx := context.Background()
	s := session.NewStore(ctx, nil)
	require.NoError(t, s.SetSession(ctx, testToken, testProfile()))

	u := s.User()
	*u.Email = "changed@example.com"
	require.Equal(t, "jane@example.com", *s.User().Email)
}

func TestStore_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	persister := memstore.New()

	first := session.NewStore(ctx, persister)
	require.NoError(t, first.SetSession(ctx, testToken, testProfile()))
	require.Equal(t, 1, persister.Saves())

	second := session.NewStore(ctx, persister)
	require.True(t, second.IsAuthenticated())
	require.Equal(t, testToken, second.AccessToken())
	require.Equal(t, testUserID, second.User().UserID)

	second.ClearSession(ctx)
	third := session.NewStore(ctx, persister)
	require.False(t, third.IsAuthenticated())
}

func TestStore_DiscardsHalfPopulatedSession(t *testing.T) {
	ctx := context.Background()
	persister := memstore.NewWith(session.Session{AccessToken: testToken})

	s := session.NewStore(ctx, persister)
	require.False(t, s.IsAuthenticated())
	require.Nil(t, s.User())

	loaded, err := persister.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestStore_UpdateProfile(t *testing.T) {
	ctx := context.Background()
	s := session.NewStore(ctx, nil)

	err := s.UpdateProfile(ctx, testProfile())
	require.ErrorIs(t, err, errors.ErrNotAuthenticated)

	require.NoError(t, s.SetSession(ctx, testToken, testProfile()))
	updated := testProfile()
	updated.DisplayName = utils.Ptr("Jane Doe")
	require.NoError(t, s.UpdateProfile(ctx, updated))
	require.Equal(t, testToken, s.AccessToken())
	require.Equal(t, "Jane Doe", *s.User().DisplayName)
}

func TestStore_SetFromAuth(t *testing.T) {
	ctx := context.Background()
	s := session.NewStore(ctx, nil)

	err := s.SetFromAuth(ctx, &session.AuthResponse{Profile: testProfile()})
	require.ErrorIs(t, err, errors.ErrInvalidSession)

	err = s.SetFromAuth(ctx, &session.AuthResponse{AccessToken: testToken, Profile: testProfile()})
	require.NoError(t, err)
	require.Equal(t, testToken, s.AccessToken())
}

func TestStore_OnChange(t *testing.T) {
	ctx := context.Background()
	s := session.NewStore(ctx, nil)

	var mu sync.Mutex
	var seen []string
	unsubscribe := s.OnChange(func(snap session.Session) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, snap.AccessToken)
	})

	require.NoError(t, s.SetSession(ctx, testToken, testProfile()))
	require.True(t, s.ClearSession(ctx))
	require.False(t, s.ClearSession(ctx)) // already clear, no notification
	unsubscribe()
	require.NoError(t, s.SetSession(ctx, "ignored", testProfile()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{testToken, ""}, seen)
}

func TestStore_OnChangeOrder(t *testing.T) {
	ctx := context.Background()
	s := session.NewStore(ctx, nil)

	var mu sync.Mutex
	var last string
	s.OnChange(func(snap session.Session) {
		mu.Lock()
		defer mu.Unlock()
		last = snap.AccessToken
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%7 == 0 {
				s.ClearSession(ctx)
				return
			}
			_ = s.SetSession(ctx, fmt.Sprintf("token-%d", i), testProfile())
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, s.AccessToken(), last, "the last notification matches the final state")
}

func TestStore_SetFromAuthIfGeneration(t *testing.T) {
	ctx := context.Background()
	s := session.NewStore(ctx, memstore.New())
	require.NoError(t, s.SetSession(ctx, testToken, testProfile()))
	renewed := &session.AuthResponse{AccessToken: "renewed", Profile: testProfile()}

	t.Run("unchanged generation installs", func(t *testing.T) {
		gen := s.Generation()
		require.NoError(t, s.SetFromAuthIfGeneration(ctx, gen, renewed))
		require.Equal(t, "renewed", s.AccessToken())
	})

	t.Run("sign-out in between wins", func(t *testing.T) {
		gen := s.Generation()
		require.True(t, s.ClearSession(ctx))
		require.Greater(t, s.Generation(), gen)

		err := s.SetFromAuthIfGeneration(ctx, gen, renewed)
		require.ErrorIs(t, err, errors.ErrSessionExpired)
		require.False(t, s.IsAuthenticated())
	})

	t.Run("invalid response", func(t *testing.T) {
		err := s.SetFromAuthIfGeneration(ctx, s.Generation(), &session.AuthResponse{Profile: testProfile()})
		require.ErrorIs(t, err, errors.ErrInvalidSession)
	})
}

func TestStore_TokenSource(t *testing.T) {
	ctx := context.Background()
	s := session.NewStore(ctx, nil)

	_, err := s.Token()
	require.ErrorIs(t, err, errors.ErrNotAuthenticated)

	t.Run("opaque token has no expiry", func(t *testing.T) {
		require.NoError(t, s.SetSession(ctx, testToken, testProfile()))
		tok, err := s.Token()
		require.NoError(t, err)
		require.Equal(t, testToken, tok.AccessToken)
		require.Equal(t, "Bearer", tok.Type())
		require.True(t, tok.Expiry.IsZero())
		require.True(t, s.Expiry().IsZero())
	})

	t.Run("jwt expiry is read from exp", func(t *testing.T) {
		exp := time.Now().Add(time.Hour)
		signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.RegisteredClaims{
			Subject:   testUserID,
			ExpiresAt: jwtlib.NewNumericDate(exp),
		}).SignedString([]byte("secret"))
		require.NoError(t, err)

		require.NoError(t, s.SetSession(ctx, signed, testProfile()))
		require.Equal(t, exp.Unix(), s.Expiry().Unix())

		tok, err := s.Token()
		require.NoError(t, err)
		require.True(t, tok.Valid())
	})
}
