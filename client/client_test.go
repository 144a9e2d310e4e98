package client_test

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-listsync/client"
	"github.com/jrsteele09/go-listsync/internal/config"
	"github.com/jrsteele09/go-listsync/internal/errors"
	"github.com/jrsteele09/go-listsync/internal/testbackend"
	"github.com/jrsteele09/go-listsync/internal/utils"
	"github.com/jrsteele09/go-listsync/session"
	"github.com/jrsteele09/go-listsync/session/memstore"
	"github.com/jrsteele09/go-listsync/token/refresh"
	"github.com/stretchr/testify/require"
)

const (
	testUserID   = "user-1"
	testEmail    = "jane@example.com"
	testPassword = "password123"
)

func testProfile() session.Profile {
	return session.Profile{UserID: testUserID, Email: utils.Ptr(testEmail), Locale: "en"}
}

type listBody struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	Name    string `json:"name"`
}

type fixture struct {
	backend     *testbackend.Backend
	store       *session.Store
	coordinator *refresh.Coordinator
	client      *client.Client
	token       string

	mu       sync.Mutex
	failures []client.AuthFailure
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	cfg := config.New()

	b := testbackend.New(t)
	b.AddUser(testEmail, testPassword, testProfile())
	b.Seed("lists", "l1", 3, map[string]any{"name": "Groceries"})

	httpClient := client.NewHTTPClient(cfg)
	store := session.NewStore(ctx, memstore.New())
	token := b.SignIn(httpClient.Jar, testUserID)
	require.NoError(t, store.SetSession(ctx, token, testProfile()))

	coordinator := refresh.NewCoordinator(refresh.NewHTTPExchanger(httpClient, b.URL()), store, cfg)
	f := &fixture{
		backend:     b,
		store:       store,
		coordinator: coordinator,
		client:      client.New(b.URL(), httpClient, store, coordinator, nil),
		token:       token,
	}
	f.client.AuthEvents().Subscribe(func(af client.AuthFailure) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.failures = append(f.failures, af)
	})
	return f
}

func (f *fixture) authFailures() []client.AuthFailure {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]client.AuthFailure(nil), f.failures...)
}

func TestCall_AttachesBearer(t *testing.T) {
	f := setupFixture(t)

	var list listBody
	require.NoError(t, f.client.Call(context.Background(), http.MethodGet, "/lists/l1", nil, &list))
	require.Equal(t, "Groceries", list.Name)
	require.Equal(t, int64(3), list.Version)

	reqs := f.backend.RequestsTo(http.MethodGet, "/lists/l1")
	require.Len(t, reqs, 1)
	require.Equal(t, "Bearer "+f.token, reqs[0].Authorization)
	require.NotEmpty(t, reqs[0].RequestID)
	require.True(t, f.store.Expiry().After(time.Now()))
}

func TestCall_RefreshesAndRetriesOnce(t *testing.T) {
	f := setupFixture(t)
	f.backend.Expire(f.token)

	var list listBody
	require.NoError(t, f.client.Call(context.Background(), http.MethodGet, "/lists/l1", nil, &list))
	require.Equal(t, "l1", list.ID)

	reqs := f.backend.RequestsTo(http.MethodGet, "/lists/l1")
	require.Len(t, reqs, 2)
	require.Equal(t, "Bearer "+f.token, reqs[0].Authorization)
	require.Equal(t, "Bearer "+f.store.AccessToken(), reqs[1].Authorization)
	require.NotEqual(t, f.token, f.store.AccessToken())
	require.Equal(t, reqs[0].RequestID, reqs[1].RequestID)
	require.Equal(t, 1, f.backend.RefreshCalls())
	require.Empty(t, f.authFailures())
}

func TestCall_RetryFailureIsFinal(t *testing.T) {
	f := setupFixture(t)
	f.backend.RejectAll(true)

	err := f.client.Call(context.Background(), http.MethodGet, "/lists/l1", nil, nil)
	require.Error(t, err)
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
	require.Equal(t, "invalid token", apiErr.Error())

	require.Len(t, f.backend.RequestsTo(http.MethodGet, "/lists/l1"), 2)
	require.Equal(t, 1, f.backend.RefreshCalls())
	require.True(t, f.store.IsAuthenticated())
	require.Empty(t, f.authFailures())
}

func TestCall_RefreshFailureExpiresSession(t *testing.T) {
	f := setupFixture(t)
	f.backend.Expire(f.token)
	f.backend.FailRefresh(true)

	err := f.client.Call(context.Background(), http.MethodGet, "/lists/l1", nil, nil)
	require.ErrorIs(t, err, errors.ErrSessionExpired)

	require.False(t, f.store.IsAuthenticated())
	require.Nil(t, f.store.User())
	require.Len(t, f.backend.RequestsTo(http.MethodGet, "/lists/l1"), 1)

	failures := f.authFailures()
	require.Len(t, failures, 1)
	require.Equal(t, "/lists/l1", failures[0].Path)
	require.Equal(t, http.StatusUnauthorized, failures[0].Status)
}

func TestCall_AnonymousUnauthorizedDoesNotRefresh(t *testing.T) {
	f := setupFixture(t)
	f.store.ClearSession(context.Background())

	err := f.client.Call(context.Background(), http.MethodGet, "/lists/l1", nil, nil)
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)

	reqs := f.backend.RequestsTo(http.MethodGet, "/lists/l1")
	require.Len(t, reqs, 1)
	require.Empty(t, reqs[0].Authorization)
	require.Equal(t, 0, f.backend.RefreshCalls())
	require.Empty(t, f.authFailures())
}

func TestCall_NoContent(t *testing.T) {
	f := setupFixture(t)

	out := map[string]any{"untouched": true}
	require.NoError(t, f.client.Call(context.Background(), http.MethodDelete, "/lists/l1", nil, &out))
	require.Equal(t, map[string]any{"untouched": true}, out)

	f.backend.Handle("POST /custom/empty", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	raw, err := f.client.CallRaw(context.Background(), http.MethodPost, "/custom/empty", map[string]string{"a": "b"})
	require.NoError(t, err)
	require.Nil(t, raw)
}

func TestCall_ApplicationErrors(t *testing.T) {
	f := setupFixture(t)

	t.Run("server message", func(t *testing.T) {
		err := f.client.Call(context.Background(), http.MethodGet, "/lists/missing", nil, nil)
		var apiErr *client.APIError
		require.True(t, errors.As(err, &apiErr))
		require.Equal(t, http.StatusNotFound, apiErr.Status)
		require.Equal(t, "lists missing not found", err.Error())
	})

	t.Run("status fallback", func(t *testing.T) {
		f.backend.Handle("GET /custom/boom", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("<html>oops</html>"))
		})
		err := f.client.Call(context.Background(), http.MethodGet, "/custom/boom", nil, nil)
		require.EqualError(t, err, "request failed with status 500")
	})

	t.Run("conflict", func(t *testing.T) {
		err := f.client.Call(context.Background(), http.MethodPut, "/lists/l1", map[string]any{"version": 1}, nil)
		var apiErr *client.APIError
		require.True(t, errors.As(err, &apiErr))
		require.Equal(t, http.StatusConflict, apiErr.Status)
		require.Contains(t, apiErr.Message, "stale version 1")
	})
}

func TestCall_Connectivity(t *testing.T) {
	t.Run("server unreachable", func(t *testing.T) {
		f := setupFixture(t)
		dead := httptest.NewServer(http.NotFoundHandler())
		dead.Close()

		c := client.New(dead.URL, client.NewHTTPClient(config.New()), f.store, f.coordinator, nil)
		err := c.Call(context.Background(), http.MethodGet, "/lists/l1", nil, nil)
		require.ErrorIs(t, err, errors.ErrConnectivity)
		require.True(t, f.store.IsAuthenticated())
	})

	t.Run("timeout", func(t *testing.T) {
		f := setupFixture(t)
		f.backend.Handle("GET /custom/slow", func(w http.ResponseWriter, _ *http.Request) {
			time.Sleep(300 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		})
		jar, err := cookiejar.New(nil)
		require.NoError(t, err)
		c := client.New(f.backend.URL(), &http.Client{Jar: jar, Timeout: 50 * time.Millisecond}, f.store, f.coordinator, nil)

		err = c.Call(context.Background(), http.MethodGet, "/custom/slow", nil, nil)
		require.ErrorIs(t, err, errors.ErrConnectivity)
		require.Equal(t, 0, f.backend.RefreshCalls())
	})
}

func TestCall_ConcurrentAuthFailuresShareOneRefresh(t *testing.T) {
	f := setupFixture(t)
	f.backend.Expire(f.token)
	f.backend.SetRefreshDelay(200 * time.Millisecond)

	const callers = 20
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.client.Call(context.Background(), http.MethodGet, "/lists/l1", nil, nil)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, f.backend.RefreshCalls())
	require.Equal(t, int64(1), f.coordinator.Exchanges())
}

func TestCall_DeadlineWhileWaitingForRefresh(t *testing.T) {
	f := setupFixture(t)
	f.backend.Expire(f.token)
	f.backend.SetRefreshDelay(400 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := f.client.Call(ctx, http.MethodGet, "/lists/l1", nil, nil)
	require.ErrorIs(t, err, errors.ErrConnectivity)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, errors.ErrSessionExpired)

	require.True(t, f.store.IsAuthenticated())
	require.Empty(t, f.authFailures())

	// The shared refresh carries on and installs the renewed token.
	require.Eventually(t, func() bool {
		return f.store.IsAuthenticated() && f.store.AccessToken() != f.token
	}, 5*time.Second, 10*time.Millisecond)
	require.Empty(t, f.authFailures())
}

func TestCall_SignOutDuringRefreshStaysSignedOut(t *testing.T) {
	f := setupFixture(t)
	f.backend.Expire(f.token)
	f.backend.SetRefreshDelay(300 * time.Millisecond)

	errs := make(chan error, 1)
	go func() {
		errs <- f.client.Call(context.Background(), http.MethodGet, "/lists/l1", nil, nil)
	}()
	require.Eventually(t, func() bool { return f.backend.RefreshCalls() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.True(t, f.store.ClearSession(context.Background()))
	require.False(t, f.store.IsAuthenticated())

	require.ErrorIs(t, <-errs, errors.ErrSessionExpired)
	require.False(t, f.store.IsAuthenticated())
	require.Len(t, f.backend.RequestsTo(http.MethodGet, "/lists/l1"), 1)
	// Signing out was deliberate; nothing tells the app to re-authenticate.
	require.Empty(t, f.authFailures())
}

func TestCall_ConcurrentRefreshFailureSignalsOnce(t *testing.T) {
	f := setupFixture(t)
	f.backend.Expire(f.token)
	f.backend.FailRefresh(true)
	f.backend.SetRefreshDelay(200 * time.Millisecond)

	const callers = 10
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.client.Call(context.Background(), http.MethodGet, "/lists/l1", nil, nil)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.Error(t, err)
	}
	require.False(t, f.store.IsAuthenticated())
	require.Len(t, f.authFailures(), 1)
}

func TestUploadBinary(t *testing.T) {
	f := setupFixture(t)
	f.backend.Expire(f.token)

	var out struct {
		URL  string `json:"url"`
		Size int64  `json:"size"`
	}
	err := f.client.UploadBinary(context.Background(), "/uploads", "photo.png", strings.NewReader("png-bytes"), &out)
	require.NoError(t, err)
	require.Equal(t, "/files/photo.png", out.URL)
	require.Equal(t, int64(len("png-bytes")), out.Size)
	require.Len(t, f.backend.RequestsTo(http.MethodPost, "/uploads"), 2)
}

func TestAuthEvents_Unsubscribe(t *testing.T) {
	events := client.NewAuthEvents()
	count := 0
	unsubscribe := events.Subscribe(func(client.AuthFailure) { count++ })

	events.Emit(client.AuthFailure{Path: "/a"})
	unsubscribe()
	events.Emit(client.AuthFailure{Path: "/b"})
	require.Equal(t, 1, count)
}

func TestCall_AnonymousContextSkipsToken(t *testing.T) {
	f := setupFixture(t)

	var out session.AuthResponse
	body := map[string]string{"email": testEmail, "password": testPassword}
	require.NoError(t, f.client.Call(client.Anonymous(context.Background()), http.MethodPost, "/auth/login", body, &out))
	require.Equal(t, testUserID, out.UserID)

	reqs := f.backend.RequestsTo(http.MethodPost, "/auth/login")
	require.Len(t, reqs, 1)
	require.Empty(t, reqs[0].Authorization)

	err := f.client.Call(client.Anonymous(context.Background()), http.MethodGet, "/lists/l1", nil, nil)
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 0, f.backend.RefreshCalls())
	require.True(t, f.store.IsAuthenticated())
}
