package testbackend_test

import (
	"testing"
	"time"

	"github.com/jrsteele09/go-listsync/internal/testbackend"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuer(t *testing.T) {
	issuer := testbackend.NewTokenIssuer("secret", time.Minute)

	t.Run("issue and verify", func(t *testing.T) {
		token, err := issuer.Issue("user-1")
		require.NoError(t, err)
		sub, err := issuer.Verify(token)
		require.NoError(t, err)
		require.Equal(t, "user-1", sub)
	})

	t.Run("revoked", func(t *testing.T) {
		token, err := issuer.Issue("user-1")
		require.NoError(t, err)
		issuer.Revoke(token)
		_, err = issuer.Verify(token)
		require.Error(t, err)
	})

	t.Run("revoke all", func(t *testing.T) {
		a, _ := issuer.Issue("user-1")
		b, _ := issuer.Issue("user-2")
		issuer.RevokeAll()
		_, err := issuer.Verify(a)
		require.Error(t, err)
		_, err = issuer.Verify(b)
		require.Error(t, err)

		c, _ := issuer.Issue("user-1")
		_, err = issuer.Verify(c)
		require.NoError(t, err)
	})

	t.Run("other secret", func(t *testing.T) {
		token, _ := testbackend.NewTokenIssuer("other", time.Minute).Issue("user-1")
		_, err := issuer.Verify(token)
		require.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := issuer.Issue("user-1")
		require.NoError(t, err)

		testbackend.NowTimeFunc = func() time.Time { return time.Now().Add(2 * time.Minute) }
		defer func() { testbackend.NowTimeFunc = time.Now }()
		_, err = issuer.Verify(token)
		require.Error(t, err)

		issuer.Cleanup()
	})
}
