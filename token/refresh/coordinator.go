package refresh

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jrsteele09/go-listsync/internal/config"
	"github.com/jrsteele09/go-listsync/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const flightKey = "refresh"

// SessionWriter is the part of the session store a refresh writes to.
type SessionWriter interface {
	Generation() uint64
	SetFromAuthIfGeneration(ctx context.Context, gen uint64, resp *session.AuthResponse) error
}

// Coordinator runs the silent token refresh. Concurrent callers share a single
// in-flight exchange and all observe its outcome.
type Coordinator struct {
	exchanger Exchanger
	store     SessionWriter
	timeout   time.Duration
	group     singleflight.Group
	exchanges atomic.Int64
	log       zerolog.Logger
}

// NewCoordinator creates a refresh coordinator writing into store.
func NewCoordinator(exchanger Exchanger, store SessionWriter, cfg config.ClientConfig) *Coordinator {
	return &Coordinator{
		exchanger: exchanger,
		store:     store,
		timeout:   cfg.GetRefreshTimeout(),
		log:       log.Logger.With().Str("component", "refresh").Logger(),
	}
}

// Refresh obtains a new access token and stores it. It never returns an
// error; false means the session could not be renewed.
//
// The exchange is detached from ctx's cancellation so that one caller giving
// up does not fail the result shared with the others. A caller whose ctx ends
// first stops waiting and gets false.
func (c *Coordinator) Refresh(ctx context.Context) bool {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flightKey, func() (interface{}, error) {
		return c.exchange(detached), nil
	})

	select {
	case <-ctx.Done():
		return false
	case res := <-ch:
		ok, _ := res.Val.(bool)
		if res.Shared {
			c.log.Debug().Bool("ok", ok).Msg("Joined in-flight refresh")
		}
		return ok
	}
}

// Exchanges returns how many exchanges have been started.
func (c *Coordinator) Exchanges() int64 {
	return c.exchanges.Load()
}

// exchange installs the renewed session only if nobody signed out while the
// exchange was in flight.
func (c *Coordinator) exchange(ctx context.Context) bool {
	c.exchanges.Add(1)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	gen := c.store.Generation()
	auth, err := c.exchanger.Exchange(ctx)
	if err != nil {
		c.log.Err(err).Msg("Token refresh failed")
		return false
	}
	if err := c.store.SetFromAuthIfGeneration(ctx, gen, auth); err != nil {
		c.log.Err(err).Msg("Token refresh returned an unusable session")
		return false
	}
	c.log.Debug().Str("user_id", auth.UserID).Msg("Token refreshed")
	return true
}
