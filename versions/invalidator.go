package versions

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-listsync/realtime"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// RefetchFunc reloads an entity through the request pipeline, observing its
// new version in the cache.
type RefetchFunc func(ctx context.Context, ref Ref) error

// Invalidator turns realtime change events into cache invalidation. Push
// delivery is lossy across reconnects, so events are hints only; the
// authoritative version always comes from the refetch.
//
// Refetches run off the subscriber's goroutine: a refetch can end the session,
// and the subscriber reacting to that must not wait on itself.
type Invalidator struct {
	cache   *Cache
	refetch RefetchFunc
	ctx     context.Context
	group   singleflight.Group
	wg      sync.WaitGroup
}

// NewInvalidator invalidates entries in cache; refetch may be nil, in which
// case entries are only marked stale.
func NewInvalidator(ctx context.Context, cache *Cache, refetch RefetchFunc) *Invalidator {
	return &Invalidator{cache: cache, refetch: refetch, ctx: ctx}
}

// Handle is a realtime.Handler.
func (i *Invalidator) Handle(ev realtime.Event) {
	kind, ok := ParseKind(ev.EntityKind)
	if !ok {
		log.Debug().Str("entity_kind", ev.EntityKind).Msg("Ignoring change for unknown entity kind")
		return
	}
	ref := Ref{Kind: kind, ID: ev.EntityID}

	if ev.ChangeType == realtime.ChangeRemoved {
		i.cache.Forget(ref)
		return
	}
	i.cache.Invalidate(ref)
	if i.refetch == nil {
		return
	}

	// Bursts of changes to one entity share a single in-flight refetch.
	ch := i.group.DoChan(ref.String(), func() (interface{}, error) {
		return nil, i.refetch(i.ctx, ref)
	})
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		if res := <-ch; res.Err != nil {
			log.Err(res.Err).Str("ref", ref.String()).Msg("Refetch after change event failed")
		}
	}()
}

// Wait blocks until every started refetch has finished.
func (i *Invalidator) Wait() {
	i.wg.Wait()
}

var _ realtime.Handler = (&Invalidator{}).Handle
