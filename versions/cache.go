package versions

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jrsteele09/go-listsync/internal/errors"
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

// Kind names a versioned backend resource; the value is its REST collection.
type Kind string

const (
	KindList      Kind = "lists"
	KindCategory  Kind = "categories"
	KindProduct   Kind = "products"
	KindListItem  Kind = "items"
	KindWorkspace Kind = "workspaces"
)

// ParseKind maps the entity kind names used in push notifications
// ("LIST", "list_item", "Product", ...) to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(s, "_", ""), "-", "")) {
	case "list", "lists":
		return KindList, true
	case "category", "categories":
		return KindCategory, true
	case "product", "products":
		return KindProduct, true
	case "item", "items", "listitem", "listitems":
		return KindListItem, true
	case "workspace", "workspaces":
		return KindWorkspace, true
	}
	return "", false
}

// Ref identifies one versioned entity.
type Ref struct {
	Kind Kind
	ID   string
}

func (r Ref) String() string {
	return string(r.Kind) + "/" + r.ID
}

// Path is the entity's REST path.
func (r Ref) Path() string {
	return "/" + string(r.Kind) + "/" + r.ID
}

type entry struct {
	version    int64
	stale      bool
	observedAt time.Time
}

// Cache holds the latest version the client has seen for each entity. Every
// read from the backend should be observed here; edits resolve their version
// from it at submit time.
type Cache struct {
	mu      sync.RWMutex
	entries map[Ref]*entry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[Ref]*entry)}
}

// Observe records version for ref. Versions only move forward: an older
// observation, e.g. a slow response overtaken by a newer one, is ignored and
// false is returned.
func (c *Cache) Observe(ref Ref, version int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[ref]
	if ok && version < e.version {
		return false
	}
	c.entries[ref] = &entry{version: version, observedAt: NowTimeFunc()}
	return true
}

// Latest returns the freshest known version of ref.
func (c *Cache) Latest(ref Ref) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[ref]
	if !ok {
		return 0, false
	}
	return e.version, true
}

// Invalidate marks ref as possibly out of date. The version is kept until a
// re-fetch observes a new one.
func (c *Cache) Invalidate(ref Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[ref]; ok {
		e.stale = true
	}
}

// Stale reports whether ref was invalidated since it was last observed.
func (c *Cache) Stale(ref Ref) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[ref]
	return ok && e.stale
}

// Forget drops ref, e.g. after it was deleted.
func (c *Cache) Forget(ref Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, ref)
}

// Edit opens an edit session for ref. The session holds the id only; its
// version is resolved when the edit is submitted.
func (c *Cache) Edit(ref Ref) *EditSession {
	return &EditSession{cache: c, ref: ref, openedAt: NowTimeFunc()}
}

// EditSession is an open edit form for one entity.
type EditSession struct {
	cache    *Cache
	ref      Ref
	openedAt time.Time
}

func (e *EditSession) Ref() Ref {
	return e.ref
}

func (e *EditSession) OpenedAt() time.Time {
	return e.openedAt
}

// Version re-reads the latest cached version.
func (e *EditSession) Version() (int64, error) {
	v, ok := e.cache.Latest(e.ref)
	if !ok {
		return 0, fmt.Errorf("[EditSession Version] %s: %w", e.ref, errors.ErrUnknownEntity)
	}
	return v, nil
}

// WriteFunc sends a write carrying version and returns the version the server
// assigned.
type WriteFunc func(ctx context.Context, version int64) (int64, error)

// Submit resolves the freshest version immediately before calling write and
// records the version the server returns.
func (e *EditSession) Submit(ctx context.Context, write WriteFunc) error {
	version, err := e.Version()
	if err != nil {
		return err
	}
	next, err := write(ctx, version)
	if err != nil {
		return err
	}
	e.cache.Observe(e.ref, next)
	return nil
}
