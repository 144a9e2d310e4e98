// Package app wires the session store, refresh coordinator, request pipeline,
// realtime subscribers and version cache into one client.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jrsteele09/go-listsync/api"
	"github.com/jrsteele09/go-listsync/client"
	"github.com/jrsteele09/go-listsync/internal/config"
	"github.com/jrsteele09/go-listsync/realtime"
	"github.com/jrsteele09/go-listsync/session"
	"github.com/jrsteele09/go-listsync/session/filestore"
	"github.com/jrsteele09/go-listsync/session/redisstore"
	"github.com/jrsteele09/go-listsync/token/refresh"
	"github.com/jrsteele09/go-listsync/versions"
	"github.com/rs/zerolog/log"
)

// App is a signed-in (or signed-out) client of the shopping list backend.
type App struct {
	Config      config.Config
	Store       *session.Store
	HTTPClient  *http.Client
	Refresh     *refresh.Coordinator
	Client      *client.Client
	Auth        *api.Auth
	Resources   *api.Resources
	Cache       *versions.Cache
	Invalidator *versions.Invalidator
	Lists       *realtime.Subscriber
	Workspaces  *realtime.Subscriber

	handlers []realtime.Handler
	cleanup  []func()
	cancel   context.CancelFunc
}

type Option func(*options)

type options struct {
	persister session.Persister
	handlers  []realtime.Handler
}

// WithPersister overrides the session storage chosen from config.
func WithPersister(p session.Persister) Option {
	return func(o *options) { o.persister = p }
}

// WithEventHandler adds a handler that sees every realtime event after the
// version cache has been invalidated.
func WithEventHandler(h realtime.Handler) Option {
	return func(o *options) { o.handlers = append(o.handlers, h) }
}

// NewPersister picks session storage: redis when an address is configured,
// otherwise a file in the data folder.
func NewPersister(cfg config.EnvConfig) (session.Persister, error) {
	if addr := cfg.GetRedisAddr(); addr != "" {
		log.Debug().Str("addr", addr).Msg("Persisting session in redis")
		return redisstore.NewFromAddr(addr, cfg.GetAppName()), nil
	}
	store, err := filestore.New(cfg.GetDataFolder(), cfg.GetSessionKey())
	if err != nil {
		return nil, fmt.Errorf("[app NewPersister] %w", err)
	}
	log.Debug().Str("path", store.Path()).Msg("Persisting session to file")
	return store, nil
}

func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.persister == nil {
		p, err := NewPersister(cfg)
		if err != nil {
			return nil, fmt.Errorf("[app New] %w", err)
		}
		o.persister = p
	}

	a := &App{Config: cfg, handlers: o.handlers}
	a.Store = session.NewStore(ctx, o.persister)
	a.HTTPClient = client.NewHTTPClient(cfg)
	a.Refresh = refresh.NewCoordinator(refresh.NewHTTPExchanger(a.HTTPClient, cfg.GetBaseURL()), a.Store, cfg)
	a.Client = client.New(cfg.GetBaseURL(), a.HTTPClient, a.Store, a.Refresh, nil)
	a.Auth = api.NewAuth(a.Client, a.Store)
	a.Cache = versions.NewCache()
	a.Resources = api.NewResources(a.Client, a.Cache)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.Invalidator = versions.NewInvalidator(runCtx, a.Cache, a.Resources.Refetch)

	url := cfg.GetRealtimeURL()
	a.Lists = realtime.NewSubscriber(realtime.DefaultOptions(cfg, url, realtime.KindList, a.dispatch))
	a.Workspaces = realtime.NewSubscriber(realtime.DefaultOptions(cfg, url, realtime.KindWorkspace, a.dispatch))

	a.cleanup = append(a.cleanup,
		a.Lists.BindSession(a.Store),
		a.Workspaces.BindSession(a.Store),
		a.Client.AuthEvents().Subscribe(func(f client.AuthFailure) {
			log.Warn().Str("path", f.Path).Int("status", f.Status).Msg("Session expired, sign in again")
		}),
	)
	return a, nil
}

func (a *App) dispatch(ev realtime.Event) {
	a.Invalidator.Handle(ev)
	for _, h := range a.handlers {
		h(ev)
	}
}

// Close stops both subscribers and waits for outstanding refetches.
func (a *App) Close() {
	for _, fn := range a.cleanup {
		fn()
	}
	a.Lists.Close()
	a.Workspaces.Close()
	a.cancel()
	a.Invalidator.Wait()
}
