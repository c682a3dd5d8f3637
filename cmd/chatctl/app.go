package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/medlink-chat/internal/auth"
	"github.com/PaulBabatuyi/medlink-chat/internal/chat"
	"github.com/PaulBabatuyi/medlink-chat/internal/config"
	"github.com/PaulBabatuyi/medlink-chat/internal/data"
	"github.com/PaulBabatuyi/medlink-chat/internal/db"
	"github.com/PaulBabatuyi/medlink-chat/internal/localcache"
	"github.com/PaulBabatuyi/medlink-chat/internal/logger"
	"github.com/PaulBabatuyi/medlink-chat/internal/memstore"
	"github.com/PaulBabatuyi/medlink-chat/internal/metrics"
	"github.com/PaulBabatuyi/medlink-chat/internal/profilecache"
	"github.com/PaulBabatuyi/medlink-chat/internal/ratelimit"
	"github.com/PaulBabatuyi/medlink-chat/internal/realtime"
)

const connectTimeout = 10 * time.Second

// app holds everything a command needs. Fields that are already set when a
// command runs (tests inject backend and log) are left alone.
type app struct {
	// flags
	memory   bool
	as       string
	token    string
	logLevel string

	cfg     config.Config
	log     *zap.Logger
	reg     *prometheus.Registry
	metrics *metrics.Sync
	jwt     *auth.JWTManager

	backend    chat.Backend
	putProfile func(context.Context, chat.Profile) error
	invalidate func(context.Context, string) error

	client  *chat.Client
	closers []func()
}

// setup loads configuration and the ambient stack. It runs before every
// command.
func (a *app) setup() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg

	if a.log == nil {
		if a.log, err = logger.New(cfg.LogLevel, cfg.Env); err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = a.log.Sync() })
	}

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewSync(a.reg)

	switch {
	case len(cfg.JWTKeys) > 0:
		a.jwt = auth.NewJWTManagerFromKeys(cfg.JWTKeys, cfg.JWTActiveKid, cfg.TokenTTL)
	case cfg.JWTSecret != "":
		a.jwt = auth.NewJWTManager(cfg.JWTSecret, cfg.TokenTTL)
	}
	if a.token == "" {
		a.token = cfg.Token
	}
	return nil
}

// openBackend connects the store: MongoDB normally, an in-process store
// with --memory.
func (a *app) openBackend(ctx context.Context) error {
	if a.backend != nil {
		return nil
	}
	if a.memory {
		store := memstore.New()
		a.backend = store
		a.putProfile = func(_ context.Context, p chat.Profile) error {
			store.PutProfile(p)
			return nil
		}
		return nil
	}
	if a.cfg.MongoURI == "" {
		return errors.New("MONGODB_URI must be set (or use --memory)")
	}

	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	dbClient, err := db.New(cctx, a.cfg.MongoURI, a.cfg.MongoDatabase)
	if err != nil {
		return fmt.Errorf("connect to db: %w", err)
	}
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		_ = dbClient.Close(ctx)
	})
	if err := dbClient.CreateIndexes(cctx); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}

	backend := data.NewBackend(dbClient, a.log.Named("data"))
	a.backend = backend
	a.putProfile = backend.PutProfile
	return nil
}

// identity resolves who the CLI acts as. --as is only honoured with
// in-process stores; anything else needs a verifiable token.
func (a *app) identity() (chat.Identity, error) {
	if a.as != "" {
		if !a.memory {
			return nil, errors.New("--as requires --memory; use a token against a real backend")
		}
		return chat.StaticIdentity(a.as), nil
	}
	if a.token == "" {
		return nil, fmt.Errorf("%w: set CHAT_TOKEN or --token", chat.ErrUnauthenticated)
	}
	if a.jwt == nil {
		return nil, errors.New("JWT_SECRET or JWT_KEYS must be set to verify the token")
	}
	return auth.TokenIdentity{Manager: a.jwt, Token: a.token}, nil
}

// openClient builds the sync core with every optional collaborator the
// configuration enables.
func (a *app) openClient(ctx context.Context) (*chat.Client, error) {
	if err := a.openBackend(ctx); err != nil {
		return nil, err
	}
	ident, err := a.identity()
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.NewLimiterStore(a.cfg.SendRatePerMinute, a.cfg.SendBurst, time.Minute)
	a.closers = append(a.closers, limiter.Stop)

	opts := []chat.Option{
		chat.WithLogger(a.log.Named("chat")),
		chat.WithMetrics(a.metrics),
		chat.WithPageSize(a.cfg.PageSize),
		chat.WithSendLimiter(limiter),
	}

	if a.cfg.CacheDir != "" {
		cache, err := localcache.Open(a.cfg.CacheDir)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = cache.Close() })
		opts = append(opts, chat.WithCache(cache))
	}

	if a.cfg.ValkeyAddr != "" {
		vk, err := profilecache.Dial(a.cfg.ValkeyAddr)
		if err != nil {
			return nil, fmt.Errorf("connect to valkey: %w", err)
		}
		a.closers = append(a.closers, vk.Close)
		pc := profilecache.New(vk, a.backend, 0, a.log.Named("profilecache"))
		a.invalidate = pc.Invalidate
		opts = append(opts, chat.WithProfiles(pc))
	}

	if a.cfg.RealtimeURL != "" && a.token != "" {
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		feed, err := realtime.Dial(cctx, a.cfg.RealtimeURL, a.token, a.log.Named("realtime"))
		cancel()
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = feed.Close() })
		opts = append(opts, chat.WithFeed(feed))
	}

	a.client = chat.New(a.backend, ident, opts...)
	a.closers = append(a.closers, func() { _ = a.client.Close() })
	return a.client, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
