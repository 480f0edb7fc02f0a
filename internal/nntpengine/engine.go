// Package nntpengine pools TLS connections to one or more news servers and
// posts/retrieves articles with retry (spec.md §4.5). It generalizes the
// teacher's internal/pool.Manager (a single pool keyed to the process's
// configured providers) into two pools with distinct policies: one scoped
// to the primary server for posting, one spanning every enabled server in
// priority order for retrieval fallback.
package nntpengine

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/javi11/nntppool/v4"

	"github.com/usenetsync/usenetsync/internal/config"
	"github.com/usenetsync/usenetsync/internal/corekind"
)

// Engine is the pooled post/retrieve surface the Uploader and Downloader
// drive (spec.md §4.5).
type Engine struct {
	mu          sync.RWMutex
	primary     *nntppool.Client // posting: primary server only (spec.md §4.5 "Multi-server policy")
	fallback    *nntppool.Client // retrieval: every enabled server, priority order
	retry       RetryPolicy
	idleTimeout time.Duration
	log         *slog.Logger
}

// New builds an Engine from the configured servers. Servers are sorted by
// Priority (ascending) before building the fallback pool so retrieval tries
// them in the configured order. idleTimeout bounds how long a pooled
// connection may sit unused before the pool recycles it (spec.md's
// idle_timeout_s).
func New(ctx context.Context, servers []config.ServerConfig, retryCfg config.RetryConfig, idleTimeout time.Duration) (*Engine, error) {
	e := &Engine{
		retry:       RetryPolicyFromConfig(retryCfg),
		idleTimeout: idleTimeout,
		log:         slog.Default().With("component", "nntpengine"),
	}
	if err := e.SetServers(ctx, servers); err != nil {
		return nil, err
	}
	return e, nil
}

// SetServers rebuilds both pools from a new server list, used for
// configuration hot-reload (spec.md §9's explicit context objects:
// no ambient global pool, the Engine owns and rebuilds its own state).
func (e *Engine) SetServers(ctx context.Context, servers []config.ServerConfig) error {
	enabled := make([]config.ServerConfig, 0, len(servers))
	for _, s := range servers {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool { return enabled[i].Priority < enabled[j].Priority })

	if len(enabled) == 0 {
		return corekind.New(corekind.InvalidInput, "at least one enabled server is required")
	}

	idleTimeout := e.idleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}

	fallbackProviders := make([]nntppool.Provider, 0, len(enabled))
	for _, s := range enabled {
		fallbackProviders = append(fallbackProviders, toProvider(s, idleTimeout))
	}

	fallbackClient, err := nntppool.NewClient(ctx, fallbackProviders)
	if err != nil {
		return corekind.Wrap(corekind.StorageUnavailable, err, "create NNTP fallback pool")
	}

	primaryClient, err := nntppool.NewClient(ctx, []nntppool.Provider{toProvider(enabled[0], idleTimeout)})
	if err != nil {
		fallbackClient.Close()
		return corekind.Wrap(corekind.StorageUnavailable, err, "create NNTP primary pool")
	}

	e.mu.Lock()
	oldPrimary, oldFallback := e.primary, e.fallback
	e.primary, e.fallback = primaryClient, fallbackClient
	e.mu.Unlock()

	if oldPrimary != nil {
		oldPrimary.Close()
	}
	if oldFallback != nil {
		oldFallback.Close()
	}
	return nil
}

// Close releases both pools.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.primary != nil {
		e.primary.Close()
	}
	if e.fallback != nil {
		e.fallback.Close()
	}
	return nil
}

func toProvider(s config.ServerConfig, idleTimeout time.Duration) nntppool.Provider {
	host := fmt.Sprintf("%s:%d", s.Host, s.Port)
	var tlsCfg *tls.Config
	if s.TLS {
		tlsCfg = &tls.Config{ServerName: s.Host}
	}
	return nntppool.Provider{
		Host:        host,
		TLSConfig:   tlsCfg,
		Auth:        nntppool.Auth{Username: s.Username, Password: s.Password},
		Connections: s.MaxConnections,
		IdleTimeout: idleTimeout,
	}
}
