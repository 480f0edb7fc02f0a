// Command usenetsyncd is the composition root wiring Identity, Keying,
// Catalog, the NNTP Engine, and every pipeline package behind the control
// surface spec.md §6 exposes to a GUI or CLI process (spec.md §9's required
// construction order: Identity and Keying before anything that touches a
// Folder, the Engine before anything that touches the network). It does not
// itself parse a CLI or load a config file — both are an external
// collaborator's job (spec.md §1) — so every setting here comes from
// environment variables with the documented spec.md §6 defaults, the same
// division of labor internal/config's own doc comment describes.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/usenetsync/usenetsync/internal/catalog"
	"github.com/usenetsync/usenetsync/internal/config"
	"github.com/usenetsync/usenetsync/internal/control"
	"github.com/usenetsync/usenetsync/internal/downloader"
	"github.com/usenetsync/usenetsync/internal/identity"
	"github.com/usenetsync/usenetsync/internal/indexer"
	"github.com/usenetsync/usenetsync/internal/keying"
	"github.com/usenetsync/usenetsync/internal/logging"
	"github.com/usenetsync/usenetsync/internal/nntpengine"
	"github.com/usenetsync/usenetsync/internal/publisher"
	"github.com/usenetsync/usenetsync/internal/resolver"
	"github.com/usenetsync/usenetsync/internal/segmenter"
	"github.com/usenetsync/usenetsync/internal/uploader"
)

func main() {
	dataDir := env("USENETSYNC_DATA_DIR", "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		slog.Error("create data dir", "error", err)
		os.Exit(1)
	}

	log := logging.NewBase(logging.Config{
		FilePath:   env("USENETSYNC_LOG_FILE", ""),
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 28,
		Level:      slog.LevelInfo,
	})

	cfg := config.Default()
	cfg.Newsgroup = env("USENETSYNC_NEWSGROUP", cfg.Newsgroup)
	cfg.MessageIDDomain = env("USENETSYNC_MESSAGE_ID_DOMAIN", cfg.MessageIDDomain)
	cfg.PosterFrom = env("USENETSYNC_POSTER_FROM", cfg.PosterFrom)
	cfg.Segment.SegmentSize = envInt64("USENETSYNC_SEGMENT_SIZE", cfg.Segment.SegmentSize)
	if host := os.Getenv("USENETSYNC_SERVER_HOST"); host != "" {
		cfg.Servers = []config.ServerConfig{{
			Host:           host,
			Port:           int(envInt64("USENETSYNC_SERVER_PORT", 563)),
			TLS:            env("USENETSYNC_SERVER_TLS", "true") == "true",
			Username:       os.Getenv("USENETSYNC_SERVER_USER"),
			Password:       os.Getenv("USENETSYNC_SERVER_PASS"),
			MaxConnections: int(envInt64("USENETSYNC_SERVER_MAX_CONNS", 10)),
			Priority:       0,
			Enabled:        true,
		}}
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cat, err := catalog.Open(ctx, filepath.Join(dataDir, "catalog.db"))
	if err != nil {
		log.Error("open catalog", "error", err)
		os.Exit(1)
	}
	defer cat.Close()

	engine, err := nntpengine.New(ctx, cfg.Servers, cfg.Retry, cfg.IdleTimeout)
	if err != nil {
		log.Error("start NNTP engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	id := identity.New(identity.NewFileSecretStore(filepath.Join(dataDir, "identity.key")))
	keys := keying.New(cat)
	idx := indexer.New(cat, indexer.Config{})
	seg := segmenter.New(cat, keys)
	workQueueRetry := nntpengine.RetryPolicyFromConfig(cfg.Retry)
	up := uploader.New(cat, keys, engine, workQueueRetry, uploader.Config{
		Newsgroup:       cfg.Newsgroup,
		MessageIDDomain: cfg.MessageIDDomain,
		From:            cfg.PosterFrom,
	})
	pub := publisher.New(cat, keys, engine)
	res := resolver.New(cat, engine)
	down := downloader.New(cat, engine, workQueueRetry, downloader.Config{})

	svc := control.New(id, cat, idx, seg, up, pub, res, down, cfg.Newsgroup, cfg.MessageIDDomain, cfg.PosterFrom, cfg.Segment.SegmentSize)
	_ = svc // driven by the external GUI/CLI collaborator over the control surface; see internal/control.

	if err := up.Start(ctx, 5*time.Second); err != nil {
		log.Error("start uploader", "error", err)
		os.Exit(1)
	}
	defer up.Stop(context.Background())

	if err := down.Start(ctx, 5*time.Second); err != nil {
		log.Error("start downloader", "error", err)
		os.Exit(1)
	}
	defer down.Stop(context.Background())

	log.Info("usenetsyncd ready", "newsgroup", cfg.Newsgroup, "data_dir", dataDir)
	<-ctx.Done()
	log.Info("shutting down")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
