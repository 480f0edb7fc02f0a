// Package config defines the core's configuration surface (spec.md §6):
// recognized server, segment, retry and newsgroup settings. Loading this
// struct from a file or flags is an external collaborator's job (spec.md
// §1); this package only defines, validates and diffs it, the way the
// teacher's internal/pool/config.go reacts to provider-list edits without a
// full pool teardown.
package config

import (
	"fmt"
	"time"

	"github.com/jinzhu/copier"
)

// ServerConfig is one configured news server (spec.md §6 servers[*]).
type ServerConfig struct {
	Host           string
	Port           int
	TLS            bool
	Username       string
	Password       string
	MaxConnections int
	Priority       int
	Enabled        bool
}

// Name returns the identity nntpengine uses to track this server across
// reconfigurations, mirroring the teacher's NNTPPoolName() convention.
func (s ServerConfig) Name() string {
	if s.Username != "" {
		return fmt.Sprintf("%s:%d+%s", s.Host, s.Port, s.Username)
	}
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RetryConfig controls the NNTP Engine's backoff driver (spec.md §4.5).
type RetryConfig struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	JitterFraction float64
}

// SegmentConfig is the folder-create-time segmentation policy (spec.md §4.3).
type SegmentConfig struct {
	SegmentSize int64
}

// Config is the full recognized configuration surface (spec.md §6).
type Config struct {
	Servers         []ServerConfig
	Segment         SegmentConfig
	Retry           RetryConfig
	IdleTimeout     time.Duration
	Newsgroup       string
	MessageIDDomain string
	DownloadRoot    string
	// PosterFrom is the From: header value stamped on every article this
	// core posts, segment and CoreIndex part alike (spec.md §6 from).
	PosterFrom string
}

// Default returns the documented defaults from spec.md §6.
func Default() *Config {
	return &Config{
		Segment: SegmentConfig{SegmentSize: 768_000},
		Retry: RetryConfig{
			MaxAttempts:    5,
			InitialDelay:   500 * time.Millisecond,
			MaxDelay:       60 * time.Second,
			BackoffFactor:  2,
			JitterFraction: 0.2,
		},
		IdleTimeout:     300 * time.Second,
		Newsgroup:       "alt.binaries.test",
		MessageIDDomain: "ngPost.com",
		PosterFrom:      "usenetsync <usenetsync@ngPost.com>",
	}
}

// Validate enforces the invariants the rest of the core relies on: a
// positive segment size, sane retry bounds, non-empty newsgroup,
// message-id domain and poster identity, and a host plus positive
// max_connections on every listed server. An empty server list is
// accepted.
func (c *Config) Validate() error {
	if c.Segment.SegmentSize <= 0 {
		return fmt.Errorf("segment_size must be positive, got %d", c.Segment.SegmentSize)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay <= 0 || c.Retry.InitialDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry delay bounds invalid: initial=%s max=%s", c.Retry.InitialDelay, c.Retry.MaxDelay)
	}
	if c.Newsgroup == "" {
		return fmt.Errorf("newsgroup must not be empty")
	}
	if c.MessageIDDomain == "" {
		return fmt.Errorf("message_id_domain must not be empty")
	}
	if c.PosterFrom == "" {
		return fmt.Errorf("poster_from must not be empty")
	}
	for i, s := range c.Servers {
		if s.Host == "" {
			return fmt.Errorf("servers[%d]: host must not be empty", i)
		}
		if s.MaxConnections <= 0 {
			return fmt.Errorf("servers[%d]: max_connections must be positive", i)
		}
	}
	return nil
}

// DeepCopy returns an independent copy of c, used before mutating a
// running configuration the way the teacher's config.DeepCopy() does
// ahead of an UpdateConfig call.
func (c *Config) DeepCopy() *Config {
	var out Config
	if err := copier.CopyWithOption(&out, c, copier.Option{DeepCopy: true}); err != nil {
		// copier only fails on incompatible types, which Config never hits;
		// fall back to the struct's own zero-alloc copy as a last resort.
		out = *c
		out.Servers = append([]ServerConfig(nil), c.Servers...)
	}
	return &out
}

// ServerChangeType describes how a server entry changed between two configs.
type ServerChangeType int

const (
	ServerAdded ServerChangeType = iota
	ServerRemoved
	ServerModified
)

// ServerChange is one diffed server entry, grounded on the teacher's
// ProviderChange/ProvidersDiff pattern (internal/pool/config.go).
type ServerChange struct {
	Type   ServerChangeType
	Name   string
	Old    *ServerConfig
	New    *ServerConfig
}

// ServersDiff reports field-level changes to the server list between old
// and new configs, ignoring pure reordering (see ServersOrderChanged).
func ServersDiff(old, next *Config) []ServerChange {
	oldByName := make(map[string]ServerConfig, len(old.Servers))
	for _, s := range old.Servers {
		oldByName[s.Name()] = s
	}
	newByName := make(map[string]ServerConfig, len(next.Servers))
	for _, s := range next.Servers {
		newByName[s.Name()] = s
	}

	var changes []ServerChange
	for name, ns := range newByName {
		os, existed := oldByName[name]
		switch {
		case !existed:
			n := ns
			changes = append(changes, ServerChange{Type: ServerAdded, Name: name, New: &n})
		case os != ns:
			o, n := os, ns
			changes = append(changes, ServerChange{Type: ServerModified, Name: name, Old: &o, New: &n})
		}
	}
	for name, os := range oldByName {
		if _, stillPresent := newByName[name]; !stillPresent {
			o := os
			changes = append(changes, ServerChange{Type: ServerRemoved, Name: name, Old: &o})
		}
	}
	return changes
}

// ServersOrderChanged reports whether, for two server lists of equal
// length, any position now names a different server than before — the
// reordering case ServersDiff can't express because it diffs by name, not
// position. Lists of different lengths report false; field-level edits
// are not considered.
func ServersOrderChanged(old, next *Config) bool {
	if len(old.Servers) != len(next.Servers) {
		return false
	}
	for i := range old.Servers {
		if old.Servers[i].Name() != next.Servers[i].Name() {
			return true
		}
	}
	return false
}

// ChangeHandler reacts to a validated configuration update.
type ChangeHandler func(old, next *Config)

// Manager holds the current configuration and notifies registered handlers
// on change, mirroring the teacher's OnConfigChange callback registry
// without taking on file-loading duties (out of scope per spec.md §1).
type Manager struct {
	current  *Config
	handlers []ChangeHandler
}

// NewManager wraps an already-validated initial configuration.
func NewManager(initial *Config) *Manager {
	return &Manager{current: initial}
}

// GetConfig returns the current configuration snapshot.
func (m *Manager) GetConfig() *Config {
	return m.current
}

// OnConfigChange registers a handler invoked after every successful Update.
func (m *Manager) OnConfigChange(h ChangeHandler) {
	m.handlers = append(m.handlers, h)
}

// Update validates next, swaps it in, and notifies handlers with the
// previous configuration for diffing.
func (m *Manager) Update(next *Config) error {
	if err := next.Validate(); err != nil {
		return err
	}
	old := m.current
	m.current = next
	for _, h := range m.handlers {
		h(old, next)
	}
	return nil
}
