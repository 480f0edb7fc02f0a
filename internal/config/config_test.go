package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		config      *Config
		wantErr     bool
		errContains string
	}{
		{
			name:   "defaults are valid",
			config: Default(),
		},
		{
			name: "zero segment size rejected",
			config: func() *Config {
				c := Default()
				c.Segment.SegmentSize = 0
				return c
			}(),
			wantErr:     true,
			errContains: "segment_size",
		},
		{
			name: "server without host rejected",
			config: func() *Config {
				c := Default()
				c.Servers = []ServerConfig{{Port: 563, MaxConnections: 5}}
				return c
			}(),
			wantErr:     true,
			errContains: "host",
		},
		{
			name: "server without connections rejected",
			config: func() *Config {
				c := Default()
				c.Servers = []ServerConfig{{Host: "news.example.com", Port: 563}}
				return c
			}(),
			wantErr:     true,
			errContains: "max_connections",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestServersDiff(t *testing.T) {
	old := Default()
	old.Servers = []ServerConfig{
		{Host: "a.example.com", Port: 563, MaxConnections: 5},
		{Host: "b.example.com", Port: 563, MaxConnections: 5},
	}

	next := Default()
	next.Servers = []ServerConfig{
		{Host: "a.example.com", Port: 563, MaxConnections: 10}, // modified
		{Host: "c.example.com", Port: 563, MaxConnections: 5},  // added
		// b removed
	}

	changes := ServersDiff(old, next)
	require.Len(t, changes, 3)

	byType := map[ServerChangeType]int{}
	for _, c := range changes {
		byType[c.Type]++
	}
	assert.Equal(t, 1, byType[ServerAdded])
	assert.Equal(t, 1, byType[ServerRemoved])
	assert.Equal(t, 1, byType[ServerModified])
}

func TestServersOrderChanged(t *testing.T) {
	old := Default()
	old.Servers = []ServerConfig{
		{Host: "a.example.com", Port: 563, MaxConnections: 5},
		{Host: "b.example.com", Port: 563, MaxConnections: 5},
	}
	next := Default()
	next.Servers = []ServerConfig{old.Servers[1], old.Servers[0]}

	assert.True(t, ServersOrderChanged(old, next))
	assert.Empty(t, ServersDiff(old, next))
}

func TestManager_UpdateNotifiesHandlers(t *testing.T) {
	m := NewManager(Default())

	var gotOld, gotNew *Config
	m.OnConfigChange(func(o, n *Config) {
		gotOld, gotNew = o, n
	})

	next := Default()
	next.Newsgroup = "alt.binaries.other"
	require.NoError(t, m.Update(next))

	assert.Equal(t, "alt.binaries.test", gotOld.Newsgroup)
	assert.Equal(t, "alt.binaries.other", gotNew.Newsgroup)
	assert.Equal(t, "alt.binaries.other", m.GetConfig().Newsgroup)
}

func TestConfig_DeepCopy(t *testing.T) {
	c := Default()
	c.Servers = []ServerConfig{{Host: "a.example.com", Port: 563, MaxConnections: 5}}

	cp := c.DeepCopy()
	cp.Servers[0].Host = "mutated.example.com"

	assert.Equal(t, "a.example.com", c.Servers[0].Host)
	assert.Equal(t, "mutated.example.com", cp.Servers[0].Host)
}
