package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zztaki/curve/pkg/copyset"
)

const validYAML = `
server:
  id: ms-1
  http_addr: 127.0.0.1:6701
  peer_http:
    "10.0.0.2:8200:0": 10.0.0.2:6701
storage:
  data_uri: local:///data/metaserver
raft:
  snapshot_interval: 30s
  trailing_logs: 100
apply_queue:
  capacity: 128
  policy: fail-fast
copysets:
  - pool: 1
    copyset: 2
    peer: 10.0.0.1:8200:0
    peers: [10.0.0.1:8200:0, 10.0.0.2:8200:0, 10.0.0.3:8200:0]
log:
  level: debug
  format: text
`

func TestParse_Valid(t *testing.T) {
	c, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "ms-1", c.Server.ID)
	assert.Equal(t, 30*time.Second, c.Raft.SnapshotInterval)
	assert.Equal(t, uint64(100), c.Raft.TrailingLogs)
	assert.Equal(t, 128, c.ApplyQueue.Capacity)

	// untouched fields keep their defaults
	assert.Equal(t, uint64(8192), c.Raft.SnapshotThreshold)
	assert.Equal(t, copyset.DefaultConfEpochFile, c.Storage.ConfEpochFile)
	assert.Equal(t, string(copyset.DecodeErrorFail), c.ApplyQueue.DecodeErrorPolicy)
	assert.Equal(t, 10*time.Second, c.Metrics.StatusInterval)

	require.Len(t, c.Copysets, 1)
	conf := c.Copysets[0].Configuration()
	assert.Len(t, conf.Peers, 3)
	assert.Equal(t, "10.0.0.2:6701", c.PeerHTTPAddrs()["10.0.0.2:8200:0"])
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv(EnvDataURI, "/override")
	t.Setenv(EnvHTTPAddr, ":9999")
	t.Setenv(EnvLogLevel, "WARN")

	c, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	assert.Equal(t, "/override", c.Storage.DataURI)
	assert.Equal(t, ":9999", c.Server.HTTPAddr)
	assert.Equal(t, "warn", c.Log.Level)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Storage.DataURI = "/data"
		c.Copysets = []CopysetConfig{{Pool: 1, Copyset: 1, Peer: "a:1:0", Peers: []string{"a:1:0"}}}
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   error
	}{
		{"no_data_uri", func(c *Config) { c.Storage.DataURI = "" }, ErrNoDataURI},
		{"no_http_addr", func(c *Config) { c.Server.HTTPAddr = "" }, ErrNoHTTPAddr},
		{"no_copysets", func(c *Config) { c.Copysets = nil }, ErrNoCopysets},
		{"queue_policy", func(c *Config) { c.ApplyQueue.Policy = "drop" }, ErrInvalidPolicy},
		{"decode_policy", func(c *Config) { c.ApplyQueue.DecodeErrorPolicy = "ignore" }, ErrInvalidPolicy},
		{"log_level", func(c *Config) { c.Log.Level = "loud" }, ErrInvalidLog},
		{"log_format", func(c *Config) { c.Log.Format = "xml" }, ErrInvalidLog},
		{"bad_peer", func(c *Config) { c.Copysets[0].Peer = "nohost" }, ErrInvalidPeer},
		{"bad_member", func(c *Config) { c.Copysets[0].Peers = []string{"a:1:0:9"} }, ErrInvalidPeer},
		{"duplicate", func(c *Config) { c.Copysets = append(c.Copysets, c.Copysets[0]) }, ErrDuplicateCopyset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.ErrorIs(t, c.Validate(), tt.want)
		})
	}

	c := valid()
	c.Storage.DataURI = "s3://bucket"
	assert.Error(t, c.Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metaserver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "local:///data/metaserver", c.Storage.DataURI)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestConversions(t *testing.T) {
	c, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	opts := c.NodeOptions()
	assert.Equal(t, "local:///data/metaserver", opts.DataURI)
	assert.Equal(t, copyset.OverflowFailFast, opts.ApplyQueue.Policy)
	assert.Equal(t, 128, opts.ApplyQueue.Capacity)
	assert.Equal(t, copyset.DecodeErrorFail, opts.DecodeErrorPolicy)

	ec := c.EngineConfig()
	assert.Equal(t, 30*time.Second, ec.SnapshotInterval)
	assert.Equal(t, uint64(100), ec.TrailingLogs)
	assert.False(t, ec.RestoreSnapshotOnStart)

	level, err := c.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", level.String())
}
