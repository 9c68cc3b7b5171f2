// Package config loads the metaserver YAML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zztaki/curve/pkg/copyset"
	"github.com/zztaki/curve/pkg/copyset/raftengine"
)

var (
	ErrNoDataURI        = errors.New("storage.data_uri is required")
	ErrNoHTTPAddr       = errors.New("server.http_addr is required")
	ErrNoCopysets       = errors.New("at least one copyset is required")
	ErrDuplicateCopyset = errors.New("duplicate copyset")
	ErrInvalidPeer      = errors.New("invalid peer id")
	ErrInvalidPolicy    = errors.New("invalid policy")
	ErrInvalidLog       = errors.New("invalid log setting")
)

// Env overrides applied by Load after the file is parsed.
const (
	EnvDataURI  = "METASERVER_DATA_URI"
	EnvHTTPAddr = "METASERVER_HTTP_ADDR"
	EnvLogLevel = "METASERVER_LOG_LEVEL"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Raft       RaftConfig       `yaml:"raft"`
	ApplyQueue ApplyQueueConfig `yaml:"apply_queue"`
	Copysets   []CopysetConfig  `yaml:"copysets"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type ServerConfig struct {
	// ID names this metaserver in logs.
	ID       string `yaml:"id"`
	HTTPAddr string `yaml:"http_addr"`
	// PeerHTTP maps peer ids to the HTTP address of the metaserver hosting
	// them, used to fetch a remote leader's status.
	PeerHTTP       map[string]string `yaml:"peer_http"`
	ProposeTimeout time.Duration     `yaml:"propose_timeout"`
}

type StorageConfig struct {
	// DataURI is "local:///abs/path" or an absolute path.
	DataURI       string `yaml:"data_uri"`
	ConfEpochFile string `yaml:"conf_epoch_file"`
	SnapshotDir   string `yaml:"snapshot_dir"`
	EngineDir     string `yaml:"engine_dir"`
}

type RaftConfig struct {
	HeartbeatTimeout       time.Duration `yaml:"heartbeat_timeout"`
	ElectionTimeout        time.Duration `yaml:"election_timeout"`
	LeaderLeaseTimeout     time.Duration `yaml:"leader_lease_timeout"`
	CommitTimeout          time.Duration `yaml:"commit_timeout"`
	SnapshotInterval       time.Duration `yaml:"snapshot_interval"`
	SnapshotThreshold      uint64        `yaml:"snapshot_threshold"`
	TrailingLogs           uint64        `yaml:"trailing_logs"`
	SnapshotRetain         int           `yaml:"snapshot_retain"`
	RestoreSnapshotOnStart bool          `yaml:"restore_snapshot_on_start"`
	MaxPool                int           `yaml:"max_pool"`
	TransportTimeout       time.Duration `yaml:"transport_timeout"`
	LogLevel               string        `yaml:"log_level"`
}

type ApplyQueueConfig struct {
	Capacity          int    `yaml:"capacity"`
	Policy            string `yaml:"policy"`
	DecodeErrorPolicy string `yaml:"decode_error_policy"`
}

// CopysetConfig is one hosted copyset. Peer is this process's replica id in
// the group and must be listed in Peers for the group to bootstrap here.
type CopysetConfig struct {
	Pool    uint32   `yaml:"pool"`
	Copyset uint32   `yaml:"copyset"`
	Peer    string   `yaml:"peer"`
	Peers   []string `yaml:"peers"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	StatusInterval time.Duration `yaml:"status_interval"`
	StallThreshold int           `yaml:"stall_threshold"`
}

// Default returns a configuration with every optional field set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ID:             "metaserver",
			HTTPAddr:       ":6701",
			ProposeTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			ConfEpochFile: copyset.DefaultConfEpochFile,
			SnapshotDir:   copyset.DefaultSnapshotDir,
			EngineDir:     copyset.DefaultEngineDir,
		},
		Raft: RaftConfig{
			SnapshotInterval:  2 * time.Minute,
			SnapshotThreshold: 8192,
			TrailingLogs:      10240,
			SnapshotRetain:    2,
			MaxPool:           3,
			TransportTimeout:  10 * time.Second,
			LogLevel:          "info",
		},
		ApplyQueue: ApplyQueueConfig{
			Capacity:          copyset.DefaultApplyQueueCapacity,
			Policy:            string(copyset.OverflowBlock),
			DecodeErrorPolicy: string(copyset.DecodeErrorFail),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			StatusInterval: 10 * time.Second,
			StallThreshold: 3,
		},
	}
}

// Load reads path over Default, applies env overrides and validates.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML over Default, applies env overrides and validates.
func Parse(b []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyEnvOverrides()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnvOverrides() {
	if v, ok := os.LookupEnv(EnvDataURI); ok && v != "" {
		c.Storage.DataURI = v
	}
	if v, ok := os.LookupEnv(EnvHTTPAddr); ok && v != "" {
		c.Server.HTTPAddr = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		c.Log.Level = strings.ToLower(v)
	}
}

// Validate checks the fields a metaserver cannot start without.
func (c *Config) Validate() error {
	if c.Storage.DataURI == "" {
		return ErrNoDataURI
	}
	if _, err := copyset.ParseDataURI(c.Storage.DataURI); err != nil {
		return fmt.Errorf("storage.data_uri: %w", err)
	}
	if c.Server.HTTPAddr == "" {
		return ErrNoHTTPAddr
	}

	switch copyset.OverflowPolicy(c.ApplyQueue.Policy) {
	case copyset.OverflowBlock, copyset.OverflowFailFast:
	default:
		return fmt.Errorf("%w: apply_queue.policy %q", ErrInvalidPolicy, c.ApplyQueue.Policy)
	}
	switch copyset.DecodeErrorPolicy(c.ApplyQueue.DecodeErrorPolicy) {
	case copyset.DecodeErrorFail, copyset.DecodeErrorSkip:
	default:
		return fmt.Errorf("%w: apply_queue.decode_error_policy %q", ErrInvalidPolicy, c.ApplyQueue.DecodeErrorPolicy)
	}

	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalidLog, c.Log.Format)
	}

	if len(c.Copysets) == 0 {
		return ErrNoCopysets
	}
	seen := make(map[copyset.GroupID]struct{}, len(c.Copysets))
	for _, cs := range c.Copysets {
		gid := copyset.ToGroupID(copyset.PoolID(cs.Pool), copyset.CopysetID(cs.Copyset))
		if _, ok := seen[gid]; ok {
			return fmt.Errorf("%w: pool %d copyset %d", ErrDuplicateCopyset, cs.Pool, cs.Copyset)
		}
		seen[gid] = struct{}{}

		if err := validPeer(cs.Peer); err != nil {
			return fmt.Errorf("copyset %d/%d peer: %w", cs.Pool, cs.Copyset, err)
		}
		for _, p := range cs.Peers {
			if err := validPeer(p); err != nil {
				return fmt.Errorf("copyset %d/%d peers: %w", cs.Pool, cs.Copyset, err)
			}
		}
	}
	return nil
}

// validPeer accepts "host:port" and "host:port:index".
func validPeer(p string) error {
	parts := strings.Split(p, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("%w %q", ErrInvalidPeer, p)
	}
	return nil
}

// SlogLevel parses log.level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("%w: log.level %q", ErrInvalidLog, c.Log.Level)
	}
	return level, nil
}

// NodeOptions returns the options shared by every hosted copyset. Factories,
// metrics and the peer id are filled in by the caller.
func (c *Config) NodeOptions() copyset.NodeOptions {
	return copyset.NodeOptions{
		DataURI:       c.Storage.DataURI,
		ConfEpochFile: c.Storage.ConfEpochFile,
		SnapshotDir:   c.Storage.SnapshotDir,
		EngineDir:     c.Storage.EngineDir,
		ApplyQueue: copyset.ApplyQueueOptions{
			Capacity: c.ApplyQueue.Capacity,
			Policy:   copyset.OverflowPolicy(c.ApplyQueue.Policy),
		},
		DecodeErrorPolicy: copyset.DecodeErrorPolicy(c.ApplyQueue.DecodeErrorPolicy),
	}
}

// EngineConfig returns the raft binding configuration.
func (c *Config) EngineConfig() raftengine.Config {
	return raftengine.Config{
		HeartbeatTimeout:       c.Raft.HeartbeatTimeout,
		ElectionTimeout:        c.Raft.ElectionTimeout,
		LeaderLeaseTimeout:     c.Raft.LeaderLeaseTimeout,
		CommitTimeout:          c.Raft.CommitTimeout,
		SnapshotInterval:       c.Raft.SnapshotInterval,
		SnapshotThreshold:      c.Raft.SnapshotThreshold,
		TrailingLogs:           c.Raft.TrailingLogs,
		SnapshotRetain:         c.Raft.SnapshotRetain,
		RestoreSnapshotOnStart: c.Raft.RestoreSnapshotOnStart,
		MaxPool:                c.Raft.MaxPool,
		TransportTimeout:       c.Raft.TransportTimeout,
		LogLevel:               c.Raft.LogLevel,
	}
}

// Configuration returns the initial membership of a copyset.
func (cs CopysetConfig) Configuration() copyset.Configuration {
	peers := make([]copyset.PeerID, len(cs.Peers))
	for i, p := range cs.Peers {
		peers[i] = copyset.PeerID(p)
	}
	return copyset.NewConfiguration(peers...)
}

// PeerHTTPAddrs returns server.peer_http keyed by peer id.
func (c *Config) PeerHTTPAddrs() map[copyset.PeerID]string {
	out := make(map[copyset.PeerID]string, len(c.Server.PeerHTTP))
	for peer, addr := range c.Server.PeerHTTP {
		out[copyset.PeerID(peer)] = addr
	}
	return out
}
