package copyset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// localScheme is the only data URI scheme supported.
	localScheme = "local://"

	DefaultConfEpochFile = "conf.epoch"
	DefaultSnapshotDir   = "snapshot_work"
	DefaultEngineDir     = "raft"
)

// DecodeErrorPolicy decides what happens to a committed entry the store
// cannot decode. Every replica sees the same entry, so either choice keeps
// replicas identical.
type DecodeErrorPolicy string

const (
	// DecodeErrorFail marks the node degraded through the fatal-error path.
	DecodeErrorFail DecodeErrorPolicy = "fail"
	// DecodeErrorSkip counts the entry as applied and fails only its task.
	DecodeErrorSkip DecodeErrorPolicy = "skip"
)

// StoreOptions are handed to a MetaStoreFactory.
type StoreOptions struct {
	// Dir is the copyset data directory.
	Dir    string
	Name   string
	Logger *slog.Logger
}

// MetaStoreFactory opens the store a node applies to.
type MetaStoreFactory func(opts StoreOptions) (MetaStore, error)

// LeaderStatusFetcher fetches the status of a remote leader.
type LeaderStatusFetcher interface {
	FetchLeaderStatus(ctx context.Context, leader PeerID, poolID PoolID, copysetID CopysetID) (NodeStatus, error)
}

// NodeOptions configure Node.Init.
type NodeOptions struct {
	// DataURI is the root of all copyset data, "local:///abs/path" or an
	// absolute path. The copyset lives in <root>/<group id>.
	DataURI string
	// PeerID identifies this replica inside the group.
	PeerID PeerID

	// ConfEpochFile is relative to the copyset directory.
	ConfEpochFile string
	// SnapshotDir is the working area used while installing a snapshot,
	// relative to the copyset directory.
	SnapshotDir string
	// EngineDir is handed to the engine factory, relative to the copyset
	// directory.
	EngineDir string

	ApplyQueue        ApplyQueueOptions
	DecodeErrorPolicy DecodeErrorPolicy

	MetaStoreFactory MetaStoreFactory
	EngineFactory    EngineFactory
	// ConfEpochStoreFactory defaults to OpenConfEpochFile.
	ConfEpochStoreFactory func(path string, poolID PoolID, copysetID CopysetID) (ConfEpochStore, error)
	// MetricFactory defaults to a no-op metric.
	MetricFactory       func(name string) Metric
	LeaderStatusFetcher LeaderStatusFetcher

	Logger *slog.Logger
}

func (o *NodeOptions) setDefaults() {
	if o.ConfEpochFile == "" {
		o.ConfEpochFile = DefaultConfEpochFile
	}
	if o.SnapshotDir == "" {
		o.SnapshotDir = DefaultSnapshotDir
	}
	if o.EngineDir == "" {
		o.EngineDir = DefaultEngineDir
	}
	if o.DecodeErrorPolicy == "" {
		o.DecodeErrorPolicy = DecodeErrorFail
	}
	if o.ConfEpochStoreFactory == nil {
		o.ConfEpochStoreFactory = func(path string, poolID PoolID, copysetID CopysetID) (ConfEpochStore, error) {
			return OpenConfEpochFile(path, poolID, copysetID)
		}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

func (o *NodeOptions) validate() error {
	if o.PeerID == "" {
		return errors.New("empty peer id")
	}
	if o.MetaStoreFactory == nil {
		return errors.New("nil meta store factory")
	}
	if o.EngineFactory == nil {
		return errors.New("nil engine factory")
	}
	switch o.DecodeErrorPolicy {
	case DecodeErrorFail, DecodeErrorSkip:
	default:
		return fmt.Errorf("unknown decode error policy %q", o.DecodeErrorPolicy)
	}
	switch o.ApplyQueue.Policy {
	case "", OverflowBlock, OverflowFailFast:
	default:
		return fmt.Errorf("unknown apply queue policy %q", o.ApplyQueue.Policy)
	}
	for _, p := range []string{o.ConfEpochFile, o.SnapshotDir, o.EngineDir} {
		if filepath.IsAbs(p) || strings.HasPrefix(filepath.Clean(p), "..") {
			return fmt.Errorf("path %q must be relative to the copyset directory", p)
		}
	}
	return nil
}

// ParseDataURI returns the local root directory of a data URI.
func ParseDataURI(uri string) (string, error) {
	if uri == "" {
		return "", errors.New("empty data uri")
	}
	path := uri
	if strings.Contains(uri, "://") {
		if !strings.HasPrefix(uri, localScheme) {
			return "", fmt.Errorf("unsupported data uri %q", uri)
		}
		path = strings.TrimPrefix(uri, localScheme)
	}
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("data uri %q is not absolute", uri)
	}
	return filepath.Clean(path), nil
}

// CopysetDataDir returns the directory a copyset keeps its files in.
func CopysetDataDir(root string, poolID PoolID, copysetID CopysetID) string {
	return filepath.Join(root, strconv.FormatUint(uint64(ToGroupID(poolID, copysetID)), 10))
}
