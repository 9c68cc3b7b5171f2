package copyset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ConfEpoch is the durable membership record of a copyset.
type ConfEpoch struct {
	PoolID    PoolID
	CopysetID CopysetID
	Epoch     uint64
	// ConfIndex is the log index of the membership entry that produced Epoch.
	ConfIndex     uint64
	Configuration Configuration
}

// ConfEpochStore persists a ConfEpoch. Save returns only after the record is
// on stable storage.
type ConfEpochStore interface {
	Load() (ConfEpoch, error)
	Save(ce ConfEpoch) error
	Close() error
}

// confEpochRecord is the on-disk JSON layout.
type confEpochRecord struct {
	PoolID    uint32   `json:"pool_id"`
	CopysetID uint32   `json:"copyset_id"`
	Epoch     uint64   `json:"epoch"`
	ConfIndex uint64   `json:"conf_index"`
	Peers     []string `json:"peers"`
	Checksum  uint64   `json:"checksum"`
}

func (r *confEpochRecord) checksum() (uint64, error) {
	c := *r
	c.Checksum = 0
	data, err := json.Marshal(&c)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(data), nil
}

// ConfEpochFile keeps the record in a single file, replaced atomically on
// every Save.
type ConfEpochFile struct {
	mu        sync.Mutex
	path      string
	poolID    PoolID
	copysetID CopysetID
}

// OpenConfEpochFile prepares a conf epoch file for (pool, copyset) at path.
// The file itself is created by the first Save.
func OpenConfEpochFile(path string, poolID PoolID, copysetID CopysetID) (*ConfEpochFile, error) {
	if path == "" {
		return nil, errors.New("empty conf epoch path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir conf epoch dir: %w", err)
	}
	return &ConfEpochFile{path: path, poolID: poolID, copysetID: copysetID}, nil
}

// Path returns the file location.
func (f *ConfEpochFile) Path() string {
	return f.path
}

// Load reads and verifies the record.
func (f *ConfEpochFile) Load() (ConfEpoch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ConfEpoch{}, ErrConfEpochNotFound
		}
		return ConfEpoch{}, fmt.Errorf("read conf epoch: %w", err)
	}

	var rec confEpochRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ConfEpoch{}, fmt.Errorf("%w: %v", ErrConfEpochCorrupt, err)
	}
	sum, err := rec.checksum()
	if err != nil {
		return ConfEpoch{}, fmt.Errorf("checksum conf epoch: %w", err)
	}
	if sum != rec.Checksum {
		return ConfEpoch{}, fmt.Errorf("%w: checksum %x, want %x", ErrConfEpochCorrupt, rec.Checksum, sum)
	}
	if PoolID(rec.PoolID) != f.poolID || CopysetID(rec.CopysetID) != f.copysetID {
		return ConfEpoch{}, fmt.Errorf("%w: record for (%d, %d), want (%d, %d)",
			ErrConfEpochCorrupt, rec.PoolID, rec.CopysetID, f.poolID, f.copysetID)
	}

	peers := make([]PeerID, len(rec.Peers))
	for i, p := range rec.Peers {
		peers[i] = PeerID(p)
	}
	return ConfEpoch{
		PoolID:        f.poolID,
		CopysetID:     f.copysetID,
		Epoch:         rec.Epoch,
		ConfIndex:     rec.ConfIndex,
		Configuration: Configuration{Peers: peers},
	}, nil
}

// Save writes the record to a temp file, fsyncs it, renames it over the old
// one and fsyncs the directory.
func (f *ConfEpochFile) Save(ce ConfEpoch) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec := confEpochRecord{
		PoolID:    uint32(f.poolID),
		CopysetID: uint32(f.copysetID),
		Epoch:     ce.Epoch,
		ConfIndex: ce.ConfIndex,
		Peers:     make([]string, len(ce.Configuration.Peers)),
	}
	for i, p := range ce.Configuration.Peers {
		rec.Peers[i] = string(p)
	}
	sum, err := rec.checksum()
	if err != nil {
		return fmt.Errorf("checksum conf epoch: %w", err)
	}
	rec.Checksum = sum

	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshal conf epoch: %w", err)
	}

	tmpPath := f.path + ".tmp"
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write conf epoch: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync conf epoch: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close conf epoch: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("rename conf epoch: %w", err)
	}
	return syncDir(filepath.Dir(f.path))
}

// Close is a no-op, the file is not held open between calls.
func (f *ConfEpochFile) Close() error {
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}

var _ ConfEpochStore = (*ConfEpochFile)(nil)
