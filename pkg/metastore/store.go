// Package metastore is the bbolt backed metadata store copyset nodes apply
// committed operations to.
package metastore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"

	"github.com/zztaki/curve/pkg/copyset"
	"github.com/zztaki/curve/pkg/gen/go/fb/metaop"
)

// DefaultFileName is the bbolt file inside a copyset data directory.
const DefaultFileName = "meta.db"

var (
	// partition records keyed by partition id.
	bucketPartitions = []byte("partitions")
	bucketMeta       = []byte("meta")

	partitionBucketPrefix = []byte("p/")
)

var (
	// written in the same transaction as every mutation, so replayed
	// entries can be recognised after a restart.
	keyAppliedIndex = []byte("applied_index")
)

var (
	ErrPartitionExists    = errors.New("partition already exists")
	ErrPartitionNotFound  = errors.New("partition not found")
	ErrKeyNotFound        = errors.New("key not found")
	ErrInvalidRange       = errors.New("partition range start exceeds end")
	ErrMalformedOperation = errors.New("malformed meta operation")
	ErrUnknownOperation   = errors.New("unknown meta operation")
	ErrKeyTooLarge        = errors.New("key too large")
	ErrValueTooLarge      = errors.New("value too large")
	// ErrInvalidImage is returned by Restore when the image is not a store.
	ErrInvalidImage = errors.New("snapshot image is not a meta store")
)

const (
	MaxKeySize   = bolt.MaxKeySize
	MaxValueSize = 1 << 20
)

// CheckEntrySize rejects keys and values the store cannot hold. Oversized
// entries are a domain outcome of apply, not a storage failure.
func CheckEntrySize(key, value []byte) error {
	if len(key) > MaxKeySize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrKeyTooLarge, len(key), MaxKeySize)
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrValueTooLarge, len(value), MaxValueSize)
	}
	return nil
}

// OpResult is the response of an applied operation. Err carries the domain
// outcome, nil on success.
type OpResult struct {
	Err error
}

// Config holds Store configuration options.
type Config struct {
	Path   string
	Logger *slog.Logger
}

// Store implements copyset.MetaStore over bbolt.
type Store struct {
	path   string
	logger *slog.Logger

	// mu guards db. Restore swaps the file under the write lock.
	mu      sync.RWMutex
	db      *bolt.DB
	applied atomic.Uint64
}

// Open opens or creates the store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	s := &Store{
		path:   cfg.Path,
		logger: cfg.Logger.With("component", "metastore"),
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

// Factory returns a copyset.MetaStoreFactory opening DefaultFileName inside
// each copyset's data directory.
func Factory() copyset.MetaStoreFactory {
	return func(opts copyset.StoreOptions) (copyset.MetaStore, error) {
		logger := opts.Logger
		if logger == nil {
			logger = slog.Default()
		}
		return Open(Config{
			Path:   filepath.Join(opts.Dir, DefaultFileName),
			Logger: logger.With("copyset", opts.Name),
		})
	}
}

func (s *Store) open() error {
	db, err := bolt.Open(s.path, 0600, nil)
	if err != nil {
		return fmt.Errorf("open boltdb: %w", err)
	}

	var applied uint64
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketPartitions); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		applied = DecodeUint64(meta.Get(keyAppliedIndex))
		return nil
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("create buckets: %w", err)
	}

	s.db = db
	s.applied.Store(applied)
	return nil
}

// Path returns the bbolt file path.
func (s *Store) Path() string {
	return s.path
}

// Decode implements copyset.MetaStore.
func (s *Store) Decode(data []byte) (copyset.Operation, error) {
	return DecodeOperation(data)
}

// AppliedIndex implements copyset.MetaStore.
func (s *Store) AppliedIndex() uint64 {
	return s.applied.Load()
}

// Apply implements copyset.MetaStore. Entries at or below the stored applied
// index are ignored and return a nil response.
func (s *Store) Apply(o copyset.Operation, index uint64) (any, error) {
	op, ok := o.(*Operation)
	if !ok {
		return nil, fmt.Errorf("apply %T: %w", o, ErrUnknownOperation)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		result  *OpResult
		skipped bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if index <= DecodeUint64(meta.Get(keyAppliedIndex)) {
			skipped = true
			return nil
		}

		domainErr, err := s.applyTx(tx, op, index)
		if err != nil {
			return err
		}
		result = &OpResult{Err: domainErr}
		return meta.Put(keyAppliedIndex, EncodeUint64(index))
	})
	if err != nil {
		s.logger.Error("failed to apply operation",
			"op", op.Kind(),
			"index", index,
			"error", err)
		return nil, fmt.Errorf("apply %s at %d: %w", op.Kind(), index, err)
	}
	if skipped {
		s.logger.Debug("operation already applied, ignoring",
			"op", op.Kind(),
			"index", index)
		return nil, nil
	}

	s.applied.Store(index)
	return result, nil
}

// applyTx returns the domain outcome separately from storage failures so a
// rejected operation still advances the applied index.
func (s *Store) applyTx(tx *bolt.Tx, op *Operation, index uint64) (domainErr, err error) {
	partitions := tx.Bucket(bucketPartitions)
	key := EncodeUint32(op.PartitionID)

	switch op.Type {
	case metaop.OpTypeCREATE_PARTITION:
		if partitions.Get(key) != nil {
			return ErrPartitionExists, nil
		}
		if op.Start > op.End {
			return ErrInvalidRange, nil
		}
		record := &PartitionRecord{
			FsID:         op.FsID,
			Start:        op.Start,
			End:          op.End,
			CreatedIndex: index,
		}
		if err := partitions.Put(key, record.Encode()); err != nil {
			return nil, err
		}
		if _, err := tx.CreateBucketIfNotExists(partitionBucket(op.PartitionID)); err != nil {
			return nil, err
		}

	case metaop.OpTypeDELETE_PARTITION:
		if partitions.Get(key) == nil {
			return ErrPartitionNotFound, nil
		}
		if err := partitions.Delete(key); err != nil {
			return nil, err
		}
		if err := tx.DeleteBucket(partitionBucket(op.PartitionID)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return nil, err
		}

	case metaop.OpTypePUT:
		b := tx.Bucket(partitionBucket(op.PartitionID))
		if b == nil {
			return ErrPartitionNotFound, nil
		}
		if err := CheckEntrySize(op.Key, op.Value); err != nil {
			return err, nil
		}
		if err := b.Put(op.Key, op.Value); err != nil {
			return nil, err
		}

	case metaop.OpTypeDELETE:
		b := tx.Bucket(partitionBucket(op.PartitionID))
		if b == nil {
			return ErrPartitionNotFound, nil
		}
		if err := CheckEntrySize(op.Key, nil); err != nil {
			return err, nil
		}
		if b.Get(op.Key) == nil {
			return ErrKeyNotFound, nil
		}
		if err := b.Delete(op.Key); err != nil {
			return nil, err
		}

	default:
		return ErrUnknownOperation, nil
	}
	return nil, nil
}

// Get returns the value of key in a partition.
func (s *Store) Get(partitionID uint32, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(partitionBucket(partitionID))
		if b == nil {
			return ErrPartitionNotFound
		}
		v := b.Get(key)
		if v == nil {
			return ErrKeyNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	return value, err
}

// Partition returns the record of one partition.
func (s *Store) Partition(partitionID uint32) (*PartitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var record *PartitionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPartitions).Get(EncodeUint32(partitionID))
		if data == nil {
			return ErrPartitionNotFound
		}
		record = DecodePartitionRecord(data)
		if record == nil {
			return fmt.Errorf("decode partition %d record", partitionID)
		}
		return nil
	})
	return record, err
}

// Partitions implements copyset.MetaStore, ordered by partition id.
func (s *Store) Partitions() ([]copyset.PartitionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var infos []copyset.PartitionInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPartitions).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			id := DecodeUint32(k)
			record := DecodePartitionRecord(v)
			if record == nil {
				return fmt.Errorf("decode partition %d record", id)
			}
			info := copyset.PartitionInfo{
				PartitionID: id,
				FsID:        record.FsID,
				Start:       record.Start,
				End:         record.End,
			}
			if b := tx.Bucket(partitionBucket(id)); b != nil {
				info.KeyCount = uint64(b.Stats().KeyN)
			}
			infos = append(infos, info)
		}
		return nil
	})
	return infos, err
}

// Snapshot implements copyset.MetaStore. The view is a read transaction held
// until Release.
func (s *Store) Snapshot() (copyset.StoreSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("begin snapshot tx: %w", err)
	}
	return &storeSnapshot{tx: tx}, nil
}

// Restore implements copyset.MetaStore by replacing the bbolt file. The image
// is written and opened aside first, a bad image leaves the store untouched.
func (s *Store) Restore(r io.Reader) error {
	tmpPath := s.path + ".restore"
	if err := writeImage(tmpPath, r); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := validateImage(tmpPath); err != nil {
		os.Remove(tmpPath)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close db: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		if reopenErr := s.open(); reopenErr != nil {
			return errors.Join(fmt.Errorf("rename snapshot: %w", err), reopenErr)
		}
		return fmt.Errorf("rename snapshot: %w", err)
	}
	if err := s.open(); err != nil {
		return fmt.Errorf("reopen db: %w", err)
	}

	s.logger.Info("restored meta store from snapshot",
		"applied_index", s.applied.Load())
	return nil
}

func writeImage(path string, r io.Reader) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	return out.Close()
}

func validateImage(path string) error {
	db, err := bolt.Open(path, 0600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	defer db.Close()

	return db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketPartitions) == nil || tx.Bucket(bucketMeta) == nil {
			return ErrInvalidImage
		}
		return nil
	})
}

// Close closes the underlying bbolt file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// storeSnapshot streams a read transaction's consistent view.
type storeSnapshot struct {
	tx   *bolt.Tx
	once sync.Once
}

func (s *storeSnapshot) Size() int64 {
	return s.tx.Size()
}

func (s *storeSnapshot) WriteTo(w io.Writer) (int64, error) {
	return s.tx.WriteTo(w)
}

func (s *storeSnapshot) Release() {
	s.once.Do(func() {
		s.tx.Rollback()
	})
}

var (
	_ copyset.MetaStore     = (*Store)(nil)
	_ copyset.StoreSnapshot = (*storeSnapshot)(nil)
)
