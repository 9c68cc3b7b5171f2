package copyset

import (
	"errors"
	"fmt"
)

var (
	// ErrInit is matched by every *InitError.
	ErrInit = errors.New("copyset init failed")
	// ErrEngineBootstrap is matched by every *EngineBootstrapError.
	ErrEngineBootstrap = errors.New("consensus engine bootstrap failed")
	// ErrApplyDecode is matched by every *ApplyDecodeError.
	ErrApplyDecode = errors.New("committed entry could not be decoded")
	// ErrSnapshotIO is matched by every *SnapshotIOError.
	ErrSnapshotIO = errors.New("snapshot io failed")
	// ErrConfEpochPersist is matched by every *ConfEpochPersistError.
	ErrConfEpochPersist = errors.New("conf epoch persist failed")
	// ErrNotLeader is matched by every *NotLeaderError.
	ErrNotLeader = errors.New("not the leader")

	// ErrLeadershipLost is returned when leadership was lost before commit.
	ErrLeadershipLost = errors.New("leadership lost before commit")
	// ErrStopped is returned once the node is stopping or stopped.
	ErrStopped = errors.New("copyset node stopped")
	// ErrDegraded is returned after a fatal error marked the node unusable.
	ErrDegraded = errors.New("copyset node degraded")
	// ErrNotInitialized is returned by Start before a successful Init.
	ErrNotInitialized = errors.New("copyset node not initialized")
	// ErrAlreadyInitialized is returned by a second Init.
	ErrAlreadyInitialized = errors.New("copyset node already initialized")
	// ErrNoLeader is returned when no leader is known.
	ErrNoLeader = errors.New("no leader known")
	// ErrLeaderStatusUnavailable is returned when the leader is remote and no
	// fetcher is configured.
	ErrLeaderStatusUnavailable = errors.New("leader status unavailable")

	// ErrQueueFull is returned by Push in fail-fast mode.
	ErrQueueFull = errors.New("apply queue full")
	// ErrQueueStopped is returned by Push after Stop.
	ErrQueueStopped = errors.New("apply queue stopped")

	// ErrConfEpochNotFound is returned by Load when nothing was saved yet.
	ErrConfEpochNotFound = errors.New("conf epoch not found")
	// ErrConfEpochCorrupt is returned by Load on checksum or identity mismatch.
	ErrConfEpochCorrupt = errors.New("conf epoch record corrupt")

	// ErrCopysetExists is returned by Manager when the copyset is hosted already.
	ErrCopysetExists = errors.New("copyset already exists")
)

// InitError reports why Init failed.
type InitError struct {
	Copyset string
	Err     error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("copyset %s init: %v", e.Copyset, e.Err)
}

func (e *InitError) Unwrap() error        { return e.Err }
func (e *InitError) Is(target error) bool { return target == ErrInit }

// EngineBootstrapError reports a failed engine start.
type EngineBootstrapError struct {
	Copyset string
	Err     error
}

func (e *EngineBootstrapError) Error() string {
	return fmt.Sprintf("copyset %s engine bootstrap: %v", e.Copyset, e.Err)
}

func (e *EngineBootstrapError) Unwrap() error        { return e.Err }
func (e *EngineBootstrapError) Is(target error) bool { return target == ErrEngineBootstrap }

// ApplyDecodeError reports a committed entry the store could not decode.
type ApplyDecodeError struct {
	Index uint64
	Err   error
}

func (e *ApplyDecodeError) Error() string {
	return fmt.Sprintf("decode entry %d: %v", e.Index, e.Err)
}

func (e *ApplyDecodeError) Unwrap() error        { return e.Err }
func (e *ApplyDecodeError) Is(target error) bool { return target == ErrApplyDecode }

// SnapshotIOError reports a failed snapshot save or load.
type SnapshotIOError struct {
	// Op is "save" or "load".
	Op  string
	Err error
}

func (e *SnapshotIOError) Error() string {
	return fmt.Sprintf("snapshot %s: %v", e.Op, e.Err)
}

func (e *SnapshotIOError) Unwrap() error        { return e.Err }
func (e *SnapshotIOError) Is(target error) bool { return target == ErrSnapshotIO }

// ConfEpochPersistError reports an epoch that could not be made durable.
type ConfEpochPersistError struct {
	Epoch uint64
	Err   error
}

func (e *ConfEpochPersistError) Error() string {
	return fmt.Sprintf("persist conf epoch %d: %v", e.Epoch, e.Err)
}

func (e *ConfEpochPersistError) Unwrap() error        { return e.Err }
func (e *ConfEpochPersistError) Is(target error) bool { return target == ErrConfEpochPersist }

// NotLeaderError is handed to a task when this replica cannot serve writes.
// Leader is empty when no leader is known.
type NotLeaderError struct {
	Copyset string
	Leader  PeerID
}

func (e *NotLeaderError) Error() string {
	if e.Leader == "" {
		return fmt.Sprintf("copyset %s: not the leader, leader unknown", e.Copyset)
	}
	return fmt.Sprintf("copyset %s: not the leader, redirect to %s", e.Copyset, e.Leader)
}

func (e *NotLeaderError) Is(target error) bool { return target == ErrNotLeader }
