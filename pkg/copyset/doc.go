// Package copyset runs one replica of a metadata shard on top of a consensus engine.
//
// A copyset is a replica group identified by (pool id, copyset id). Every
// replica hosts a Node which implements the engine's callback contract
// (StateMachine) and forwards committed entries to a MetaStore through a
// single-worker ApplyQueue, so all replicas apply the same operations in the
// same order.
//
// # Lifecycle
//
//	NewNode ---> Init ---> Start ---> Stop
//
// Init loads the conf epoch, opens the store and builds the engine binding.
// Start joins the consensus group. Stop rejects new proposals, shuts the
// engine down, drains the apply queue and waits for snapshot writers.
//
// # Write path
//
//  1. Propose(task) hands the task to the engine and returns
//  2. The engine replicates and commits the entry
//  3. OnApply decodes entries in commit order and queues them
//  4. The apply worker applies each entry to the store
//  5. The applied index advances and task.Done runs exactly once
//
// # Epoch
//
// The (epoch, configuration) pair is one immutable value swapped under a
// single lock. OnConfigurationCommitted bumps the epoch by one and writes it
// to the ConfEpochStore before the new configuration becomes visible. The log
// index of the membership entry is stored alongside, so a replayed entry never
// bumps the epoch twice.
//
// # Snapshots
//
// OnSnapshotSave captures (store view, epoch, configuration, applied index)
// after flushing the apply queue and streams it as one checksummed frame.
// OnSnapshotLoad verifies the whole frame before touching any state.
package copyset
