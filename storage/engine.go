// Package storage defines the opaque storage-engine API the executor
// consumes. The engine is treated as an external collaborator: physical
// storage internals (WAL, checkpoints, compaction) are out of scope here,
// only the operations the executor calls across that boundary are defined.
package storage

import (
	"fmt"

	"github.com/mantisdb/partitiondb/wire"
)

// UndoToken identifies a point in the engine's write log a partition can
// later release (commit) or roll back (abort). Zero means "no writes yet".
type UndoToken uint64

// Engine is the per-partition storage-engine handle. Exactly one goroutine
// — the partition executor's own thread — may call any method on a given
// Engine instance; this is the single-writer invariant the rest of the
// system is built around.
type Engine interface {
	// LoadCatalog installs the compiled catalog this partition serves.
	LoadCatalog(catalog []byte) error

	// Tick advances the engine's internal clock and informs it of the
	// partition's most recently committed transaction id, called roughly
	// once per second from the executor's main loop.
	Tick(nowUnixNano int64, lastCommittedTxnID uint64) error

	// StashWorkUnitDependencies hands the engine a batch's input
	// dependencies before ExecuteQueryPlanFragmentsAndGetDependencySet is
	// called, keyed by dependency id.
	StashWorkUnitDependencies(deps map[int32]wire.Table) error

	// ExecuteQueryPlanFragmentsAndGetDependencySet executes a batch of
	// compiled fragment ids against params, under undoToken, and returns
	// the dependency set keyed by output dependency id.
	ExecuteQueryPlanFragmentsAndGetDependencySet(
		fragmentIDs []int64,
		inputDepIDs, outputDepIDs []int32,
		params [][]byte,
		txnID uint64,
		lastCommittedTxnID uint64,
		undo UndoToken,
	) (map[int32]wire.Table, error)

	// ReleaseUndoToken permanently commits every write tagged with undo
	// and every earlier undo token on this partition.
	ReleaseUndoToken(undo UndoToken) error

	// UndoUndoToken rolls back every write tagged with undo or any later
	// undo token on this partition (LIFO rollback semantics).
	UndoUndoToken(undo UndoToken) error

	// LoadTable bulk-loads rows into tableIndex under the given
	// transaction/undo context.
	LoadTable(tableIndex int, rows wire.Table, txnID uint64, lastCommittedTxnID uint64, undo UndoToken, allowELT bool) error
}

// ErrEngineClosed is returned by any Engine method called after Close.
var ErrEngineClosed = fmt.Errorf("storage: engine is closed")
