package executor

import (
	"github.com/mantisdb/partitiondb/engine/txn"
	"github.com/mantisdb/partitiondb/errors"
)

// AdmitInit is the participant side of 2PC initiation, called by the
// coordinator on every non-base partition a transaction's prediction
// recruited, ahead of any fragment actually reaching this partition. It is
// idempotent: a fragment that races in and lazily creates the same
// RemoteTransactionState first (handleFragment's first-arrival path) is a
// no-op target here.
func (e *Executor) AdmitInit(txnID uint64, basePartition int) error {
	if existing := e.lookupTxn(txnID); existing != nil {
		return nil
	}
	remote := e.pools.Remote.Acquire()
	remote.Init(txnID, basePartition, 0, "", nil, []int{e.PartitionID}, false, false, e.pools.Dependency)
	remote.ParticipatingPartitions = map[int]bool{e.PartitionID: true}
	e.storeTxn(txnID, remote)

	cb := e.pools.InitQueue.Acquire()
	cb.Bind(txnID, e.PartitionID, e.pools.InitQueue)
	remote.InitQueueCB = cb
	cb.OnAdmitted()
	return nil
}

// Prepare answers whether this partition is ready to commit txnID: yes
// unless a pending error has already latched the transaction's outcome to
// abort. The in-process transport answers synchronously, so the vote is
// both recorded on a single-shot PrepareCallback and returned directly.
func (e *Executor) Prepare(txnID uint64) (bool, error) {
	existing := e.lookupTxn(txnID)
	switch state := existing.(type) {
	case *txn.LocalTransactionState:
		ok := !state.HasPendingError()
		cb := e.pools.Prepare.Acquire()
		cb.Bind(txnID, e.PartitionID, e.pools.Prepare, 1)
		state.PrepareCB = cb
		cb.OnParticipantResponse(ok)
		return ok, nil
	case *txn.RemoteTransactionState:
		ok := !state.HasPendingError()
		cb := e.pools.Prepare.Acquire()
		cb.Bind(txnID, e.PartitionID, e.pools.Prepare, 1)
		state.PrepareCB = cb
		cb.OnParticipantResponse(ok)
		return ok, nil
	default:
		return false, errors.UnknownTxn(e.PartitionID, txnID)
	}
}

// FinishCommit and FinishAbort deliver the base partition's 2PC decision to
// this partition and acknowledge cleanup, so the base partition's
// FinishCallback can complete. Both tolerate an unknown txnID, per §7.
func (e *Executor) FinishCommit(txnID uint64) {
	e.Commit(txnID)
	e.ackCleanup(txnID)
}

func (e *Executor) FinishAbort(txnID uint64) {
	e.Abort(txnID)
	e.ackCleanup(txnID)
}

// ackCleanup fires CleanupCB for a remote participant once its commit/abort
// has landed; a LocalTransactionState has no cleanup phase of its own (it
// drives FinishCB instead, from finishTransaction).
func (e *Executor) ackCleanup(txnID uint64) {
	remote, ok := e.lookupTxn(txnID).(*txn.RemoteTransactionState)
	if !ok {
		return
	}
	cb := e.pools.Cleanup.Acquire()
	cb.Bind(txnID, e.PartitionID, e.pools.Cleanup)
	remote.CleanupCB = cb
	cb.OnFinalAck()
}
