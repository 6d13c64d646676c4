package executor

import (
	"github.com/mantisdb/partitiondb/engine/txn"
)

// commitLocked finalizes a successful local transaction: release its undo
// token, advance lastCommittedTxnId, and queue it for GC. "Locked" refers
// to the single-writer discipline, not a mutex — this always runs on the
// executor's own goroutine.
func (e *Executor) commitLocked(state *txn.LocalTransactionState) {
	if state.LastUndoToken != 0 {
		if err := e.engine.ReleaseUndoToken(state.LastUndoToken); err != nil {
			e.log.Error("commit", "release undo token failed", map[string]interface{}{"txn_id": state.TxnID, "error": err.Error()})
		}
	}
	e.mu.Lock()
	if state.TxnID > e.lastCommittedTxnID {
		e.lastCommittedTxnID = state.TxnID
	}
	e.mu.Unlock()
	e.queueFinished(state.TxnID)
}

// abortLocked rolls back a local transaction's writes via its undo token,
// relying on the engine's LIFO rollback semantics, and queues it for GC.
func (e *Executor) abortLocked(state *txn.LocalTransactionState) {
	if state.LastUndoToken != 0 {
		if err := e.engine.UndoUndoToken(state.LastUndoToken); err != nil {
			e.log.Error("abort", "undo token rollback failed", map[string]interface{}{"txn_id": state.TxnID, "error": err.Error()})
		}
	}
	e.queueFinished(state.TxnID)
}

// Commit handles an externally-driven commit for txnID (the 2PC finish
// phase), idempotent and tolerant of an unknown id per §7's UnknownTxn
// policy.
func (e *Executor) Commit(txnID uint64) {
	existing := e.lookupTxn(txnID)
	switch state := existing.(type) {
	case *txn.LocalTransactionState:
		e.commitLocked(state)
	case *txn.RemoteTransactionState:
		if state.LastUndoToken != 0 {
			if err := e.engine.ReleaseUndoToken(state.LastUndoToken); err != nil {
				e.log.Error("commit", "release undo token failed", map[string]interface{}{"txn_id": txnID, "error": err.Error()})
			}
		}
		e.mu.Lock()
		if txnID > e.lastCommittedTxnID {
			e.lastCommittedTxnID = txnID
		}
		e.mu.Unlock()
		e.queueFinished(txnID)
	case nil:
		e.log.Warn("commit", "commit for unknown transaction", map[string]interface{}{"txn_id": txnID})
	}
}

// Abort handles an externally-driven abort for txnID.
func (e *Executor) Abort(txnID uint64) {
	existing := e.lookupTxn(txnID)
	switch state := existing.(type) {
	case *txn.LocalTransactionState:
		e.abortLocked(state)
	case *txn.RemoteTransactionState:
		if state.LastUndoToken != 0 {
			if err := e.engine.UndoUndoToken(state.LastUndoToken); err != nil {
				e.log.Error("abort", "undo token rollback failed", map[string]interface{}{"txn_id": txnID, "error": err.Error()})
			}
		}
		e.queueFinished(txnID)
	case nil:
		e.log.Warn("abort", "abort for unknown transaction", map[string]interface{}{"txn_id": txnID})
	}
}

// finishTransaction drives state to commit or abort, running the full 2PC
// prepare/finish fan-out when remoteParticipants is non-empty and skipping
// it for a single-partition transaction (no remote state to coordinate).
// Per §9(c), any participant's prepare failure — or a coordinator error
// reaching them — forces the whole transaction to abort even if this
// partition's own procedure body asked to commit. It returns the decision
// actually carried out, so the caller can correct an optimistic client
// response if a vote turned it into an abort.
func (e *Executor) finishTransaction(state *txn.LocalTransactionState, remoteParticipants []int, wantCommit bool) (committed bool) {
	if len(remoteParticipants) == 0 {
		if wantCommit {
			e.commitLocked(state)
		} else {
			e.abortLocked(state)
		}
		return wantCommit
	}

	commit := wantCommit
	if commit {
		votes, err := e.coordinator.Prepare(state.TxnID)
		if err != nil {
			e.log.Error("finish", "coordinator prepare fan-out failed", map[string]interface{}{"txn_id": state.TxnID, "error": err.Error()})
			commit = false
		} else {
			cb := e.pools.Prepare.Acquire()
			cb.Bind(state.TxnID, e.PartitionID, e.pools.Prepare, len(votes))
			state.PrepareCB = cb
			for _, ok := range votes {
				cb.OnParticipantResponse(ok)
			}
			if cb.Failed {
				commit = false
			}
		}
	}

	if commit {
		e.commitLocked(state)
	} else {
		e.abortLocked(state)
	}

	cb := e.pools.Finish.Acquire()
	cb.Bind(state.TxnID, e.PartitionID, e.pools.Finish, len(remoteParticipants))
	state.FinishCB = cb
	if err := e.coordinator.Finish(state.TxnID, commit); err != nil {
		e.log.Error("finish", "coordinator finish fan-out failed", map[string]interface{}{"txn_id": state.TxnID, "error": err.Error()})
	} else {
		for range remoteParticipants {
			cb.OnParticipantAck()
		}
	}

	return commit
}

func (e *Executor) queueFinished(txnID uint64) {
	e.finishedMu.Lock()
	e.finished = append(e.finished, txnID)
	e.finishedMu.Unlock()
}

// gcSweep returns every finished, deletable transaction to its pool, up to
// MaxTxnsPerGCPass per call.
func (e *Executor) gcSweep() {
	e.finishedMu.Lock()
	candidates := e.finished
	e.finished = nil
	e.finishedMu.Unlock()

	limit := e.cfg.MaxTxnsPerGCPass
	if limit <= 0 {
		limit = len(candidates)
	}

	var requeue []uint64
	cleaned := 0
	for _, txnID := range candidates {
		if cleaned >= limit {
			requeue = append(requeue, txnID)
			continue
		}
		if e.tryRelease(txnID) {
			cleaned++
		} else {
			requeue = append(requeue, txnID)
		}
	}

	if len(requeue) > 0 {
		e.finishedMu.Lock()
		e.finished = append(e.finished, requeue...)
		e.finishedMu.Unlock()
	}
}

func (e *Executor) tryRelease(txnID uint64) bool {
	existing := e.lookupTxn(txnID)
	switch state := existing.(type) {
	case *txn.LocalTransactionState:
		if !state.IsDeletable() {
			return false
		}
		e.deleteTxn(txnID)
		e.pools.Local.Release(state)
		return true
	case *txn.RemoteTransactionState:
		if !state.IsDeletable() {
			return false
		}
		e.deleteTxn(txnID)
		e.pools.Remote.Release(state)
		return true
	default:
		return true
	}
}
