package executor

import (
	"github.com/mantisdb/partitiondb/engine/txn"
	"github.com/mantisdb/partitiondb/errors"
	"github.com/mantisdb/partitiondb/storage"
	"github.com/mantisdb/partitiondb/wire"
)

// handleFragment locates (or, for a first-arrival remote fragment,
// allocates) the transaction state addressed by frag and runs it to
// completion, per §4.4.2.
func (e *Executor) handleFragment(frag *wire.Fragment) {
	existing := e.lookupTxn(frag.TxnID)

	var local *txn.LocalTransactionState
	var remote *txn.RemoteTransactionState

	switch t := existing.(type) {
	case *txn.LocalTransactionState:
		local = t
	case *txn.RemoteTransactionState:
		remote = t
	case nil:
		remote = e.pools.Remote.Acquire()
		remote.Init(frag.TxnID, frag.SourcePartition, 0, "", nil, []int{e.PartitionID}, false, false, e.pools.Dependency)
		remote.ParticipatingPartitions = map[int]bool{e.PartitionID: true}
		e.storeTxn(frag.TxnID, remote)
	}

	fencedNewRound := false
	if remote != nil && frag.ViaCoordinator {
		remote.InitRound(e.nextUndoToken())
		remote.StartRound()
		fencedNewRound = true
	}

	deps, execErr := e.executeFragment(frag, local, remote)

	if local != nil {
		var unblocked []*wire.Fragment
		for depID, rows := range deps {
			unblocked = append(unblocked, local.AddResult(e.PartitionID, depID, rows)...)
		}
		if execErr != nil {
			local.SetPendingError(execErr)
			for _, depID := range frag.OutputDepIDs {
				unblocked = append(unblocked, local.AddResponse(e.PartitionID, depID)...)
			}
		}
		if len(unblocked) > 0 {
			if err := e.routeFragments(unblocked); err != nil {
				e.log.Error("fragment", "route unblocked fragment failed", map[string]interface{}{"error": err.Error()})
			}
		}
		return
	}

	status := wire.StatusSuccess
	var wrapped error
	if execErr != nil {
		status = statusForError(execErr)
		wrapped = execErr
	}

	if e.messenger != nil {
		if len(deps) > 0 {
			if err := e.messenger.SendDependencySet(wire.DependencySet{
				TxnID:           frag.TxnID,
				SourcePartition: e.PartitionID,
				DestPartition:   frag.SourcePartition,
				Rows:            deps,
			}); err != nil {
				e.log.Error("fragment", "send dependency set failed", map[string]interface{}{"error": err.Error()})
			}
		}
		depIDs := make([]int32, 0, len(frag.OutputDepIDs))
		depIDs = append(depIDs, frag.OutputDepIDs...)
		if err := e.messenger.SendFragmentResponse(frag.SourcePartition, wire.FragmentResponse{
			TxnID:           frag.TxnID,
			SourcePartition: e.PartitionID,
			Status:          status,
			DepIDList:       depIDs,
			WrappedError:    wrapped,
		}); err != nil {
			e.log.Error("fragment", "send fragment response failed", map[string]interface{}{"error": err.Error()})
		}
	}

	if remote != nil && fencedNewRound {
		remote.FinishRound()
	}
}

func statusForError(err error) wire.Status {
	if ee, ok := err.(*errors.EngineError); ok {
		switch ee.Type {
		case errors.TypeSQL, errors.TypeEE:
			return wire.StatusUserError
		case errors.TypeDeserialize, errors.TypeUnexpected, errors.TypeFatal:
			return wire.StatusUnexpectedError
		}
	}
	return wire.StatusUnexpectedError
}

// executeFragment runs frag's compiled fragment ids against the engine (or
// a registered sysproc handler) and returns the produced dependency set.
func (e *Executor) executeFragment(frag *wire.Fragment, local *txn.LocalTransactionState, remote *txn.RemoteTransactionState) (map[int32]wire.Table, error) {
	inputs, err := e.gatherInputs(frag, local)
	if err != nil {
		return nil, err
	}

	if len(frag.FragmentIDs) == 1 {
		if handler, ok := e.sysprocs[frag.FragmentIDs[0]]; ok {
			var param []byte
			if len(frag.ParamBlobs) > 0 {
				param = frag.ParamBlobs[0]
			}
			rows, hErr := handler(frag.TxnID, inputs, frag.FragmentIDs[0], param)
			if hErr != nil {
				return nil, errors.EE(e.PartitionID, frag.TxnID, hErr)
			}
			out := make(map[int32]wire.Table, len(frag.OutputDepIDs))
			for _, depID := range frag.OutputDepIDs {
				out[depID] = rows
			}
			return out, nil
		}
	}

	if err := e.engine.StashWorkUnitDependencies(inputs); err != nil {
		return nil, errors.EE(e.PartitionID, frag.TxnID, err)
	}

	undo := e.undoTokenFor(local, remote)
	out, err := e.engine.ExecuteQueryPlanFragmentsAndGetDependencySet(
		frag.FragmentIDs,
		frag.InputDepIDs,
		frag.OutputDepIDs,
		frag.ParamBlobs,
		frag.TxnID,
		e.getLastCommittedTxnID(),
		undo,
	)
	if err != nil {
		return nil, errors.EE(e.PartitionID, frag.TxnID, err)
	}
	return out, nil
}

func (e *Executor) undoTokenFor(local *txn.LocalTransactionState, remote *txn.RemoteTransactionState) storage.UndoToken {
	switch {
	case local != nil:
		if local.LastUndoToken == 0 {
			local.LastUndoToken = e.nextUndoToken()
		}
		return local.LastUndoToken
	case remote != nil:
		if remote.LastUndoToken == 0 {
			remote.LastUndoToken = e.nextUndoToken()
		}
		return remote.LastUndoToken
	default:
		return e.nextUndoToken()
	}
}

// gatherInputs collects frag's declared input dependencies from the
// attached inline payload first, then from the local transaction's result
// buffer. Every declared input id must resolve to something.
func (e *Executor) gatherInputs(frag *wire.Fragment, local *txn.LocalTransactionState) (map[int32]wire.Table, error) {
	out := make(map[int32]wire.Table, len(frag.InputDepIDs))
	for depID, rows := range frag.AttachedDeps {
		out[depID] = rows
	}
	if local != nil {
		for _, depID := range frag.InputDepIDs {
			if _, have := out[depID]; have {
				continue
			}
			if rows, ok := local.GetResult(depID); ok {
				out[depID] = rows
			}
		}
	}
	for _, depID := range frag.InputDepIDs {
		if _, have := out[depID]; !have {
			return nil, errors.Deserialize(e.PartitionID, frag.TxnID, nil)
		}
	}
	return out, nil
}
