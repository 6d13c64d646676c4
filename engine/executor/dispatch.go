package executor

import (
	"github.com/mantisdb/partitiondb/engine/txn"
	"github.com/mantisdb/partitiondb/errors"
	"github.com/mantisdb/partitiondb/wire"
)

// waitForResponses is the batch-dispatch entry point a procedure body calls
// synchronously, per §4.4.3. It opens a round, classifies every task as
// local or remote, dispatches, and blocks on the round's latch before
// returning the ordered result tables.
//
// A task addressed to this partition can never be safely enqueued and
// waited on: this call runs on the partition's own single executor
// goroutine, the same goroutine that would have to dequeue and run it, so
// enqueueing a local task here would deadlock against the latch.Wait()
// below. Local tasks instead run inline, synchronously, before the latch is
// awaited — exactly as if this partition had "sent itself" the fragment and
// answered immediately.
func (e *Executor) waitForResponses(state *txn.LocalTransactionState, tasks []*wire.Fragment) ([]wire.Table, error) {
	state.InitRound(e.nextUndoToken())

	outputProducers := make(map[int32][]int, len(tasks))
	for _, task := range tasks {
		for _, depID := range task.OutputDepIDs {
			outputProducers[depID] = append(outputProducers[depID], task.DestinationPartition)
		}
	}

	var localRunnable, remoteRunnable []*wire.Fragment
	allLocal := true
	for _, task := range tasks {
		runnable := state.AddFragmentTask(task, outputProducers)
		if task.DestinationPartition == e.PartitionID {
			if runnable {
				localRunnable = append(localRunnable, task)
			}
			continue
		}
		allLocal = false
		if runnable {
			remoteRunnable = append(remoteRunnable, task)
		}
	}

	if !allLocal && state.IsPredictSinglePartition() {
		touched := map[int]bool{e.PartitionID: true}
		for _, task := range tasks {
			touched[task.DestinationPartition] = true
		}
		touchedList := make([]int, 0, len(touched))
		for p := range touched {
			touchedList = append(touchedList, p)
		}
		mispredictErr := errors.Mispredict(e.PartitionID, state.TxnID, touchedList)
		state.SetPendingError(mispredictErr)
		state.FinishRound()
		return nil, mispredictErr
	}

	var latch *txn.Latch
	if len(localRunnable) > 0 || len(remoteRunnable) > 0 {
		latch = state.StartRound()
	}

	if len(remoteRunnable) > 0 {
		e.attachLocalResults(state, remoteRunnable)
		req := wire.CoordinatorRequest{CoordTxnID: state.TxnID, LastFragment: false}
		for _, task := range remoteRunnable {
			req.Fragments = append(req.Fragments, wire.PartitionFragment{PartitionID: task.DestinationPartition, Work: task})
		}
		if err := e.coordinator.Dispatch(req); err != nil {
			dispatchErr := errors.Unexpected(e.PartitionID, state.TxnID, err)
			state.SetPendingError(dispatchErr)
			state.FinishRound()
			return nil, dispatchErr
		}
	}

	for _, task := range localRunnable {
		e.handleFragment(task)
	}

	if latch != nil {
		latch.Wait()
	}

	if state.HasPendingError() {
		err := state.GetPendingError()
		state.FinishRound()
		return nil, err
	}

	results := state.GetResults()
	state.FinishRound()
	return results, nil
}

// routeFragments sends each task in tasks to its actual destination: inline
// execution if addressed to this partition (the same self-enqueue deadlock
// concern waitForResponses documents above applies here), or a single
// coordinator dispatch for everything else. It is the exit point for
// fragments a same-partition dependency chain newly unblocked mid-round,
// after the round's own initial dispatch already ran.
func (e *Executor) routeFragments(tasks []*wire.Fragment) error {
	var remote []*wire.Fragment
	for _, task := range tasks {
		if task.DestinationPartition == e.PartitionID {
			e.handleFragment(task)
			continue
		}
		remote = append(remote, task)
	}
	if len(remote) == 0 {
		return nil
	}
	req := wire.CoordinatorRequest{Fragments: make([]wire.PartitionFragment, 0, len(remote))}
	for _, task := range remote {
		req.CoordTxnID = task.TxnID
		req.Fragments = append(req.Fragments, wire.PartitionFragment{PartitionID: task.DestinationPartition, Work: task})
	}
	return e.coordinator.Dispatch(req)
}

// attachLocalResults fills in AttachedDeps on every task so a remote
// partition receives inputs this partition already holds without a second
// round trip.
func (e *Executor) attachLocalResults(state *txn.LocalTransactionState, tasks []*wire.Fragment) {
	for _, task := range tasks {
		if task.DestinationPartition == e.PartitionID {
			continue
		}
		for _, depID := range task.InputDepIDs {
			rows, ok := state.GetResult(depID)
			if !ok {
				continue
			}
			if task.AttachedDeps == nil {
				task.AttachedDeps = make(map[int32]wire.Table)
			}
			task.AttachedDeps[depID] = rows
		}
	}
}
