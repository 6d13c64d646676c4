// Package txn holds the per-transaction state machines a partition executor
// drives: LocalTransactionState on the partition that owns the client
// connection, RemoteTransactionState on every partition recruited as a
// participant. Both embed baseTransactionState, which tracks the current
// execution round's dependency set the way the teacher's transaction.Manager
// tracked lock acquisition rounds, minus the lock graph.
package txn

import (
	"sync"

	"github.com/mantisdb/partitiondb/engine/callback"
	"github.com/mantisdb/partitiondb/errors"
	"github.com/mantisdb/partitiondb/pool"
	"github.com/mantisdb/partitiondb/storage"
	"github.com/mantisdb/partitiondb/wire"
)

// roundState is live only between initRound and finishRound. It holds every
// DependencyInfo declared so far this round and the latch startRound handed
// out for it.
type roundState struct {
	undo        storage.UndoToken
	deps        map[int32]*DependencyInfo
	order       []int32
	unsatisfied int
	latch       *Latch
	started     bool
}

func newRoundState(undo storage.UndoToken) *roundState {
	return &roundState{undo: undo, deps: make(map[int32]*DependencyInfo)}
}

// pendingTask is a fragment whose declared input dependencies have not all
// arrived yet. It sits on baseTransactionState.waitlist until
// UnblockedByResult drains it.
type pendingTask struct {
	task    *wire.Fragment
	missing map[int32]bool
}

// baseTransactionState is the shared body of Local/RemoteTransactionState: a
// transaction identity, the predicted partition set from initiation, the
// dependency bookkeeping for whatever round is in flight, and a buffer of
// every result produced so far (a fragment's inputs may be satisfied by a
// result that arrived in an earlier round than the one that consumes it).
type baseTransactionState struct {
	mu sync.Mutex

	TxnID          uint64
	BasePartition  int
	ClientHandle   uint64
	ProcName       string
	Params         []byte

	PredictedPartitions     map[int]bool
	PredictedReadOnly       bool
	PredictedSinglePartition bool

	ExecLocal     bool
	LastUndoToken storage.UndoToken

	pendingError *errors.EngineError
	round        *roundState
	resultBuffer map[int32]wire.Table
	waitlist     []*pendingTask
	depPool      *pool.Pool[DependencyInfo]
}

func (b *baseTransactionState) Init(
	txnID uint64,
	basePartition int,
	clientHandle uint64,
	procName string,
	params []byte,
	predictedPartitions []int,
	predictedReadOnly bool,
	execLocal bool,
	depPool *pool.Pool[DependencyInfo],
) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.TxnID = txnID
	b.BasePartition = basePartition
	b.ClientHandle = clientHandle
	b.ProcName = procName
	b.Params = params
	b.ExecLocal = execLocal
	b.LastUndoToken = 0
	b.pendingError = nil
	b.round = nil
	b.resultBuffer = make(map[int32]wire.Table)
	b.waitlist = nil
	b.depPool = depPool

	b.PredictedPartitions = make(map[int]bool, len(predictedPartitions))
	for _, p := range predictedPartitions {
		b.PredictedPartitions[p] = true
	}
	b.PredictedReadOnly = predictedReadOnly
	b.PredictedSinglePartition = len(b.PredictedPartitions) == 1 && b.PredictedPartitions[basePartition]
}

// initRound opens a new dependency-gated round of fragment dispatch. Any
// round already in progress must have been finished first (caller error,
// not a runtime race, so this panics rather than silently discarding state).
func (b *baseTransactionState) InitRound(undo storage.UndoToken) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.round != nil {
		panic("txn: initRound called while a round is already in progress")
	}
	b.round = newRoundState(undo)
	b.LastUndoToken = undo
}

// newDepInfo allocates a DependencyInfo for the in-progress round, drawing
// from depPool when one was supplied at Init so a round's dependency
// bookkeeping doesn't allocate fresh maps on every fragment dispatch; a nil
// depPool (as in most unit tests) falls back to a plain allocation.
func (b *baseTransactionState) newDepInfo(depID int32, producers []int) *DependencyInfo {
	if b.depPool != nil {
		di := b.depPool.Acquire()
		di.populate(b.TxnID, depID, producers)
		return di
	}
	return newDependencyInfo(b.TxnID, depID, producers)
}

// declareDependency registers depID as produced by producers for the
// in-progress round. Called once per output dependency id before any
// fragment referencing it is dispatched.
func (b *baseTransactionState) declareDependency(depID int32, producers []int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.round == nil {
		panic("txn: declareDependency called with no round in progress")
	}
	if _, exists := b.round.deps[depID]; exists {
		return
	}
	di := b.newDepInfo(depID, producers)
	b.round.deps[depID] = di
	b.round.order = append(b.round.order, depID)
	if !di.isSatisfied() {
		b.round.unsatisfied++
	}
}

// AddFragmentTask records task's output dependencies against the
// in-progress round and reports whether every input dependency it declares
// is already satisfied in resultBuffer. A task reported unrunnable is
// queued on the waitlist and released later by UnblockedByResult.
func (b *baseTransactionState) AddFragmentTask(task *wire.Fragment, outputProducers map[int32][]int) (runnable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, depID := range task.OutputDepIDs {
		if _, exists := b.round.deps[depID]; exists {
			continue
		}
		di := b.newDepInfo(depID, outputProducers[depID])
		b.round.deps[depID] = di
		b.round.order = append(b.round.order, depID)
		if !di.isSatisfied() {
			b.round.unsatisfied++
		}
	}

	missing := make(map[int32]bool)
	for _, depID := range task.InputDepIDs {
		if _, have := b.resultBuffer[depID]; !have {
			missing[depID] = true
		}
	}
	if len(missing) == 0 {
		return true
	}
	b.waitlist = append(b.waitlist, &pendingTask{task: task, missing: missing})
	return false
}

// UnblockedByResult drains and returns every waitlisted task that depID's
// arrival has fully unblocked.
func (b *baseTransactionState) UnblockedByResult(depID int32) []*wire.Fragment {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ready []*wire.Fragment
	var remaining []*pendingTask
	for _, pt := range b.waitlist {
		delete(pt.missing, depID)
		if len(pt.missing) == 0 {
			ready = append(ready, pt.task)
		} else {
			remaining = append(remaining, pt)
		}
	}
	b.waitlist = remaining
	return ready
}

// startRound snapshots the round's currently-unsatisfied dependency count
// into a fresh Latch and returns it, under the state's own mutex. A
// response racing in between AddFragmentTask calls and startRound is still
// reflected in the returned latch's count: unsatisfied is maintained
// independently of latch existence, and resolveDependency below both
// updates unsatisfied and, if a latch already exists, decrements it.
func (b *baseTransactionState) StartRound() *Latch {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.round == nil {
		panic("txn: startRound called with no round in progress")
	}
	b.round.latch = newLatch(b.round.unsatisfied)
	b.round.started = true
	return b.round.latch
}

// addResult buffers rows produced by srcPartition for depID and releases
// any waitlisted tasks and round latch decrement that depID's completion
// triggers. It returns the fragments newly unblocked, for the caller (the
// executor's dispatch loop) to enqueue.
func (b *baseTransactionState) AddResult(srcPartition int, depID int32, rows wire.Table) []*wire.Fragment {
	return b.resolveDependency(srcPartition, depID, rows)
}

// addResponse is the no-rows variant of addResult, for fragments that
// signal completion without producing data (e.g. a write-only fragment).
func (b *baseTransactionState) AddResponse(srcPartition int, depID int32) []*wire.Fragment {
	return b.resolveDependency(srcPartition, depID, nil)
}

func (b *baseTransactionState) resolveDependency(srcPartition int, depID int32, rows wire.Table) []*wire.Fragment {
	b.mu.Lock()

	if rows != nil {
		b.resultBuffer[depID] = rows
	} else if _, have := b.resultBuffer[depID]; !have {
		b.resultBuffer[depID] = wire.Table{}
	}

	if b.round != nil {
		if di, ok := b.round.deps[depID]; ok {
			if rows != nil {
				di.Rows = append(di.Rows, rows...)
			}
			if justCompleted := di.satisfy(srcPartition); justCompleted {
				b.round.unsatisfied--
				if b.round.latch != nil {
					b.round.latch.decrement()
				}
			}
		}
	}
	b.mu.Unlock()

	return b.UnblockedByResult(depID)
}

// finishRound closes out the in-progress round. Every declared dependency
// must be satisfied unless a pending error has already short-circuited the
// transaction (spec invariant: a round never finishes half-satisfied on the
// success path).
func (b *baseTransactionState) FinishRound() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.round == nil {
		return
	}
	if b.round.unsatisfied != 0 && b.pendingError == nil {
		panic("txn: finishRound called with unsatisfied dependencies and no pending error")
	}
	if b.depPool != nil {
		for _, di := range b.round.deps {
			b.depPool.Release(di)
		}
	}
	b.round = nil
}

func (b *baseTransactionState) SetPendingError(err *errors.EngineError) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pendingError == nil {
		b.pendingError = err
	}
}

func (b *baseTransactionState) HasPendingError() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingError != nil
}

func (b *baseTransactionState) GetPendingError() *errors.EngineError {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingError
}

// GetResult returns the buffered result table for depID, if any has
// arrived yet (from this round or an earlier one).
func (b *baseTransactionState) GetResult(depID int32) (wire.Table, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.resultBuffer[depID]
	return t, ok
}

// getResults returns every result table buffered so far. Dependency ids
// declared in the in-progress round come first, in declaration order; every
// other buffered id follows in no defined order. After finishRound no round
// is in progress, so the order of every id is undefined.
func (b *baseTransactionState) GetResults() []wire.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	order := make([]int32, 0, len(b.resultBuffer))
	seen := make(map[int32]bool, len(b.resultBuffer))
	if b.round != nil {
		for _, depID := range b.round.order {
			if !seen[depID] {
				order = append(order, depID)
				seen[depID] = true
			}
		}
	}
	for depID := range b.resultBuffer {
		if !seen[depID] {
			order = append(order, depID)
			seen[depID] = true
		}
	}
	out := make([]wire.Table, 0, len(order))
	for _, depID := range order {
		out = append(out, b.resultBuffer[depID])
	}
	return out
}

func (b *baseTransactionState) IsExecLocal() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ExecLocal
}

func (b *baseTransactionState) IsPredictSinglePartition() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.PredictedSinglePartition
}

// LocalTransactionState is owned by the partition that received the client
// request. It holds the full callback set the client-facing path drives:
// init fan-out, work dispatch, 2PC prepare/finish, and cleanup.
type LocalTransactionState struct {
	baseTransactionState

	InitCB    *callback.InitCallback
	WorkCB    *callback.WorkCallback
	PrepareCB *callback.PrepareCallback
	FinishCB  *callback.FinishCallback
	CleanupCB *callback.CleanupCallback

	ClientResponseFn func(wire.ClientResponse)
}

// isExecSinglePartition reports whether the predicted partition set is
// exactly the base partition. It is computed from the prediction recorded
// at Init, the same input isPredictSinglePartition uses; the partitions the
// transaction actually touched during execution are not tracked.
func (l *LocalTransactionState) IsExecSinglePartition() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.PredictedPartitions) == 1 && l.PredictedPartitions[l.BasePartition]
}

// isDeletable reports whether every callback this state owns has finished
// and no round is in progress, so the executor's periodic GC sweep may
// return it to its pool. WorkCB is not consulted: an unfinished WorkCB does
// not keep the state from being released.
func (l *LocalTransactionState) IsDeletable() bool {
	l.mu.Lock()
	roundInProgress := l.round != nil
	l.mu.Unlock()
	if roundInProgress {
		return false
	}
	return (l.InitCB == nil || l.InitCB.IsFinished()) &&
		(l.PrepareCB == nil || l.PrepareCB.IsFinished()) &&
		(l.FinishCB == nil || l.FinishCB.IsFinished()) &&
		(l.CleanupCB == nil || l.CleanupCB.IsFinished())
}

// RemoteTransactionState is owned by every partition recruited into a
// transaction that is not its base partition. It carries the narrower
// callback set a participant needs: queue admission, work dispatch, 2PC
// prepare, and cleanup.
type RemoteTransactionState struct {
	baseTransactionState

	ParticipatingPartitions map[int]bool

	InitQueueCB *callback.InitQueueCallback
	WorkCB      *callback.WorkCallback
	PrepareCB   *callback.PrepareCallback
	CleanupCB   *callback.CleanupCallback
}

func (r *RemoteTransactionState) IsExecSinglePartition() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ParticipatingPartitions) <= 1
}

func (r *RemoteTransactionState) IsDeletable() bool {
	r.mu.Lock()
	roundInProgress := r.round != nil
	r.mu.Unlock()
	if roundInProgress {
		return false
	}
	return (r.InitQueueCB == nil || r.InitQueueCB.IsFinished()) &&
		(r.PrepareCB == nil || r.PrepareCB.IsFinished()) &&
		(r.CleanupCB == nil || r.CleanupCB.IsFinished())
}
