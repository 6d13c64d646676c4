// Package executor implements the partition executor: the single-threaded
// state machine that owns a partition's storage engine handle, its work
// queue, its live-transaction table, and its stored-procedure instances.
package executor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mantisdb/partitiondb/engine/callback"
	"github.com/mantisdb/partitiondb/engine/txn"
	"github.com/mantisdb/partitiondb/errors"
	"github.com/mantisdb/partitiondb/logging"
	"github.com/mantisdb/partitiondb/pool"
	"github.com/mantisdb/partitiondb/storage"
	"github.com/mantisdb/partitiondb/wire"
)

// Config holds the tunables the executor's main loop and GC sweep need;
// callers build this from config.Config so the executor package itself
// stays free of any yaml/env concerns.
type Config struct {
	PollTimeout      time.Duration
	TickEvery        time.Duration
	GCInterval       time.Duration
	MaxTxnsPerGCPass int
	CallbackIdleCap  int
}

// Pools bundles the object pools an Executor draws transaction state and
// callbacks from. A site Supervisor constructs one set per partition (or
// shares a registry-backed set across partitions) and passes it in, keeping
// pool lifetime and pool wiring outside the executor itself.
type Pools struct {
	Local      *pool.Pool[txn.LocalTransactionState]
	Remote     *pool.Pool[txn.RemoteTransactionState]
	Dependency *pool.Pool[txn.DependencyInfo]
	Init       *pool.Pool[callback.InitCallback]
	InitQueue  *pool.Pool[callback.InitQueueCallback]
	Work       *pool.Pool[callback.WorkCallback]
	Prepare    *pool.Pool[callback.PrepareCallback]
	Finish     *pool.Pool[callback.FinishCallback]
	Cleanup    *pool.Pool[callback.CleanupCallback]
	Redirect   *pool.Pool[callback.RedirectCallback]
}

// NewPools builds a Pools set with every sub-pool sized to idleCap.
func NewPools(idleCap int) *Pools {
	return &Pools{
		Local: pool.New(idleCap,
			func() *txn.LocalTransactionState { return &txn.LocalTransactionState{} },
			func(*txn.LocalTransactionState) {}),
		Remote: pool.New(idleCap,
			func() *txn.RemoteTransactionState { return &txn.RemoteTransactionState{} },
			func(*txn.RemoteTransactionState) {}),
		Dependency: txn.NewDependencyInfoPool(idleCap),
		Init:       callback.NewInitCallbackPool(idleCap),
		InitQueue:  callback.NewInitQueueCallbackPool(idleCap),
		Work:       callback.NewWorkCallbackPool(idleCap),
		Prepare:    callback.NewPrepareCallbackPool(idleCap),
		Finish:     callback.NewFinishCallbackPool(idleCap),
		Cleanup:    callback.NewCleanupCallbackPool(idleCap),
		Redirect:   callback.NewRedirectCallbackPool(idleCap),
	}
}

// Executor is the per-partition event loop. Exactly one goroutine — the one
// running Run — ever calls engine methods or mutates a transaction's
// callback slots through this type; other goroutines (the messenger
// delivering a remote response) only ever call into a TransactionState's
// own locked methods or push onto the work queue.
type Executor struct {
	PartitionID int

	engine      storage.Engine
	queue       *WorkQueue
	coordinator Coordinator
	messenger   Messenger
	procedures  ProcedureHost
	pools       *Pools
	log         *logging.Logger
	cfg         Config

	sysprocs map[int64]SysProcHandler

	mu   sync.RWMutex
	txns map[uint64]interface{} // *txn.LocalTransactionState | *txn.RemoteTransactionState

	highestUndoIssued   storage.UndoToken
	highestUndoReleased storage.UndoToken
	lastCommittedTxnID  uint64

	finishedMu sync.Mutex
	finished   []uint64

	errCount uint64

	shutdown int32
}

// New constructs an executor for partitionID. Callers must call
// RegisterSysProc for every sysproc fragment id this partition serves
// before starting Run.
func New(partitionID int, eng storage.Engine, queue *WorkQueue, coord Coordinator, msgr Messenger, procs ProcedureHost, pools *Pools, log *logging.Logger, cfg Config) *Executor {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 500 * time.Millisecond
	}
	if cfg.TickEvery <= 0 {
		cfg.TickEvery = time.Second
	}
	return &Executor{
		PartitionID: partitionID,
		engine:      eng,
		queue:       queue,
		coordinator: coord,
		messenger:   msgr,
		procedures:  procs,
		pools:       pools,
		log:         log.With(fmt.Sprintf("executor[%d]", partitionID)),
		cfg:         cfg,
		sysprocs:    make(map[int64]SysProcHandler),
		txns:        make(map[uint64]interface{}),
	}
}

// RegisterSysProc installs handler for fragmentID, bypassing the general
// query engine for fragments addressed to it.
func (e *Executor) RegisterSysProc(fragmentID int64, handler SysProcHandler) {
	e.sysprocs[fragmentID] = handler
}

// nextUndoToken mints a strictly increasing undo token for this partition.
func (e *Executor) nextUndoToken() storage.UndoToken {
	return storage.UndoToken(atomic.AddUint64((*uint64)(&e.highestUndoIssued), 1))
}

// Enqueue pushes item onto this partition's work queue. Safe from any
// goroutine.
func (e *Executor) Enqueue(item wire.WorkItem) {
	e.queue.Enqueue(item)
}

// PartitionNumber reports this executor's partition id. Satisfies
// transport.Destination so a messenger can register executors directly.
func (e *Executor) PartitionNumber() int {
	return e.PartitionID
}

// LookupTransaction exposes the live transaction table to a messenger
// delivering a fragment response or dependency set. At most one of the two
// return values is non-nil.
func (e *Executor) LookupTransaction(txnID uint64) (*txn.LocalTransactionState, *txn.RemoteTransactionState) {
	switch t := e.lookupTxn(txnID).(type) {
	case *txn.LocalTransactionState:
		return t, nil
	case *txn.RemoteTransactionState:
		return nil, t
	default:
		return nil, nil
	}
}

// Run is the main loop: poll, tick, dispatch. It returns when Shutdown is
// called and the queue drains its poison entry.
func (e *Executor) Run() {
	lastTick := time.Now()
	lastGC := time.Now()
	gcInterval := e.cfg.GCInterval
	if gcInterval <= 0 {
		gcInterval = 2 * time.Second
	}
	for atomic.LoadInt32(&e.shutdown) == 0 {
		item, ok := e.queue.Poll(e.cfg.PollTimeout)
		if ok {
			e.dispatch(item)
		}

		if now := time.Now(); now.Sub(lastTick) >= e.cfg.TickEvery {
			if err := e.engine.Tick(now.UnixNano(), e.getLastCommittedTxnID()); err != nil {
				e.log.Error("tick", "engine tick failed", map[string]interface{}{"error": err.Error()})
			}
			lastTick = now
		}

		if now := time.Now(); now.Sub(lastGC) >= gcInterval {
			e.gcSweep()
			lastGC = now
		}
	}
}

// Shutdown flips the stop flag and wakes the loop via the queue's poison
// path; Run observes the flag on its next iteration.
func (e *Executor) Shutdown() {
	atomic.StoreInt32(&e.shutdown, 1)
	e.queue.Shutdown()
}

func (e *Executor) getLastCommittedTxnID() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastCommittedTxnID
}

// dispatch handles one dequeued work item. Any error surfaced by the
// handlers below is logged and counted, never allowed to unwind past this
// call — per §4.4.1, only an internal assertion failure (a Go panic here)
// is allowed to escalate, and even that is caught so one bad transaction
// cannot take down the partition thread.
func (e *Executor) dispatch(item wire.WorkItem) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&e.errCount, 1)
			e.log.Error("dispatch", "panic handling work item", map[string]interface{}{"recovered": fmt.Sprintf("%v", r)})
		}
	}()

	switch {
	case item.Initiate != nil:
		e.handleInitiate(item.Initiate)
	case item.Fragment != nil:
		e.handleFragment(item.Fragment)
	}
}

func (e *Executor) lookupTxn(txnID uint64) interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.txns[txnID]
}

func (e *Executor) storeTxn(txnID uint64, state interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.txns[txnID] = state
}

func (e *Executor) deleteTxn(txnID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.txns, txnID)
}

// handleInitiate starts a new local transaction and runs its procedure body
// synchronously on this thread — the only place arbitrary user code runs.
// in.PredictedPartitions carries the planner's SP/MP classification; an
// empty prediction defaults to single-partition (a plain stored procedure
// call against its own base partition). When the prediction names more than
// just the base partition, every named partition is admitted as a 2PC
// participant up front, before the procedure body runs, so a participant's
// RemoteTransactionState exists before the first fragment response races
// in against it.
func (e *Executor) handleInitiate(in *wire.Initiate) {
	if existing := e.lookupTxn(in.TxnID); existing != nil {
		e.log.Error("initiate", "initiate for already-occupied txn slot", map[string]interface{}{"txn_id": in.TxnID})
		return
	}

	predicted := in.PredictedPartitions
	if len(predicted) == 0 {
		predicted = []int{in.BasePartition}
	}
	hasBase := false
	for _, p := range predicted {
		if p == in.BasePartition {
			hasBase = true
			break
		}
	}
	if !hasBase {
		widened := make([]int, 0, len(predicted)+1)
		widened = append(widened, predicted...)
		widened = append(widened, in.BasePartition)
		predicted = widened
	}

	state := e.pools.Local.Acquire()
	state.Init(in.TxnID, in.BasePartition, in.ClientHandle, in.ProcName, in.ParamsBlob, predicted, false, true, e.pools.Dependency)
	e.storeTxn(in.TxnID, state)

	var remoteParticipants []int
	for p := range state.PredictedPartitions {
		if p != in.BasePartition {
			remoteParticipants = append(remoteParticipants, p)
		}
	}

	if len(remoteParticipants) > 0 && e.coordinator != nil {
		cb := e.pools.Init.Acquire()
		cb.Bind(in.TxnID, e.PartitionID, e.pools.Init, len(remoteParticipants))
		state.InitCB = cb
		if err := e.coordinator.BroadcastInit(in.TxnID, in.BasePartition, predicted); err != nil {
			initErr := errors.Unexpected(e.PartitionID, in.TxnID, err)
			state.SetPendingError(initErr)
			e.finishTransaction(state, remoteParticipants, false)
			if e.messenger != nil {
				resp := wire.ClientResponse{
					TxnID:         in.TxnID,
					ClientHandle:  in.ClientHandle,
					Status:        wire.StatusUnexpectedError,
					StatusMessage: initErr.Error(),
				}
				if sendErr := e.messenger.SendClientResponse(resp); sendErr != nil {
					e.log.Error("initiate", "send client response failed", map[string]interface{}{"error": sendErr.Error()})
				}
			}
			return
		}
		for range remoteParticipants {
			cb.OnAck()
		}
	}

	ctx := &Context{TxnID: in.TxnID, Params: in.ParamsBlob, state: state, ex: e}
	resp, err := e.procedures.Call(ctx, in.ProcName)

	var wantCommit bool
	if err != nil {
		if ee, ok := err.(*errors.EngineError); ok && ee.Type == errors.TypeMispredict {
			e.handleMispredict(state)
			return
		}
		resp = wire.ClientResponse{
			TxnID:         in.TxnID,
			ClientHandle:  in.ClientHandle,
			Status:        wire.StatusUnexpectedError,
			StatusMessage: err.Error(),
		}
		wantCommit = false
	} else {
		resp.TxnID = in.TxnID
		resp.ClientHandle = in.ClientHandle
		wantCommit = resp.Status == wire.StatusSuccess
	}

	if committed := e.finishTransaction(state, remoteParticipants, wantCommit); !committed && resp.Status == wire.StatusSuccess {
		resp.Status = wire.StatusUnexpectedError
		resp.StatusMessage = "transaction aborted during prepare"
	}

	if e.messenger != nil {
		if sendErr := e.messenger.SendClientResponse(resp); sendErr != nil {
			e.log.Error("initiate", "send client response failed", map[string]interface{}{"error": sendErr.Error()})
		}
	}
}

// handleMispredict builds the MISPREDICTION response and rolls back any
// partial writes, bypassing the normal commit/abort response path per
// §4.4.5.
func (e *Executor) handleMispredict(state *txn.LocalTransactionState) {
	e.abortLocked(state)
	resp := wire.ClientResponse{
		TxnID:        state.TxnID,
		ClientHandle: state.ClientHandle,
		Status:       wire.StatusMispredict,
	}
	if e.messenger != nil {
		if sendErr := e.messenger.SendClientResponse(resp); sendErr != nil {
			e.log.Error("mispredict", "send mispredict response failed", map[string]interface{}{"error": sendErr.Error()})
		}
	}
}
