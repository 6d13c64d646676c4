package storage

import (
	"fmt"
	"sync"

	"github.com/mantisdb/partitiondb/wire"
)

// RecordingEngine wraps another Engine and records the identity of the
// goroutine that called into it on every call, appending to Violations
// whenever a call comes from a goroutine other than the first caller — the
// single-writer property
// (spec §8 item 1) a recording stub exists specifically to catch.
type RecordingEngine struct {
	inner Engine

	mu          sync.Mutex
	ownerGID    uint64
	ownerKnown  bool
	Violations  []string
	CallCount   int
}

// NewRecordingEngine wraps inner with goroutine-identity recording.
func NewRecordingEngine(inner Engine) *RecordingEngine {
	return &RecordingEngine{inner: inner}
}

func (r *RecordingEngine) record(op string) {
	gid := currentGoroutineID()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCount++
	if !r.ownerKnown {
		r.ownerGID = gid
		r.ownerKnown = true
		return
	}
	if gid != r.ownerGID {
		r.Violations = append(r.Violations, fmt.Sprintf("%s called from goroutine %d, expected owner %d", op, gid, r.ownerGID))
	}
}

func (r *RecordingEngine) LoadCatalog(catalog []byte) error {
	r.record("LoadCatalog")
	return r.inner.LoadCatalog(catalog)
}

func (r *RecordingEngine) Tick(nowUnixNano int64, lastCommittedTxnID uint64) error {
	r.record("Tick")
	return r.inner.Tick(nowUnixNano, lastCommittedTxnID)
}

func (r *RecordingEngine) StashWorkUnitDependencies(deps map[int32]wire.Table) error {
	r.record("StashWorkUnitDependencies")
	return r.inner.StashWorkUnitDependencies(deps)
}

func (r *RecordingEngine) ExecuteQueryPlanFragmentsAndGetDependencySet(
	fragmentIDs []int64,
	inputDepIDs, outputDepIDs []int32,
	params [][]byte,
	txnID uint64,
	lastCommittedTxnID uint64,
	undo UndoToken,
) (map[int32]wire.Table, error) {
	r.record("ExecuteQueryPlanFragmentsAndGetDependencySet")
	return r.inner.ExecuteQueryPlanFragmentsAndGetDependencySet(fragmentIDs, inputDepIDs, outputDepIDs, params, txnID, lastCommittedTxnID, undo)
}

func (r *RecordingEngine) ReleaseUndoToken(undo UndoToken) error {
	r.record("ReleaseUndoToken")
	return r.inner.ReleaseUndoToken(undo)
}

func (r *RecordingEngine) UndoUndoToken(undo UndoToken) error {
	r.record("UndoUndoToken")
	return r.inner.UndoUndoToken(undo)
}

func (r *RecordingEngine) LoadTable(tableIndex int, rows wire.Table, txnID uint64, lastCommittedTxnID uint64, undo UndoToken, allowELT bool) error {
	r.record("LoadTable")
	return r.inner.LoadTable(tableIndex, rows, txnID, lastCommittedTxnID, undo, allowELT)
}

// HasViolation reports whether any call was observed from a goroutine other
// than the first one to touch this engine.
func (r *RecordingEngine) HasViolation() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Violations) > 0
}
