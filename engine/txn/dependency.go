package txn

import (
	"github.com/mantisdb/partitiondb/pool"
	"github.com/mantisdb/partitiondb/wire"
)

// DependencyInfo records one round's progress on a single output dependency
// id: which partitions were declared as producers, which of them are still
// pending, and the rows buffered so far. It exists only between a round's
// initRound and finishRound (spec invariant).
type DependencyInfo struct {
	DepID     int32
	TxnID     uint64
	Producers map[int]bool
	Pending   map[int]bool
	Rows      wire.Table
}

// NewDependencyInfoPool builds the pool a baseTransactionState draws
// DependencyInfo instances from, so a round's dependency bookkeeping reuses
// allocations the same way callback and transaction-state pools do.
func NewDependencyInfoPool(idleCap int) *pool.Pool[DependencyInfo] {
	return pool.New(idleCap,
		func() *DependencyInfo { return &DependencyInfo{} },
		func(di *DependencyInfo) { di.reset() })
}

func (di *DependencyInfo) populate(txnID uint64, depID int32, producers []int) {
	di.DepID = depID
	di.TxnID = txnID
	di.Producers = make(map[int]bool, len(producers))
	di.Pending = make(map[int]bool, len(producers))
	for _, p := range producers {
		di.Producers[p] = true
		di.Pending[p] = true
	}
}

func (di *DependencyInfo) reset() {
	di.DepID = 0
	di.TxnID = 0
	di.Producers = nil
	di.Pending = nil
	di.Rows = nil
}

func newDependencyInfo(txnID uint64, depID int32, producers []int) *DependencyInfo {
	di := &DependencyInfo{}
	di.populate(txnID, depID, producers)
	return di
}

// satisfy marks partition as having responded (with or without rows). The
// dependency's pending set never increases (spec invariant); it reports
// whether this call was the one that emptied it.
func (di *DependencyInfo) satisfy(partition int) (justCompleted bool) {
	if !di.Pending[partition] {
		return false
	}
	delete(di.Pending, partition)
	return len(di.Pending) == 0
}

func (di *DependencyInfo) isSatisfied() bool {
	return len(di.Pending) == 0
}
