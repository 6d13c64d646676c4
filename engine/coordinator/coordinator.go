// Package coordinator packs a batch-dispatch's cross-partition fragment
// tasks into a single request and fans the 2PC init/prepare/finish calls
// out to every participant; fragment responses return through the
// messenger, not through this package. It is grounded on the same
// prepare/commit fan-out shape as a two-phase-commit coordinator, minus the
// network transport.
package coordinator

import (
	"sync"

	"github.com/mantisdb/partitiondb/wire"
)

// Route is how the coordinator reaches a partition: it enqueues work
// directly onto that partition's queue, exactly like the executor would,
// plus the four 2PC calls AdmitInit/Prepare/FinishCommit/FinishAbort a
// participant executor answers synchronously. The site Supervisor wires
// these up at startup; the coordinator itself never knows whether a route
// is local-process or, in a multi-site deployment, a thin RPC client.
type Route interface {
	Enqueue(item wire.WorkItem)

	// AdmitInit creates (or reuses) txnID's participant state on this
	// partition ahead of any fragment dispatch.
	AdmitInit(txnID uint64, basePartition int) error

	// Prepare reports whether this partition is ready to commit txnID.
	Prepare(txnID uint64) (bool, error)

	// FinishCommit and FinishAbort deliver the base partition's 2PC
	// decision; each is idempotent and tolerant of an unknown txnID.
	FinishCommit(txnID uint64)
	FinishAbort(txnID uint64)
}

// Coordinator implements engine/executor's Coordinator interface: it
// accepts a CoordinatorRequest and places each of its fragments onto the
// destination partition's work queue. Responses and dependency sets route
// back to their originating TransactionState the same way any other
// fragment response does — through the destination executor's normal
// FragmentResponse/DependencySet messenger path. It additionally tracks,
// per transaction, which partitions have been recruited as participants so
// Prepare and Finish know who to fan out to.
type Coordinator struct {
	mu           sync.RWMutex
	routes       map[int]Route
	participants map[uint64]map[int]bool
}

// New creates an empty coordinator; register partitions with AddRoute.
func New() *Coordinator {
	return &Coordinator{
		routes:       make(map[int]Route),
		participants: make(map[uint64]map[int]bool),
	}
}

// AddRoute registers how to reach partitionID.
func (c *Coordinator) AddRoute(partitionID int, r Route) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[partitionID] = r
}

func (c *Coordinator) recordParticipant(txnID uint64, partitionID int) {
	set, ok := c.participants[txnID]
	if !ok {
		set = make(map[int]bool)
		c.participants[txnID] = set
	}
	set[partitionID] = true
}

// Dispatch packages req's fragments, marking each ViaCoordinator so the
// receiving executor fences a fresh undo round before executing, and
// enqueues them onto their destination partitions.
func (c *Coordinator) Dispatch(req wire.CoordinatorRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, pf := range req.Fragments {
		route, ok := c.routes[pf.PartitionID]
		if !ok {
			return &UnroutableError{PartitionID: pf.PartitionID}
		}
		c.recordParticipant(req.CoordTxnID, pf.PartitionID)
		frag := pf.Work
		frag.ViaCoordinator = true
		route.Enqueue(wire.WorkItem{Fragment: frag})
	}
	return nil
}

// BroadcastInit admits txnID onto every one of partitions other than
// basePartition, recording each as a participant so Prepare/Finish later
// reach it even if it never ends up running a fragment.
func (c *Coordinator) BroadcastInit(txnID uint64, basePartition int, partitions []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range partitions {
		if p == basePartition {
			continue
		}
		route, ok := c.routes[p]
		if !ok {
			return &UnroutableError{PartitionID: p}
		}
		if err := route.AdmitInit(txnID, basePartition); err != nil {
			return err
		}
		c.recordParticipant(txnID, p)
	}
	return nil
}

// Prepare asks every partition recruited for txnID whether it is ready to
// commit, keyed by partition id.
func (c *Coordinator) Prepare(txnID uint64) (map[int]bool, error) {
	c.mu.RLock()
	participants := c.participants[txnID]
	routes := make(map[int]Route, len(participants))
	for p := range participants {
		routes[p] = c.routes[p]
	}
	c.mu.RUnlock()

	votes := make(map[int]bool, len(routes))
	for p, route := range routes {
		if route == nil {
			return nil, &UnroutableError{PartitionID: p}
		}
		ok, err := route.Prepare(txnID)
		if err != nil {
			return nil, err
		}
		votes[p] = ok
	}
	return votes, nil
}

// Finish fans out the base partition's commit/abort decision to every
// partition recruited for txnID and forgets the participant set.
func (c *Coordinator) Finish(txnID uint64, commit bool) error {
	c.mu.Lock()
	participants := c.participants[txnID]
	delete(c.participants, txnID)
	routes := make(map[int]Route, len(participants))
	for p := range participants {
		routes[p] = c.routes[p]
	}
	c.mu.Unlock()

	for p, route := range routes {
		if route == nil {
			return &UnroutableError{PartitionID: p}
		}
		if commit {
			route.FinishCommit(txnID)
		} else {
			route.FinishAbort(txnID)
		}
	}
	return nil
}

// UnroutableError reports a coordinator request addressed to a partition
// with no registered route.
type UnroutableError struct {
	PartitionID int
}

func (e *UnroutableError) Error() string {
	return "coordinator: no route registered for partition"
}
