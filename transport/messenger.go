// Package transport provides the site's messenger: the typed RPC substrate
// the executor treats as an opaque collaborator. LocalMessenger is the
// in-process implementation used when every partition a transaction touches
// lives on the same site; a networked implementation would satisfy the same
// interface over an actual wire codec.
package transport

import (
	"fmt"
	"sync"

	"github.com/mantisdb/partitiondb/engine/txn"
	"github.com/mantisdb/partitiondb/wire"
)

// Destination is the subset of an Executor's surface a messenger needs:
// somewhere to look up transaction state for a fragment response or
// dependency-set delivery, and somewhere to hand a terminal client
// response to whichever connection is waiting on client_handle.
type Destination interface {
	PartitionNumber() int
	LookupTransaction(txnID uint64) (local *txn.LocalTransactionState, remote *txn.RemoteTransactionState)
	Enqueue(item wire.WorkItem)
}

// ClientSink receives a ClientResponse addressed to a client handle. The
// site's network-facing frontend registers one per outstanding client
// connection; in tests a channel-backed sink is enough.
type ClientSink interface {
	Deliver(resp wire.ClientResponse)
}

// Dispatcher is the coordinator's packaging half of cross-partition
// delivery: everything a messenger needs to hand off a fragment that a
// dependency arrival unblocked on a partition other than the one that
// delivered the response.
type Dispatcher interface {
	Dispatch(req wire.CoordinatorRequest) error
}

// LocalMessenger routes fragment responses, dependency sets, and client
// responses entirely in-process by partition id and client handle, with no
// serialization. It stands in for the network transport the spec treats as
// out of scope.
type LocalMessenger struct {
	mu          sync.RWMutex
	partitions  map[int]Destination
	clientSinks map[uint64]ClientSink
	coordinator Dispatcher
}

// NewLocalMessenger creates an empty messenger; wire up partitions and
// client sinks before traffic flows.
func NewLocalMessenger() *LocalMessenger {
	return &LocalMessenger{
		partitions:  make(map[int]Destination),
		clientSinks: make(map[uint64]ClientSink),
	}
}

// SetCoordinator wires the coordinator a messenger hands cross-partition
// unblocked fragments to. Without one, routeUnblocked falls back to
// enqueueing every unblocked fragment on whichever destination delivered
// the response that unblocked it — correct only when every fragment this
// messenger ever sees happens to be addressed to that same partition.
func (m *LocalMessenger) SetCoordinator(c Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coordinator = c
}

// routeUnblocked sends each fragment unblocked by an arriving response or
// dependency set to its actual destination partition, not the partition
// that happened to deliver the response that unblocked it — a response
// arriving at a base partition can unblock a fragment addressed to a third
// partition entirely.
func (m *LocalMessenger) routeUnblocked(d Destination, tasks []*wire.Fragment) error {
	if len(tasks) == 0 {
		return nil
	}
	var remote []*wire.Fragment
	for _, task := range tasks {
		if task.DestinationPartition == d.PartitionNumber() {
			d.Enqueue(wire.WorkItem{Fragment: task})
			continue
		}
		remote = append(remote, task)
	}
	if len(remote) == 0 {
		return nil
	}
	m.mu.RLock()
	coord := m.coordinator
	m.mu.RUnlock()
	if coord == nil {
		for _, task := range remote {
			d.Enqueue(wire.WorkItem{Fragment: task})
		}
		return nil
	}
	req := wire.CoordinatorRequest{Fragments: make([]wire.PartitionFragment, 0, len(remote))}
	for _, task := range remote {
		req.CoordTxnID = task.TxnID
		req.Fragments = append(req.Fragments, wire.PartitionFragment{PartitionID: task.DestinationPartition, Work: task})
	}
	return coord.Dispatch(req)
}

// RegisterPartition makes d reachable as a fragment-response/dependency-set
// destination.
func (m *LocalMessenger) RegisterPartition(d Destination) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partitions[d.PartitionNumber()] = d
}

// RegisterClient makes sink reachable as the terminal destination for
// responses addressed to clientHandle.
func (m *LocalMessenger) RegisterClient(clientHandle uint64, sink ClientSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientSinks[clientHandle] = sink
}

// UnregisterClient drops a client sink once its connection closes.
func (m *LocalMessenger) UnregisterClient(clientHandle uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clientSinks, clientHandle)
}

func (m *LocalMessenger) destination(partitionID int) (Destination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.partitions[partitionID]
	if !ok {
		return nil, fmt.Errorf("transport: no partition registered for id %d", partitionID)
	}
	return d, nil
}

// SendFragmentResponse delivers resp's metadata to destPartition's
// transaction state via addResponse, matching the non-local routing branch
// of fragment execution (§4.4.2).
func (m *LocalMessenger) SendFragmentResponse(destPartition int, resp wire.FragmentResponse) error {
	d, err := m.destination(destPartition)
	if err != nil {
		return err
	}
	local, remote := d.LookupTransaction(resp.TxnID)
	switch {
	case local != nil:
		for _, depID := range resp.DepIDList {
			unblocked := local.AddResponse(resp.SourcePartition, depID)
			if err := m.routeUnblocked(d, unblocked); err != nil {
				return err
			}
		}
	case remote != nil:
		for _, depID := range resp.DepIDList {
			unblocked := remote.AddResponse(resp.SourcePartition, depID)
			if err := m.routeUnblocked(d, unblocked); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("transport: fragment response for unknown txn %d on partition %d", resp.TxnID, destPartition)
	}
	return nil
}

// SendDependencySet delivers ds's row payloads to its destination
// partition's transaction state via addResult.
func (m *LocalMessenger) SendDependencySet(ds wire.DependencySet) error {
	d, err := m.destination(ds.DestPartition)
	if err != nil {
		return err
	}
	local, remote := d.LookupTransaction(ds.TxnID)
	switch {
	case local != nil:
		for depID, rows := range ds.Rows {
			unblocked := local.AddResult(ds.SourcePartition, depID, rows)
			if err := m.routeUnblocked(d, unblocked); err != nil {
				return err
			}
		}
	case remote != nil:
		for depID, rows := range ds.Rows {
			unblocked := remote.AddResult(ds.SourcePartition, depID, rows)
			if err := m.routeUnblocked(d, unblocked); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("transport: dependency set for unknown txn %d on partition %d", ds.TxnID, ds.DestPartition)
	}
	return nil
}

// SendClientResponse delivers resp to whichever sink registered for its
// client handle, if any is still listening.
func (m *LocalMessenger) SendClientResponse(resp wire.ClientResponse) error {
	m.mu.RLock()
	sink, ok := m.clientSinks[resp.ClientHandle]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	sink.Deliver(resp)
	return nil
}
