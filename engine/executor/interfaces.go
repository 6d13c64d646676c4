package executor

import "github.com/mantisdb/partitiondb/wire"

// Coordinator packages a set of cross-partition fragment tasks into a
// single request. Each participant's response reaches that transaction's
// state through the Messenger (addResponse/addResult), not through this
// interface — the executor never blocks on the call itself, only on the
// latch waitForResponses already armed before Dispatch runs.
//
// BroadcastInit, Prepare and Finish are the coordinator's 2PC fan-out: once
// a transaction has recruited participants beyond its base partition (via
// Dispatch or an up-front BroadcastInit), the base partition drives the
// rest of the protocol through these three calls instead of talking to each
// participant directly.
type Coordinator interface {
	Dispatch(req wire.CoordinatorRequest) error

	// BroadcastInit admits txnID onto every partition in partitions other
	// than basePartition, ahead of any fragment actually being dispatched to
	// them, so a remote participant's RemoteTransactionState exists before
	// the first fragment response races in.
	BroadcastInit(txnID uint64, basePartition int, partitions []int) error

	// Prepare asks every partition recruited for txnID whether it is ready
	// to commit and returns each participant's vote, keyed by partition id.
	Prepare(txnID uint64) (map[int]bool, error)

	// Finish fans out the commit/abort decision to every partition recruited
	// for txnID and forgets the participant set.
	Finish(txnID uint64, commit bool) error
}

// Messenger is the transport-facing exit points an executor uses once it
// has decided a message leaves the partition thread: a fragment response
// plus its row payload, or a terminal client response.
// Messenger is the transport boundary: wire.FragmentResponse itself carries
// no destination address (a real RPC response travels back over the
// connection it arrived on), so SendFragmentResponse takes the destination
// partition out of band, the way a connection-scoped reply channel would.
type Messenger interface {
	SendFragmentResponse(destPartition int, resp wire.FragmentResponse) error
	SendDependencySet(ds wire.DependencySet) error
	SendClientResponse(resp wire.ClientResponse) error
}

// SysProcHandler is a registered system-procedure fragment handler, looked
// up by fragment id. System procedures bypass the general query engine.
type SysProcHandler func(txnID uint64, deps map[int32]wire.Table, fragmentID int64, params []byte) (wire.Table, error)
