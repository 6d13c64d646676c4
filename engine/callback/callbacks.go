package callback

import (
	"github.com/mantisdb/partitiondb/pool"
)

// base is embedded by every callback variant: the slot machine plus the
// minimal identity a finished callback needs to find its way back to a
// pool, without pinning the owning TransactionState alive.
type base struct {
	Slot
	TxnID       uint64
	PartitionID int
}

// release returns inst to p once its slot reaches StateFinished. Call this
// from the variant-specific OnResponse/Abort wrapper, never from Slot
// itself, so a variant can defer the return until after it has run any of
// its own finish-time side effects.
func release[T any](inst *T, finished bool, p *pool.Pool[T]) {
	if finished && p != nil {
		p.Release(inst)
	}
}

// InitCallback awaits init-queue acknowledgements from every partition
// participating in a transaction whose procedure runs locally. Its
// completion triggers procedure invocation.
type InitCallback struct {
	base
	pool *pool.Pool[InitCallback]
}

func NewInitCallbackPool(idleCap int) *pool.Pool[InitCallback] {
	return pool.New(idleCap,
		func() *InitCallback { return &InitCallback{} },
		func(c *InitCallback) { c.Reset() })
}

func (c *InitCallback) Bind(txnID uint64, partitionID int, p *pool.Pool[InitCallback], expectedAcks int) {
	c.TxnID, c.PartitionID, c.pool = txnID, partitionID, p
	c.Arm(expectedAcks)
}

func (c *InitCallback) OnAck() (finished bool) {
	finished = c.OnResponse()
	release(c, finished, c.pool)
	return finished
}

// InitQueueCallback fires locally when a remote executor has admitted a
// transaction to its work queue; it is the mirror image of InitCallback on
// the non-base partition.
type InitQueueCallback struct {
	base
	pool *pool.Pool[InitQueueCallback]
}

func NewInitQueueCallbackPool(idleCap int) *pool.Pool[InitQueueCallback] {
	return pool.New(idleCap,
		func() *InitQueueCallback { return &InitQueueCallback{} },
		func(c *InitQueueCallback) { c.Reset() })
}

func (c *InitQueueCallback) Bind(txnID uint64, partitionID int, p *pool.Pool[InitQueueCallback]) {
	c.TxnID, c.PartitionID, c.pool = txnID, partitionID, p
	c.Arm(1)
}

func (c *InitQueueCallback) OnAdmitted() (finished bool) {
	finished = c.OnResponse()
	release(c, finished, c.pool)
	return finished
}

// WorkCallback aggregates fragment responses for one in-flight batch
// dispatched by waitForResponses.
type WorkCallback struct {
	base
	pool *pool.Pool[WorkCallback]
}

func NewWorkCallbackPool(idleCap int) *pool.Pool[WorkCallback] {
	return pool.New(idleCap,
		func() *WorkCallback { return &WorkCallback{} },
		func(c *WorkCallback) { c.Reset() })
}

func (c *WorkCallback) Bind(txnID uint64, partitionID int, p *pool.Pool[WorkCallback], expectedFragments int) {
	c.TxnID, c.PartitionID, c.pool = txnID, partitionID, p
	c.Arm(expectedFragments)
}

func (c *WorkCallback) OnFragmentResponse() (finished bool) {
	finished = c.OnResponse()
	release(c, finished, c.pool)
	return finished
}

// PrepareCallback awaits ready-to-commit acknowledgements from every
// participant; any failure converts the transaction's outcome to abort.
type PrepareCallback struct {
	base
	pool    *pool.Pool[PrepareCallback]
	Failed  bool
}

func NewPrepareCallbackPool(idleCap int) *pool.Pool[PrepareCallback] {
	return pool.New(idleCap,
		func() *PrepareCallback { return &PrepareCallback{} },
		func(c *PrepareCallback) { c.Reset(); c.Failed = false })
}

func (c *PrepareCallback) Bind(txnID uint64, partitionID int, p *pool.Pool[PrepareCallback], expectedParticipants int) {
	c.TxnID, c.PartitionID, c.pool = txnID, partitionID, p
	c.Arm(expectedParticipants)
}

// OnParticipantResponse records one participant's prepare outcome. ok=false
// latches Failed for the lifetime of the callback (decided-yes once a
// failure is seen, per spec §9(c): any prepare failure aborts the whole
// transaction even if other participants reported success).
func (c *PrepareCallback) OnParticipantResponse(ok bool) (finished bool) {
	if !ok {
		c.Failed = true
	}
	finished = c.OnResponse()
	release(c, finished, c.pool)
	return finished
}

// FinishCallback awaits commit/abort acknowledgements from participants and
// drives the cleanup callback once satisfied.
type FinishCallback struct {
	base
	pool *pool.Pool[FinishCallback]
}

func NewFinishCallbackPool(idleCap int) *pool.Pool[FinishCallback] {
	return pool.New(idleCap,
		func() *FinishCallback { return &FinishCallback{} },
		func(c *FinishCallback) { c.Reset() })
}

func (c *FinishCallback) Bind(txnID uint64, partitionID int, p *pool.Pool[FinishCallback], expectedParticipants int) {
	c.TxnID, c.PartitionID, c.pool = txnID, partitionID, p
	c.Arm(expectedParticipants)
}

func (c *FinishCallback) OnParticipantAck() (finished bool) {
	finished = c.OnResponse()
	release(c, finished, c.pool)
	return finished
}

// CleanupCallback fires when the transaction's final acknowledgement is
// received on the remote side, releasing the RemoteTransactionState.
type CleanupCallback struct {
	base
	pool *pool.Pool[CleanupCallback]
}

func NewCleanupCallbackPool(idleCap int) *pool.Pool[CleanupCallback] {
	return pool.New(idleCap,
		func() *CleanupCallback { return &CleanupCallback{} },
		func(c *CleanupCallback) { c.Reset() })
}

func (c *CleanupCallback) Bind(txnID uint64, partitionID int, p *pool.Pool[CleanupCallback]) {
	c.TxnID, c.PartitionID, c.pool = txnID, partitionID, p
	c.Arm(1)
}

func (c *CleanupCallback) OnFinalAck() (finished bool) {
	finished = c.OnResponse()
	release(c, finished, c.pool)
	return finished
}

// RedirectCallback forwards a client request that arrived at the wrong
// base partition, then relays the far side's response back to the
// originator. It is used in a pair: one armed at the originating site
// awaiting the relayed response, one armed at the true base partition
// awaiting the procedure's own client response.
type RedirectCallback struct {
	base
	pool             *pool.Pool[RedirectCallback]
	OriginClientHandle uint64
	OriginPartition    int
}

func NewRedirectCallbackPool(idleCap int) *pool.Pool[RedirectCallback] {
	return pool.New(idleCap,
		func() *RedirectCallback { return &RedirectCallback{} },
		func(c *RedirectCallback) { c.Reset() })
}

func (c *RedirectCallback) Bind(txnID uint64, partitionID int, p *pool.Pool[RedirectCallback], originHandle uint64, originPartition int) {
	c.TxnID, c.PartitionID, c.pool = txnID, partitionID, p
	c.OriginClientHandle, c.OriginPartition = originHandle, originPartition
	c.Arm(1)
}

func (c *RedirectCallback) OnRelayedResponse() (finished bool) {
	finished = c.OnResponse()
	release(c, finished, c.pool)
	return finished
}
