package executor

import (
	"github.com/mantisdb/partitiondb/engine/txn"
	"github.com/mantisdb/partitiondb/wire"
)

// Context is handed to a stored procedure body for the lifetime of one
// invocation. It exposes exactly the two legal suspension points a
// procedure has: issuing a batch and blocking on its responses.
type Context struct {
	TxnID  uint64
	Params []byte

	state *txn.LocalTransactionState
	ex    *Executor
}

// WaitForResponses dispatches tasks and blocks until every result they
// declare has arrived, returning the ordered result tables. It is the only
// place a procedure body yields the partition thread besides returning.
func (c *Context) WaitForResponses(tasks []*wire.Fragment) ([]wire.Table, error) {
	return c.ex.waitForResponses(c.state, tasks)
}

// PartitionID reports the partition this procedure invocation is running
// on, so a body can address a fragment task at itself for a local-only
// batch.
func (c *Context) PartitionID() int {
	return c.ex.PartitionID
}

// ProcedureHost invokes a named procedure body synchronously on the
// executor thread that owns ctx's transaction, returning the ClientResponse
// the procedure produced (or an error describing why it could not be
// invoked at all, e.g. an unregistered name).
type ProcedureHost interface {
	Call(ctx *Context, procName string) (wire.ClientResponse, error)
}
