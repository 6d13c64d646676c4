// Package procedure implements the stored-procedure host: a bounded,
// per-name pool of reusable procedure instances invoked synchronously on
// the partition thread that owns a transaction.
package procedure

import (
	"fmt"
	"sync"

	"github.com/mantisdb/partitiondb/engine/executor"
	"github.com/mantisdb/partitiondb/errors"
	"github.com/mantisdb/partitiondb/pool"
	"github.com/mantisdb/partitiondb/wire"
)

// Body is a procedure's entry point: straight-line code that issues
// batches via ctx.WaitForResponses and returns the terminal ClientResponse.
// A Body signals a user abort or mispredict by returning the corresponding
// *errors.EngineError from ctx.WaitForResponses or by constructing one
// itself and returning it directly.
type Body func(ctx *executor.Context) (wire.ClientResponse, error)

// instance is the pooled unit of reuse for one procedure name. It carries
// no per-call state of its own — everything call-scoped lives on the
// Context — so Reset is a no-op and instances are interchangeable.
type instance struct {
	body Body
}

// Host is the executor's stored-procedure instance pool, one bounded pool
// per registered name.
type Host struct {
	mu      sync.RWMutex
	idleCap int
	bodies  map[string]Body
	pools   map[string]*pool.Pool[instance]
}

// NewHost creates a host whose per-procedure pools have idleCap idle slots.
func NewHost(idleCap int) *Host {
	return &Host{
		idleCap: idleCap,
		bodies:  make(map[string]Body),
		pools:   make(map[string]*pool.Pool[instance]),
	}
}

// Register installs body under name. Call this for every procedure the
// partition serves before any Initiate referencing it arrives.
func (h *Host) Register(name string, body Body) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bodies[name] = body
	h.pools[name] = pool.New(h.idleCap,
		func() *instance { return &instance{body: body} },
		func(*instance) {})
}

// Call acquires an instance of procName and invokes it synchronously,
// returning the instance to its pool before returning. An unregistered
// name is an UnexpectedError, not a panic: a bad proc_name can arrive over
// the wire from a misbehaving client.
func (h *Host) Call(ctx *executor.Context, procName string) (wire.ClientResponse, error) {
	h.mu.RLock()
	p, ok := h.pools[procName]
	h.mu.RUnlock()
	if !ok {
		return wire.ClientResponse{}, errors.Unexpected(0, ctx.TxnID, fmt.Errorf("procedure: no body registered for %q", procName))
	}

	inst := p.Acquire()
	defer p.Release(inst)

	resp, err := inst.body(ctx)
	if err != nil {
		if ee, ok := err.(*errors.EngineError); ok {
			switch ee.Type {
			case errors.TypeUserAbort:
				return wire.ClientResponse{Status: wire.StatusUserAbort, StatusMessage: ee.Message}, nil
			case errors.TypeMispredict:
				return wire.ClientResponse{}, err
			}
		}
		return wire.ClientResponse{Status: wire.StatusUnexpectedError, StatusMessage: err.Error()}, nil
	}
	return resp, nil
}
