package executor

import (
	"sync"
	"testing"
	"time"

	"github.com/mantisdb/partitiondb/errors"
	"github.com/mantisdb/partitiondb/logging"
	"github.com/mantisdb/partitiondb/storage"
	"github.com/mantisdb/partitiondb/wire"
)

const sumFragmentID int64 = 100

type fakeMessenger struct {
	mu        sync.Mutex
	responses []wire.ClientResponse
	notify    chan struct{}
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{notify: make(chan struct{}, 16)}
}

func (f *fakeMessenger) SendFragmentResponse(destPartition int, resp wire.FragmentResponse) error {
	return nil
}

func (f *fakeMessenger) SendDependencySet(ds wire.DependencySet) error {
	return nil
}

func (f *fakeMessenger) SendClientResponse(resp wire.ClientResponse) error {
	f.mu.Lock()
	f.responses = append(f.responses, resp)
	f.mu.Unlock()
	f.notify <- struct{}{}
	return nil
}

func (f *fakeMessenger) waitForResponse(t *testing.T) wire.ClientResponse {
	t.Helper()
	select {
	case <-f.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client response")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.responses[len(f.responses)-1]
}

type fakeProcedureHost struct {
	body func(ctx *Context) (wire.ClientResponse, error)
}

func (f *fakeProcedureHost) Call(ctx *Context, procName string) (wire.ClientResponse, error) {
	return f.body(ctx)
}

func newTestExecutor(t *testing.T, procs *fakeProcedureHost, msgr *fakeMessenger) *Executor {
	t.Helper()
	eng := storage.NewMemEngine()
	eng.RegisterFragmentHandler(sumFragmentID, func(params []byte, inputs map[int32]wire.Table) (wire.Table, error) {
		return wire.Table{wire.Row("ok")}, nil
	})

	queue := NewWorkQueue(64)
	pools := NewPools(4)
	log := logging.New(logging.LevelDebug)

	return New(0, eng, queue, nil, msgr, procs, pools, log, Config{
		PollTimeout: 20 * time.Millisecond,
		TickEvery:   time.Hour,
		GCInterval:  time.Hour,
	})
}

func TestHandleInitiate_SuccessCommitsAndSendsResponse(t *testing.T) {
	msgr := newFakeMessenger()
	procs := &fakeProcedureHost{body: func(ctx *Context) (wire.ClientResponse, error) {
		return wire.ClientResponse{Status: wire.StatusSuccess}, nil
	}}
	ex := newTestExecutor(t, procs, msgr)

	go ex.Run()
	defer ex.Shutdown()

	ex.Enqueue(wire.WorkItem{Initiate: &wire.Initiate{TxnID: 1, BasePartition: 0, ClientHandle: 9, ProcName: "Noop"}})

	resp := msgr.waitForResponse(t)
	if resp.Status != wire.StatusSuccess {
		t.Fatalf("Status = %v, want StatusSuccess", resp.Status)
	}
	if resp.ClientHandle != 9 {
		t.Fatalf("ClientHandle = %d, want 9", resp.ClientHandle)
	}
}

func TestHandleInitiate_UserErrorAborts(t *testing.T) {
	msgr := newFakeMessenger()
	procs := &fakeProcedureHost{body: func(ctx *Context) (wire.ClientResponse, error) {
		return wire.ClientResponse{Status: wire.StatusUserError, StatusMessage: "bad input"}, nil
	}}
	ex := newTestExecutor(t, procs, msgr)

	go ex.Run()
	defer ex.Shutdown()

	ex.Enqueue(wire.WorkItem{Initiate: &wire.Initiate{TxnID: 2, BasePartition: 0}})

	resp := msgr.waitForResponse(t)
	if resp.Status != wire.StatusUserError {
		t.Fatalf("Status = %v, want StatusUserError", resp.Status)
	}
}

func TestHandleInitiate_MispredictSendsMispredictResponse(t *testing.T) {
	msgr := newFakeMessenger()
	procs := &fakeProcedureHost{body: func(ctx *Context) (wire.ClientResponse, error) {
		return wire.ClientResponse{}, errors.Mispredict(ctx.PartitionID(), ctx.TxnID, nil)
	}}
	ex := newTestExecutor(t, procs, msgr)

	go ex.Run()
	defer ex.Shutdown()

	ex.Enqueue(wire.WorkItem{Initiate: &wire.Initiate{TxnID: 3, BasePartition: 0}})

	resp := msgr.waitForResponse(t)
	if resp.Status != wire.StatusMispredict {
		t.Fatalf("Status = %v, want StatusMispredict", resp.Status)
	}
}

func TestWaitForResponses_SinglePartitionBatchRunsLocallyAndReturnsResult(t *testing.T) {
	msgr := newFakeMessenger()
	procs := &fakeProcedureHost{body: func(ctx *Context) (wire.ClientResponse, error) {
		task := &wire.Fragment{
			TxnID:                ctx.TxnID,
			DestinationPartition: ctx.PartitionID(),
			FragmentIDs:          []int64{sumFragmentID},
			OutputDepIDs:         []int32{1},
		}
		results, err := ctx.WaitForResponses([]*wire.Fragment{task})
		if err != nil {
			return wire.ClientResponse{}, err
		}
		if len(results) != 1 || string(results[0][0]) != "ok" {
			t.Errorf("unexpected results: %+v", results)
		}
		return wire.ClientResponse{Status: wire.StatusSuccess}, nil
	}}
	ex := newTestExecutor(t, procs, msgr)

	go ex.Run()
	defer ex.Shutdown()

	ex.Enqueue(wire.WorkItem{Initiate: &wire.Initiate{TxnID: 4, BasePartition: 0}})

	resp := msgr.waitForResponse(t)
	if resp.Status != wire.StatusSuccess {
		t.Fatalf("Status = %v, want StatusSuccess", resp.Status)
	}
}

func TestGCSweep_ReleasesFinishedTransactionBackToPool(t *testing.T) {
	msgr := newFakeMessenger()
	procs := &fakeProcedureHost{body: func(ctx *Context) (wire.ClientResponse, error) {
		return wire.ClientResponse{Status: wire.StatusSuccess}, nil
	}}
	ex := newTestExecutor(t, procs, msgr)

	ex.Enqueue(wire.WorkItem{Initiate: &wire.Initiate{TxnID: 5, BasePartition: 0}})
	item, ok := ex.queue.Poll(time.Second)
	if !ok {
		t.Fatal("expected an initiate item")
	}
	ex.dispatch(item)

	if ex.lookupTxn(5) == nil {
		t.Fatal("expected txn 5 to still be tracked right after commit, pending GC")
	}

	ex.gcSweep()

	if ex.lookupTxn(5) != nil {
		t.Fatal("expected txn 5 to be released from the transaction table after gcSweep")
	}
}
