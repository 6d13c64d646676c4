package site

import (
	"sync"
	"testing"
	"time"

	"github.com/mantisdb/partitiondb/config"
	"github.com/mantisdb/partitiondb/engine/executor"
	"github.com/mantisdb/partitiondb/engine/procedure"
	"github.com/mantisdb/partitiondb/logging"
	"github.com/mantisdb/partitiondb/storage"
	"github.com/mantisdb/partitiondb/wire"
)

const touchFragmentID int64 = 1

type fakeSink struct {
	mu     sync.Mutex
	got    []wire.ClientResponse
	notify chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{notify: make(chan struct{}, 8)}
}

func (s *fakeSink) Deliver(resp wire.ClientResponse) {
	s.mu.Lock()
	s.got = append(s.got, resp)
	s.mu.Unlock()
	s.notify <- struct{}{}
}

func (s *fakeSink) wait(t *testing.T) wire.ClientResponse {
	t.Helper()
	select {
	case <-s.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client response")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.got[len(s.got)-1]
}

func newTestSupervisor(t *testing.T, procs map[string]procedure.Body) (*Supervisor, *fakeSink) {
	t.Helper()
	cfg := config.Default()
	cfg.SiteID = "test-site"
	cfg.PartitionsPerSite = 2
	cfg.Pools.IdleCap = 4

	engineFactory := func(partitionID int) storage.Engine {
		eng := storage.NewMemEngine()
		eng.RegisterFragmentHandler(touchFragmentID, func(params []byte, inputs map[int32]wire.Table) (wire.Table, error) {
			return wire.Table{wire.Row(params)}, nil
		})
		return eng
	}

	log := logging.New(logging.LevelDebug)
	sup := New(cfg, log, engineFactory, procs)

	for _, p := range []int{0, 1} {
		ex := sup.Partition(p)
		if ex == nil {
			t.Fatalf("missing executor for partition %d", p)
		}
		go ex.Run()
		t.Cleanup(ex.Shutdown)
	}

	sink := newFakeSink()
	sup.Messenger().RegisterClient(1, sink)
	t.Cleanup(func() { sup.Messenger().UnregisterClient(1) })

	return sup, sink
}

// touchTask builds a single-fragment batch addressed to destPartition that
// echoes its parameter blob back as a one-row result.
func touchTask(txnID uint64, destPartition int, depID int32, payload string) *wire.Fragment {
	return &wire.Fragment{
		TxnID:                txnID,
		DestinationPartition: destPartition,
		FragmentIDs:          []int64{touchFragmentID},
		ParamBlobs:           [][]byte{[]byte(payload)},
		OutputDepIDs:         []int32{depID},
	}
}

// TestForward_SinglePartitionTransactionCommits covers a client request
// whose stored procedure only ever touches the partition it was submitted
// to: the predicted-single-partition fast path never mispredicts.
func TestForward_SinglePartitionTransactionCommits(t *testing.T) {
	procs := map[string]procedure.Body{
		"Local": func(ctx *executor.Context) (wire.ClientResponse, error) {
			task := touchTask(ctx.TxnID, ctx.PartitionID(), 1, "hello")
			results, err := ctx.WaitForResponses([]*wire.Fragment{task})
			if err != nil {
				return wire.ClientResponse{}, err
			}
			return wire.ClientResponse{Status: wire.StatusSuccess, Results: []wire.Table{results[0]}}, nil
		},
	}
	sup, sink := newTestSupervisor(t, procs)

	if err := sup.Forward(&wire.Initiate{TxnID: 1, BasePartition: 0, ClientHandle: 1, ProcName: "Local"}); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	resp := sink.wait(t)
	if resp.Status != wire.StatusSuccess {
		t.Fatalf("Status = %v, want StatusSuccess", resp.Status)
	}
	if len(resp.Results) != 1 || string(resp.Results[0][0]) != "hello" {
		t.Fatalf("unexpected results: %+v", resp.Results)
	}
}

// TestForward_CrossPartitionBatchMispredicts covers a stored procedure that
// dispatches a batch spanning two partitions when the submitted Initiate
// left PredictedPartitions empty, so the executor defaults to predicting
// single-partition execution: the first attempt always restarts with a
// mispredict rather than running the cross-partition batch to completion,
// and a real client is expected to resubmit with PredictedPartitions set
// once it sees this status. See TestForward_MultiPartitionPredictionCommits
// for the case a client predicts correctly up front.
func TestForward_CrossPartitionBatchMispredicts(t *testing.T) {
	procs := map[string]procedure.Body{
		"Cross": func(ctx *executor.Context) (wire.ClientResponse, error) {
			tasks := []*wire.Fragment{
				touchTask(ctx.TxnID, 0, 1, "a"),
				touchTask(ctx.TxnID, 1, 2, "b"),
			}
			_, err := ctx.WaitForResponses(tasks)
			if err != nil {
				return wire.ClientResponse{}, err
			}
			return wire.ClientResponse{Status: wire.StatusSuccess}, nil
		},
	}
	sup, sink := newTestSupervisor(t, procs)

	if err := sup.Forward(&wire.Initiate{TxnID: 2, BasePartition: 0, ClientHandle: 1, ProcName: "Cross"}); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	resp := sink.wait(t)
	if resp.Status != wire.StatusMispredict {
		t.Fatalf("Status = %v, want StatusMispredict", resp.Status)
	}
}

// TestForward_UnregisteredProcedureReturnsUnexpectedError covers the
// unregistered-procedure path end to end through the site's Forward entry
// point.
func TestForward_UnregisteredProcedureReturnsUnexpectedError(t *testing.T) {
	sup, sink := newTestSupervisor(t, map[string]procedure.Body{})

	if err := sup.Forward(&wire.Initiate{TxnID: 3, BasePartition: 0, ClientHandle: 1, ProcName: "Missing"}); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	resp := sink.wait(t)
	if resp.Status != wire.StatusUnexpectedError {
		t.Fatalf("Status = %v, want StatusUnexpectedError", resp.Status)
	}
}

// TestForward_UnknownPartitionIsAnError covers Forward's own routing check,
// independent of anything an executor does.
func TestForward_UnknownPartitionIsAnError(t *testing.T) {
	sup, _ := newTestSupervisor(t, map[string]procedure.Body{})

	err := sup.Forward(&wire.Initiate{TxnID: 4, BasePartition: 7, ClientHandle: 1, ProcName: "Local"})
	if err == nil {
		t.Fatal("expected an error for a partition this site doesn't own")
	}
}

// TestForward_MultiPartitionPredictionCommits covers a stored procedure
// that dispatches a batch spanning two partitions when the submitted
// Initiate accurately predicts both up front: no mispredict, and the
// transaction runs the full 2PC prepare/finish fan-out across the base
// partition and its one remote participant.
func TestForward_MultiPartitionPredictionCommits(t *testing.T) {
	procs := map[string]procedure.Body{
		"Cross": func(ctx *executor.Context) (wire.ClientResponse, error) {
			tasks := []*wire.Fragment{
				touchTask(ctx.TxnID, 0, 1, "a"),
				touchTask(ctx.TxnID, 1, 2, "b"),
			}
			results, err := ctx.WaitForResponses(tasks)
			if err != nil {
				return wire.ClientResponse{}, err
			}
			return wire.ClientResponse{Status: wire.StatusSuccess, Results: results}, nil
		},
	}
	sup, sink := newTestSupervisor(t, procs)

	if err := sup.Forward(&wire.Initiate{
		TxnID: 5, BasePartition: 0, ClientHandle: 1, ProcName: "Cross",
		PredictedPartitions: []int{0, 1},
	}); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	resp := sink.wait(t)
	if resp.Status != wire.StatusSuccess {
		t.Fatalf("Status = %v, want StatusSuccess", resp.Status)
	}
	if len(resp.Results) != 2 || string(resp.Results[0][0]) != "a" || string(resp.Results[1][0]) != "b" {
		t.Fatalf("unexpected results: %+v", resp.Results)
	}
}

// TestForward_RedirectsToPeerSite covers the cross-site path: a
// relay-only site (no partitions of its own — a front end colocated with no
// executors) receives a request whose BasePartition belongs to a registered
// peer. Forward should redirect there and relay the eventual client
// response back through the originating site's own messenger, to the sink
// the client actually connected to.
func TestForward_RedirectsToPeerSite(t *testing.T) {
	procs := map[string]procedure.Body{
		"Local": func(ctx *executor.Context) (wire.ClientResponse, error) {
			task := touchTask(ctx.TxnID, ctx.PartitionID(), 1, "remote-hello")
			results, err := ctx.WaitForResponses([]*wire.Fragment{task})
			if err != nil {
				return wire.ClientResponse{}, err
			}
			return wire.ClientResponse{Status: wire.StatusSuccess, Results: []wire.Table{results[0]}}, nil
		},
	}
	owner, _ := newTestSupervisor(t, procs)

	relayCfg := config.Default()
	relayCfg.SiteID = "relay-site"
	relayCfg.PartitionsPerSite = 0
	origin := New(relayCfg, logging.New(logging.LevelDebug), func(int) storage.Engine { return nil }, nil)
	originSink := newFakeSink()
	origin.Messenger().RegisterClient(1, originSink)
	t.Cleanup(func() { origin.Messenger().UnregisterClient(1) })

	origin.Peer(owner, 0, 1)

	if err := origin.Forward(&wire.Initiate{TxnID: 6, BasePartition: 0, ClientHandle: 1, ProcName: "Local"}); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	resp := originSink.wait(t)
	if resp.Status != wire.StatusSuccess {
		t.Fatalf("Status = %v, want StatusSuccess", resp.Status)
	}
	if len(resp.Results) != 1 || string(resp.Results[0][0]) != "remote-hello" {
		t.Fatalf("unexpected results: %+v", resp.Results)
	}
}
