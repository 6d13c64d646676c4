package txn

import (
	"sync"
	"testing"

	"github.com/mantisdb/partitiondb/engine/callback"
	"github.com/mantisdb/partitiondb/storage"
	"github.com/mantisdb/partitiondb/wire"
)

func newTestLocal() *LocalTransactionState {
	l := &LocalTransactionState{}
	l.Init(1, 0, 42, "Echo", nil, []int{0, 1, 2}, false, true, nil)
	return l
}

func TestRound_SinglePartitionLatchPreArmed(t *testing.T) {
	l := newTestLocal()
	l.InitRound(7)
	l.declareDependency(100, []int{0})

	latch := l.StartRound()
	unblocked := l.AddResult(0, 100, wire.Table{wire.Row("row")})
	if len(unblocked) != 0 {
		t.Fatalf("expected no waitlisted fragments to unblock, got %d", len(unblocked))
	}
	latch.Wait()
	l.FinishRound()

	results := l.GetResults()
	if len(results) != 1 || len(results[0]) != 1 {
		t.Fatalf("expected one buffered result row, got %#v", results)
	}
}

func TestRound_MultiplePartitionsDecrementLatch(t *testing.T) {
	l := newTestLocal()
	l.InitRound(1)
	l.declareDependency(200, []int{0, 1})

	latch := l.StartRound()

	done := make(chan struct{})
	go func() {
		latch.Wait()
		close(done)
	}()

	l.AddResult(0, 200, wire.Table{wire.Row("a")})
	select {
	case <-done:
		t.Fatalf("latch fired after only one of two producers responded")
	default:
	}

	l.AddResult(1, 200, wire.Table{wire.Row("b")})
	<-done
	l.FinishRound()
}

func TestAddFragmentTask_BlocksOnMissingInput(t *testing.T) {
	l := newTestLocal()
	l.InitRound(1)
	l.declareDependency(300, []int{0})

	task := &wire.Fragment{InputDepIDs: []int32{300}}
	runnable := l.AddFragmentTask(task, nil)
	if runnable {
		t.Fatalf("expected task referencing an undeclared-result dependency to block")
	}

	unblocked := l.AddResult(0, 300, wire.Table{wire.Row("x")})
	if len(unblocked) != 1 || unblocked[0] != task {
		t.Fatalf("expected addResult to release the waitlisted task, got %#v", unblocked)
	}
	l.FinishRound()
}

func TestAddFragmentTask_RunnableWhenInputsAlreadyBuffered(t *testing.T) {
	l := newTestLocal()
	l.InitRound(1)
	l.declareDependency(400, []int{0})
	l.StartRound()
	l.AddResult(0, 400, wire.Table{wire.Row("y")})
	l.FinishRound()

	l.InitRound(2)
	task := &wire.Fragment{InputDepIDs: []int32{400}}
	if runnable := l.AddFragmentTask(task, nil); !runnable {
		t.Fatalf("expected task to be immediately runnable once its input is already buffered")
	}
	l.FinishRound()
}

func TestStartRound_RaceBetweenDeclareAndResponse(t *testing.T) {
	for i := 0; i < 50; i++ {
		l := newTestLocal()
		l.InitRound(storage.UndoToken(i + 1))
		l.declareDependency(500, []int{0, 1})

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.AddResult(0, 500, wire.Table{wire.Row("r")})
		}()

		latch := l.StartRound()
		wg.Wait()
		l.AddResult(1, 500, nil)
		latch.Wait()
		l.FinishRound()
	}
}

func TestIsDeletable_IgnoresWorkCallback(t *testing.T) {
	l := newTestLocal()

	pool := callback.NewWorkCallbackPool(4)
	l.WorkCB = pool.Acquire()
	l.WorkCB.Bind(l.TxnID, 0, pool, 1)

	if !l.IsDeletable() {
		t.Fatalf("expected transaction with no other callbacks and no round to be deletable despite an unfinished WorkCB")
	}
}

func TestIsDeletable_FalseWhileRoundInProgress(t *testing.T) {
	l := newTestLocal()
	l.InitRound(1)
	if l.IsDeletable() {
		t.Fatalf("expected transaction with an open round to be undeletable")
	}
	l.declareDependency(600, []int{0})
	l.StartRound()
	l.AddResult(0, 600, nil)
	l.FinishRound()
	if !l.IsDeletable() {
		t.Fatalf("expected transaction to become deletable once its round finishes")
	}
}

func TestIsDeletable_FalseUntilPrepareCallbackFinishes(t *testing.T) {
	l := newTestLocal()
	pool := callback.NewPrepareCallbackPool(4)
	l.PrepareCB = pool.Acquire()
	l.PrepareCB.Bind(l.TxnID, 0, pool, 2)

	if l.IsDeletable() {
		t.Fatalf("expected undeletable while PrepareCB awaits responses")
	}
	l.PrepareCB.OnParticipantResponse(true)
	if l.IsDeletable() {
		t.Fatalf("expected still undeletable after only one of two prepare responses")
	}
	l.PrepareCB.OnParticipantResponse(true)
	if !l.IsDeletable() {
		t.Fatalf("expected deletable once PrepareCB finishes")
	}
}

func TestPredictedSinglePartition(t *testing.T) {
	single := &LocalTransactionState{}
	single.Init(2, 0, 1, "Echo", nil, []int{0}, true, true, nil)
	if !single.IsPredictSinglePartition() {
		t.Fatalf("expected single-partition prediction for a one-partition set matching base")
	}

	multi := &LocalTransactionState{}
	multi.Init(3, 0, 1, "SumAcross", nil, []int{0, 1}, false, false, nil)
	if multi.IsPredictSinglePartition() {
		t.Fatalf("expected multi-partition prediction for a two-partition set")
	}
}
