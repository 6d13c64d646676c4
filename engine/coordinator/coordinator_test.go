package coordinator

import (
	"testing"

	"github.com/mantisdb/partitiondb/wire"
)

type fakeRoute struct {
	received     []wire.WorkItem
	inited       []uint64
	prepared     []uint64
	prepareVote  bool
	committed    []uint64
	aborted      []uint64
}

func (r *fakeRoute) Enqueue(item wire.WorkItem) {
	r.received = append(r.received, item)
}

func (r *fakeRoute) AdmitInit(txnID uint64, basePartition int) error {
	r.inited = append(r.inited, txnID)
	return nil
}

func (r *fakeRoute) Prepare(txnID uint64) (bool, error) {
	r.prepared = append(r.prepared, txnID)
	return r.prepareVote, nil
}

func (r *fakeRoute) FinishCommit(txnID uint64) {
	r.committed = append(r.committed, txnID)
}

func (r *fakeRoute) FinishAbort(txnID uint64) {
	r.aborted = append(r.aborted, txnID)
}

func TestDispatch_RoutesEachFragmentToItsPartition(t *testing.T) {
	c := New()
	r1, r2 := &fakeRoute{}, &fakeRoute{}
	c.AddRoute(1, r1)
	c.AddRoute(2, r2)

	req := wire.CoordinatorRequest{
		CoordTxnID: 42,
		Fragments: []wire.PartitionFragment{
			{PartitionID: 1, Work: &wire.Fragment{TxnID: 42, DestinationPartition: 1}},
			{PartitionID: 2, Work: &wire.Fragment{TxnID: 42, DestinationPartition: 2}},
		},
	}

	if err := c.Dispatch(req); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	if len(r1.received) != 1 || r1.received[0].Fragment.DestinationPartition != 1 {
		t.Fatalf("partition 1 route got %+v", r1.received)
	}
	if len(r2.received) != 1 || r2.received[0].Fragment.DestinationPartition != 2 {
		t.Fatalf("partition 2 route got %+v", r2.received)
	}
	if !r1.received[0].Fragment.ViaCoordinator {
		t.Fatalf("expected ViaCoordinator set on routed fragment")
	}
}

func TestDispatch_UnroutablePartitionReturnsError(t *testing.T) {
	c := New()
	req := wire.CoordinatorRequest{
		Fragments: []wire.PartitionFragment{
			{PartitionID: 7, Work: &wire.Fragment{}},
		},
	}

	err := c.Dispatch(req)
	if err == nil {
		t.Fatal("expected an error for an unroutable partition")
	}
	ue, ok := err.(*UnroutableError)
	if !ok {
		t.Fatalf("expected *UnroutableError, got %T", err)
	}
	if ue.PartitionID != 7 {
		t.Fatalf("PartitionID = %d, want 7", ue.PartitionID)
	}
}

func TestBroadcastInitThenPrepareAndFinish_RoundTripsThroughRegisteredRoutes(t *testing.T) {
	c := New()
	r1, r2 := &fakeRoute{prepareVote: true}, &fakeRoute{prepareVote: true}
	c.AddRoute(1, r1)
	c.AddRoute(2, r2)

	if err := c.BroadcastInit(42, 0, []int{0, 1, 2}); err != nil {
		t.Fatalf("BroadcastInit returned error: %v", err)
	}
	if len(r1.inited) != 1 || len(r2.inited) != 1 {
		t.Fatalf("expected AdmitInit on both non-base routes, got r1=%v r2=%v", r1.inited, r2.inited)
	}

	votes, err := c.Prepare(42)
	if err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}
	if !votes[1] || !votes[2] {
		t.Fatalf("votes = %+v, want both true", votes)
	}

	if err := c.Finish(42, true); err != nil {
		t.Fatalf("Finish returned error: %v", err)
	}
	if len(r1.committed) != 1 || len(r2.committed) != 1 {
		t.Fatalf("expected FinishCommit on both routes, got r1=%v r2=%v", r1.committed, r2.committed)
	}

	if votes, err := c.Prepare(42); err != nil || len(votes) != 0 {
		t.Fatalf("expected Finish to forget participants, got votes=%+v err=%v", votes, err)
	}
}

func TestPrepare_OnePartitionVotesNo(t *testing.T) {
	c := New()
	r1, r2 := &fakeRoute{prepareVote: true}, &fakeRoute{prepareVote: false}
	c.AddRoute(1, r1)
	c.AddRoute(2, r2)

	if err := c.BroadcastInit(7, 0, []int{0, 1, 2}); err != nil {
		t.Fatalf("BroadcastInit returned error: %v", err)
	}
	votes, err := c.Prepare(7)
	if err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}
	if votes[1] != true || votes[2] != false {
		t.Fatalf("votes = %+v, want {1:true 2:false}", votes)
	}

	if err := c.Finish(7, false); err != nil {
		t.Fatalf("Finish returned error: %v", err)
	}
	if len(r1.aborted) != 1 || len(r2.aborted) != 1 {
		t.Fatalf("expected FinishAbort on both routes, got r1=%v r2=%v", r1.aborted, r2.aborted)
	}
}
