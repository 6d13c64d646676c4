package txn

import "testing"

func TestDependencyInfo_SatisfyReportsCompletionOnce(t *testing.T) {
	di := newDependencyInfo(1, 10, []int{0, 1})
	if di.isSatisfied() {
		t.Fatalf("expected newly created dependency with producers to start unsatisfied")
	}

	if justCompleted := di.satisfy(0); justCompleted {
		t.Fatalf("expected one of two producers responding to not complete the dependency")
	}
	if justCompleted := di.satisfy(1); !justCompleted {
		t.Fatalf("expected the second producer responding to complete the dependency")
	}
	if !di.isSatisfied() {
		t.Fatalf("expected dependency to be satisfied after all producers responded")
	}
}

func TestDependencyInfo_SatisfyIgnoresUnknownOrRepeatProducer(t *testing.T) {
	di := newDependencyInfo(1, 11, []int{0})
	di.satisfy(0)
	if justCompleted := di.satisfy(0); justCompleted {
		t.Fatalf("expected a repeat response from the same producer to report no new completion")
	}
	if justCompleted := di.satisfy(5); justCompleted {
		t.Fatalf("expected a response from a non-producer partition to report no completion")
	}
}

func TestDependencyInfo_NoProducersIsImmediatelySatisfied(t *testing.T) {
	di := newDependencyInfo(1, 12, nil)
	if !di.isSatisfied() {
		t.Fatalf("expected a dependency declared with zero producers to start satisfied")
	}
}
