package callback

import "testing"

func TestSlot_ArmFireFinish(t *testing.T) {
	var s Slot
	s.Arm(2)
	if s.State() != StateArmed {
		t.Fatalf("expected armed, got %v", s.State())
	}

	if finished := s.OnResponse(); finished {
		t.Fatalf("expected not finished after first of two responses")
	}
	if s.State() != StateFired {
		t.Fatalf("expected fired after first response, got %v", s.State())
	}

	if finished := s.OnResponse(); !finished {
		t.Fatalf("expected finished after second response")
	}
	if s.State() != StateFinished {
		t.Fatalf("expected finished, got %v", s.State())
	}
}

func TestSlot_ArmZeroFinishesImmediately(t *testing.T) {
	var s Slot
	s.Arm(0)
	if !s.IsFinished() {
		t.Fatalf("expected arming with 0 expected responses to finish immediately")
	}
}

func TestSlot_AbortForcesFinished(t *testing.T) {
	var s Slot
	s.Arm(5)
	s.Abort()
	if !s.IsFinished() {
		t.Fatalf("expected abort to force finished state")
	}
}

func TestWorkCallback_PoolRoundTrip(t *testing.T) {
	p := NewWorkCallbackPool(4)

	c := p.Acquire()
	c.Bind(100, 0, p, 2)

	if c.OnFragmentResponse() {
		t.Fatalf("expected not finished after first response")
	}
	if !c.OnFragmentResponse() {
		t.Fatalf("expected finished after second response")
	}

	c2 := p.Acquire()
	if c2 != c {
		t.Fatalf("expected pooled callback reused by identity after finishing")
	}
	if c2.State() != StateIdle {
		t.Fatalf("expected reused callback to be idle, got %v", c2.State())
	}
}

func TestPrepareCallback_AnyFailureLatches(t *testing.T) {
	p := NewPrepareCallbackPool(4)
	c := p.Acquire()
	c.Bind(1, 0, p, 3)

	c.OnParticipantResponse(true)
	c.OnParticipantResponse(false)
	finished := c.OnParticipantResponse(true)

	if !finished {
		t.Fatalf("expected finished after third response")
	}
	// Failed was latched on the instance before it returned to the pool;
	// Acquire on reuse must clear it via the pool's resetFn.
	c2 := p.Acquire()
	if c2.Failed {
		t.Fatalf("expected Failed to be cleared on reuse")
	}
}
