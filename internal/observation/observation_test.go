package observation

import "testing"

func TestStats_RecordCallAccumulates(t *testing.T) {
	s := New()
	s.Init("run-1")

	s.RecordCall("run-1", false)
	s.RecordCall("run-1", true)
	s.RecordCall("run-1", false)

	total, errs := s.Snapshot("run-1")
	if total != 3 || errs != 1 {
		t.Fatalf("snapshot = (%d, %d), want (3, 1)", total, errs)
	}

	rate := s.ErrorRate("run-1")
	if rate < 0.333 || rate > 0.334 {
		t.Errorf("error rate = %v, want ~0.333", rate)
	}
}

func TestStats_RecordCallOnUnknownRunIsNoOp(t *testing.T) {
	s := New()
	s.RecordCall("ghost", true)
	if s.Has("ghost") {
		t.Fatal("recording a call for an unknown run must not create an entry")
	}
}

func TestStats_ErrorRateWithNoCallsIsZero(t *testing.T) {
	s := New()
	s.Init("run-2")
	if rate := s.ErrorRate("run-2"); rate != 0 {
		t.Errorf("error rate with no calls = %v, want 0", rate)
	}
}

func TestStats_RemoveDropsEntry(t *testing.T) {
	s := New()
	s.Init("run-3")
	s.Remove("run-3")
	if s.Has("run-3") {
		t.Fatal("expected entry to be removed")
	}
}

func TestStats_InitIsIdempotent(t *testing.T) {
	s := New()
	s.Init("run-4")
	s.RecordCall("run-4", true)
	s.Init("run-4")

	total, errs := s.Snapshot("run-4")
	if total != 1 || errs != 1 {
		t.Fatalf("re-Init must not reset existing counters, got (%d, %d)", total, errs)
	}
}
