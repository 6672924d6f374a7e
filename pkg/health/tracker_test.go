package health

import "testing"

func TestUnhealthyAfterThreshold(t *testing.T) {
	tr := NewTracker(5, "re-pair the device")
	for i := 0; i < 4; i++ {
		if changed := tr.RecordFailure(); changed {
			t.Fatalf("state changed after %d failures", i+1)
		}
	}
	if st, _ := tr.State(); st != Healthy {
		t.Fatalf("state = %v before threshold", st)
	}
	if changed := tr.RecordFailure(); !changed {
		t.Fatalf("no transition on 5th consecutive failure")
	}
	st, hint := tr.State()
	if st != Unhealthy || hint != "re-pair the device" {
		t.Fatalf("state = %v, hint = %q", st, hint)
	}
	// Further failures keep the state; no duplicate transition.
	if changed := tr.RecordFailure(); changed {
		t.Fatalf("duplicate transition reported")
	}
}

func TestSuccessResetsCounterAndState(t *testing.T) {
	tr := NewTracker(0, "") // default threshold
	for i := 0; i < DefaultThreshold; i++ {
		tr.RecordFailure()
	}
	if st, _ := tr.State(); st != Unhealthy {
		t.Fatalf("state = %v", st)
	}
	if changed := tr.RecordSuccess(); !changed {
		t.Fatalf("no transition back to healthy")
	}
	if tr.Failures() != 0 {
		t.Fatalf("failures = %d after success", tr.Failures())
	}
	// Counter must restart from zero, not continue.
	for i := 0; i < DefaultThreshold-1; i++ {
		if tr.RecordFailure() {
			t.Fatalf("premature transition at failure %d", i+1)
		}
	}
}

func TestSuccessWhileHealthyIsQuiet(t *testing.T) {
	tr := NewTracker(3, "")
	if tr.RecordSuccess() {
		t.Fatalf("success on healthy tracker reported a transition")
	}
	tr.RecordFailure()
	tr.RecordFailure()
	if tr.RecordSuccess() {
		t.Fatalf("success below threshold reported a transition")
	}
	if tr.Failures() != 0 {
		t.Fatalf("failures = %d", tr.Failures())
	}
}
