package state

import "testing"

func TestAnalyzingIsRefCounted(t *testing.T) {
	tr := NewTracker()
	tr.Apply([]State{Analyzing}, nil)
	tr.Apply([]State{Analyzing}, nil)
	tr.Apply(nil, []State{Analyzing})
	if !tr.Active().Has(Analyzing) {
		t.Fatal("analyzing should still be active after one of two removals")
	}
	tr.Apply(nil, []State{Analyzing})
	if tr.Active().Has(Analyzing) {
		t.Fatal("analyzing should be inactive after matching removals")
	}
}

func TestSingleActivitiesDoNotStack(t *testing.T) {
	tr := NewTracker()
	tr.Apply([]State{Speaking}, nil)
	tr.Apply([]State{Speaking}, nil)
	tr.Apply(nil, []State{Speaking})
	if tr.Active().Has(Speaking) {
		t.Fatal("speaking should clear after a single removal")
	}
}

func TestRemoveBelowZeroIsIgnored(t *testing.T) {
	tr := NewTracker()
	tr.Apply(nil, []State{Analyzing})
	tr.Apply([]State{Analyzing}, nil)
	tr.Apply(nil, []State{Analyzing})
	if tr.Active().Has(Analyzing) {
		t.Fatal("analyzing count should not go negative")
	}
}

func TestNotifyOnlyOnSetChange(t *testing.T) {
	tr := NewTracker()
	var calls int
	unsub := tr.Subscribe(func(Set) { calls++ })
	defer unsub()

	tr.Apply([]State{Analyzing}, nil) // 0 -> 1: change
	tr.Apply([]State{Analyzing}, nil) // 1 -> 2: same set
	tr.Apply(nil, []State{Analyzing}) // 2 -> 1: same set
	tr.Apply(nil, []State{Analyzing}) // 1 -> 0: change
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestResetAlwaysNotifies(t *testing.T) {
	tr := NewTracker()
	var got []Set
	unsub := tr.Subscribe(func(s Set) { got = append(got, s) })
	defer unsub()

	tr.Reset()
	tr.Reset()
	if len(got) != 2 {
		t.Fatalf("notifications = %d, want 2", len(got))
	}
	for _, s := range got {
		if len(s.States()) != 0 {
			t.Fatalf("reset notified non-empty set %v", s.States())
		}
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	tr := NewTracker()
	var calls int
	unsub := tr.Subscribe(func(Set) { calls++ })
	tr.Apply([]State{Recording}, nil)
	unsub()
	unsub() // idempotent
	tr.Apply(nil, []State{Recording})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestApplyAddThenRemoveInOneTransition(t *testing.T) {
	tr := NewTracker()
	tr.Apply([]State{Recording}, nil)
	var seen Set
	unsub := tr.Subscribe(func(s Set) { seen = s })
	defer unsub()

	tr.Apply([]State{Analyzing}, []State{Recording})
	if !seen.Has(Analyzing) || seen.Has(Recording) {
		t.Fatalf("set = %v", seen.States())
	}
}
