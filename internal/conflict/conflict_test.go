package conflict

import (
	"testing"
	"time"
)

func TestRecordCreatesConflictWhenBothSidesPresent(t *testing.T) {
	events := make(chan Event, 8)
	d := New(WithEvents(events))

	d.Record("a.test", "198.51.100.7", true)
	if d.HasConflict("198.51.100.7") {
		t.Fatal("single-sided mapping should not conflict")
	}

	d.Record("b.test", "198.51.100.7", false)
	if !d.HasConflict("198.51.100.7") {
		t.Fatal("expected conflict once both sides are present")
	}

	select {
	case ev := <-events:
		if _, ok := ev.(Detected); !ok {
			t.Fatalf("expected Detected event, got %#v", ev)
		}
	default:
		t.Fatal("expected a Detected event to be emitted")
	}
}

func TestConflictSymmetry(t *testing.T) {
	d1 := New()
	d1.Record("a.test", "198.51.100.7", true)
	d1.Record("b.test", "198.51.100.7", false)

	d2 := New()
	d2.Record("b.test", "198.51.100.7", false)
	d2.Record("a.test", "198.51.100.7", true)

	c1 := d1.GetConflicts()
	c2 := d2.GetConflicts()
	if len(c1) != 1 || len(c2) != 1 {
		t.Fatalf("expected one conflict each, got %d and %d", len(c1), len(c2))
	}
	if c1[0].IP != c2[0].IP {
		t.Fatalf("expected same conflicting ip, got %q and %q", c1[0].IP, c2[0].IP)
	}
}

func TestConflictResolvedWhenOneSideGoesStale(t *testing.T) {
	events := make(chan Event, 8)
	now := time.Now()
	d := New(WithEvents(events), WithTTL(time.Minute))
	d.now = func() time.Time { return now }

	d.Record("a.test", "198.51.100.7", true)
	d.Record("b.test", "198.51.100.7", false)
	if !d.HasConflict("198.51.100.7") {
		t.Fatal("expected conflict")
	}
	drainEvents(events)

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	if d.HasConflict("198.51.100.7") {
		t.Fatal("expected conflict to resolve once mappings go stale")
	}

	select {
	case ev := <-events:
		if _, ok := ev.(Resolved); !ok {
			t.Fatalf("expected Resolved event, got %#v", ev)
		}
	default:
		t.Fatal("expected a Resolved event")
	}
}

func TestRecordBatchDeduplicatesDomainsPerSide(t *testing.T) {
	d := New()
	d.RecordBatch("a.test", []string{"10.0.0.1", "10.0.0.1"}, true)
	d.RecordBatch("b.test", []string{"10.0.0.1"}, false)

	conflicts := d.GetConflicts()
	if len(conflicts) != 1 {
		t.Fatalf("expected one conflict, got %d", len(conflicts))
	}
	if len(conflicts[0].TunnelDomains) != 1 || len(conflicts[0].DirectDomains) != 1 {
		t.Fatalf("expected deduplicated domain lists, got %+v", conflicts[0])
	}
}

func TestRemoveDomainClearsItsMappings(t *testing.T) {
	d := New()
	d.Record("a.test", "10.0.0.1", true)
	d.Record("b.test", "10.0.0.1", false)
	d.RemoveDomain("b.test")

	if d.HasConflict("10.0.0.1") {
		t.Fatal("removing one side should resolve the conflict")
	}
	if stats := d.Stats(); stats.Domains != 1 {
		t.Fatalf("expected one surviving domain, got %d", stats.Domains)
	}
}

func TestClearRemovesEverything(t *testing.T) {
	d := New()
	d.Record("a.test", "10.0.0.1", true)
	d.Record("b.test", "10.0.0.1", false)
	d.Clear()

	if d.HasConflict("10.0.0.1") {
		t.Fatal("expected no conflicts after Clear")
	}
	stats := d.Stats()
	if stats.Mappings != 0 || stats.Domains != 0 || stats.Conflicts != 0 {
		t.Fatalf("expected zeroed stats, got %+v", stats)
	}
}

func TestRecordDropsMalformedIP(t *testing.T) {
	d := New()
	d.Record("a.test", "not-an-ip", true)

	stats := d.Stats()
	if stats.Mappings != 0 || stats.Domains != 0 {
		t.Fatalf("expected a malformed IP to be dropped, got %+v", stats)
	}
}

func TestRecordBatchDropsOnlyMalformedEntries(t *testing.T) {
	events := make(chan Event, 8)
	d := New(WithEvents(events))

	d.RecordBatch("a.test", []string{"198.51.100.9", "garbage", ""}, true)
	d.RecordBatch("b.test", []string{"198.51.100.9"}, false)

	if !d.HasConflict("198.51.100.9") {
		t.Fatal("expected the valid address to still produce a conflict")
	}
	if d.HasConflict("garbage") {
		t.Fatal("malformed address must never be admitted to the conflict table")
	}
}

func drainEvents(ch chan Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
