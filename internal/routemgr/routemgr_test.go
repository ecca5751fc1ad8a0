package routemgr

import (
	"errors"
	"testing"
	"time"
)

type fakeAdapter struct {
	addCalls    [][]string
	removeCalls [][]string
	addErr      error
	removeErr   error
}

func (f *fakeAdapter) AddAllowedIps(ips []string) error {
	f.addCalls = append(f.addCalls, append([]string{}, ips...))
	if f.addErr != nil {
		return f.addErr
	}
	return nil
}

func (f *fakeAdapter) RemoveAllowedIps(ips []string) error {
	f.removeCalls = append(f.removeCalls, append([]string{}, ips...))
	if f.removeErr != nil {
		return f.removeErr
	}
	return nil
}

type fakeConflicts struct {
	conflicting map[string]bool
}

func (f *fakeConflicts) HasConflict(ip string) bool { return f.conflicting[ip] }

func TestInjectIsIdempotent(t *testing.T) {
	adapter := &fakeAdapter{}
	m := New(adapter, &fakeConflicts{conflicting: map[string]bool{}})

	if err := m.Inject("example.com", []string{"93.184.216.34"}, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Inject("example.com", []string{"93.184.216.34"}, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	routes := m.GetRoutes()
	if len(routes) != 1 {
		t.Fatalf("expected a single tracked entry, got %d", len(routes))
	}
	if len(adapter.addCalls) != 1 {
		t.Fatalf("expected the VPN to see exactly one add, got %d", len(adapter.addCalls))
	}
}

func TestInjectSkipsConflictingIP(t *testing.T) {
	events := make(chan Event, 4)
	adapter := &fakeAdapter{}
	m := New(adapter, &fakeConflicts{conflicting: map[string]bool{"198.51.100.7": true}}, WithEvents(events))

	if err := m.Inject("a.test", []string{"198.51.100.7"}, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.GetRoutes()) != 0 {
		t.Fatal("expected conflicting ip to be skipped")
	}
	select {
	case ev := <-events:
		skip, ok := ev.(RouteSkipped)
		if !ok || skip.Reason != SkipConflict {
			t.Fatalf("expected RouteSkipped{conflict}, got %#v", ev)
		}
	default:
		t.Fatal("expected a RouteSkipped event")
	}
}

func TestInjectRollsBackOnAdapterFailure(t *testing.T) {
	adapter := &fakeAdapter{addErr: errors.New("wg set failed")}
	m := New(adapter, &fakeConflicts{conflicting: map[string]bool{}})

	err := m.Inject("example.com", []string{"93.184.216.34"}, time.Minute)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(m.GetRoutes()) != 0 {
		t.Fatal("expected provisional insert to be rolled back")
	}
}

func TestInjectDoesNotTrackOriginalAllowedIP(t *testing.T) {
	adapter := &fakeAdapter{}
	m := New(adapter, &fakeConflicts{conflicting: map[string]bool{}})
	if err := m.Start([]string{"10.0.0.5/32"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	if err := m.Inject("example.com", []string{"10.0.0.5"}, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.GetRoutes()) != 0 {
		t.Fatal("expected original allowed-ip to never be tracked")
	}
}

func TestCleanupExpiredRemovesLapsedRoutes(t *testing.T) {
	adapter := &fakeAdapter{}
	now := time.Now()
	m := New(adapter, &fakeConflicts{conflicting: map[string]bool{}})
	m.now = func() time.Time { return now }

	if err := m.Inject("example.com", []string{"93.184.216.34"}, time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	now = now.Add(2 * time.Second)
	m.CleanupExpired()

	if len(m.GetRoutes()) != 0 {
		t.Fatal("expected expired route to be removed")
	}
	if len(adapter.removeCalls) != 1 {
		t.Fatalf("expected exactly one remove call, got %d", len(adapter.removeCalls))
	}
}

func TestCleanupExpiredReportsAdapterFailure(t *testing.T) {
	events := make(chan Event, 4)
	adapter := &fakeAdapter{removeErr: errors.New("wg set failed")}
	now := time.Now()
	m := New(adapter, &fakeConflicts{conflicting: map[string]bool{}}, WithEvents(events))
	m.now = func() time.Time { return now }

	if err := m.Inject("example.com", []string{"93.184.216.34"}, time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-events // drain the RoutesInjected event from Inject

	now = now.Add(2 * time.Second)
	m.CleanupExpired()

	if len(m.GetRoutes()) != 1 {
		t.Fatal("expected the route to remain tracked for retry on the next tick")
	}
	select {
	case ev := <-events:
		failed, ok := ev.(RouteCleanupFailed)
		if !ok {
			t.Fatalf("expected RouteCleanupFailed, got %#v", ev)
		}
		if failed.Err == nil {
			t.Fatal("expected a non-nil error on RouteCleanupFailed")
		}
		if len(failed.IPs) != 1 || failed.IPs[0] != "93.184.216.34/32" {
			t.Fatalf("unexpected failed IPs: %v", failed.IPs)
		}
	default:
		t.Fatal("expected a RouteCleanupFailed event to be emitted")
	}
}

func TestStopRemovesAllTrackedRoutes(t *testing.T) {
	adapter := &fakeAdapter{}
	m := New(adapter, &fakeConflicts{conflicting: map[string]bool{}}, WithCleanupInterval(time.Hour))
	if err := m.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Inject("example.com", []string{"93.184.216.34"}, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.GetRoutes()) != 0 {
		t.Fatal("expected all tracked routes to be cleared on stop")
	}
}
