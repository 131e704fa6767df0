package session

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/finml-sage/agent-swarm-protocol/internal/clock"
	"github.com/finml-sage/agent-swarm-protocol/internal/logging"
)

var sessionStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testManager(t *testing.T) (*Manager, *clock.Fake, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.json")
	clk := clock.NewFake(sessionStart)
	m := NewManager(path, 30*time.Minute, clk, logging.New("error", "text"))
	return m, clk, path
}

func TestTryBeginSingleFlight(t *testing.T) {
	m, _, _ := testManager(t)

	started, _ := m.TryBegin("sess-1", "s1")
	if !started {
		t.Fatal("first TryBegin: started = false")
	}

	started, existing := m.TryBegin("sess-2", "s1")
	if started {
		t.Error("second TryBegin while active: started = true")
	}
	if existing == nil || existing.SessionID != "sess-1" {
		t.Errorf("existing = %+v, want sess-1", existing)
	}
}

func TestTryBeginConcurrent(t *testing.T) {
	m, _, _ := testManager(t)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]bool, callers)
	wg.Add(callers)
	for i := range callers {
		go func(i int) {
			defer wg.Done()
			results[i], _ = m.TryBegin("sess", "s1")
		}(i)
	}
	wg.Wait()

	startedCount := 0
	for _, ok := range results {
		if ok {
			startedCount++
		}
	}
	if startedCount != 1 {
		t.Errorf("started %d sessions from %d concurrent callers, want exactly 1", startedCount, callers)
	}
}

func TestSessionExpiry(t *testing.T) {
	m, clk, _ := testManager(t)

	if started, _ := m.TryBegin("sess-1", "s1"); !started {
		t.Fatal("TryBegin: started = false")
	}

	clk.Advance(29 * time.Minute)
	if started, _ := m.TryBegin("sess-2", "s1"); started {
		t.Error("TryBegin before timeout: started = true")
	}

	clk.Advance(2 * time.Minute)
	if m.Current() != nil {
		t.Error("session survived past timeout")
	}
	started, _ := m.TryBegin("sess-3", "s1")
	if !started {
		t.Error("TryBegin after expiry: started = false")
	}
}

func TestActivityRefreshesTimeout(t *testing.T) {
	m, clk, _ := testManager(t)

	if started, _ := m.TryBegin("sess-1", "s1"); !started {
		t.Fatal("TryBegin: started = false")
	}

	clk.Advance(25 * time.Minute)
	if err := m.UpdateActivity(3, "working through backlog"); err != nil {
		t.Fatalf("UpdateActivity: %v", err)
	}
	clk.Advance(25 * time.Minute)

	cur := m.Current()
	if cur == nil {
		t.Fatal("session expired despite recent activity")
	}
	if cur.MessagesProcessed != 3 || cur.ContextSummary != "working through backlog" {
		t.Errorf("session = %+v", cur)
	}
}

func TestPersistAcrossRestart(t *testing.T) {
	m, clk, path := testManager(t)
	if started, _ := m.TryBegin("sess-1", "s1"); !started {
		t.Fatal("TryBegin: started = false")
	}

	m2 := NewManager(path, 30*time.Minute, clk, logging.New("error", "text"))
	cur := m2.Current()
	if cur == nil || cur.SessionID != "sess-1" || cur.CurrentSwarm != "s1" {
		t.Errorf("restarted manager session = %+v, want sess-1", cur)
	}
}

func TestCorruptedFileDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	m := NewManager(path, 30*time.Minute, clock.NewFake(sessionStart), logging.New("error", "text"))
	if m.Current() != nil {
		t.Error("corrupted file produced a session")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("corrupted file not removed")
	}
}

func TestSuspendResume(t *testing.T) {
	m, _, _ := testManager(t)

	if err := m.Suspend("nothing running"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Suspend idle: err = %v, want ErrNoSession", err)
	}

	if started, _ := m.TryBegin("sess-1", "s1"); !started {
		t.Fatal("TryBegin: started = false")
	}
	if err := m.Suspend("waiting on review"); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if got := m.Current().State; got != StateSuspended {
		t.Errorf("state = %q, want suspended", got)
	}

	// A suspended session does not block a new invocation.
	started, _ := m.TryBegin("sess-2", "s2")
	if !started {
		t.Error("TryBegin over suspended session: started = false")
	}

	if err := m.Suspend("again"); err != nil {
		t.Fatalf("Suspend second session: %v", err)
	}
	if err := m.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := m.Current().State; got != StateActive {
		t.Errorf("state after resume = %q, want active", got)
	}
}

func TestEnd(t *testing.T) {
	m, _, path := testManager(t)
	if started, _ := m.TryBegin("sess-1", "s1"); !started {
		t.Fatal("TryBegin: started = false")
	}
	if err := m.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if m.Current() != nil {
		t.Error("session survived End")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("state file survived End")
	}
	// Ending again is fine.
	if err := m.End(); err != nil {
		t.Fatalf("End repeat: %v", err)
	}
}
