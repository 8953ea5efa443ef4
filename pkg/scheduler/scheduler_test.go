package scheduler

import (
	"testing"

	"github.com/otterlabs/mwemu-go/pkg/handles"
	"github.com/otterlabs/mwemu-go/pkg/thread"
)

func TestRoundRobinCyclesThroughRunnableThreads(t *testing.T) {
	s := New()
	t1 := thread.New(1)
	t2 := thread.New(2)
	s.AddThread(t1)
	s.AddThread(t2)

	first, ok := s.Next()
	if !ok || first.ID != 1 {
		t.Fatalf("first Next() = %v (ok=%v), want thread 1", first, ok)
	}
	second, ok := s.Next()
	if !ok || second.ID != 2 {
		t.Fatalf("second Next() = %v (ok=%v), want thread 2", second, ok)
	}
	third, ok := s.Next()
	if !ok || third.ID != 1 {
		t.Fatalf("third Next() = %v (ok=%v), want thread 1 again", third, ok)
	}
}

func TestSchedulerFastForwardsPastSleepingThreads(t *testing.T) {
	s := New()
	t1 := thread.New(1)
	t1.SleepUntil(100)
	s.AddThread(t1)

	if s.Tick() != 0 {
		t.Fatalf("Tick() = %d, want 0 before Next", s.Tick())
	}
	got, ok := s.Next()
	if !ok || got.ID != 1 {
		t.Fatal("Next() must fast-forward the tick and return the now-runnable thread")
	}
	if s.Tick() != 100 {
		t.Fatalf("Tick() = %d after fast-forward, want 100", s.Tick())
	}
}

func TestSchedulerProgressInvariantNoRunnableAndNoSleeperReportsFalse(t *testing.T) {
	s := New()
	t1 := thread.New(1)
	t1.Block(42)
	s.AddThread(t1)

	if _, ok := s.Next(); ok {
		t.Fatal("a scheduler with only a blocked (non-sleeping) thread must report no runnable thread, not spin forever")
	}
}

// TestCriticalSectionContentionHandoff mirrors spec scenario 5: two
// threads contend for one critical section; the second blocks, and after
// the first leaves, the second is handed ownership and becomes runnable
// again without racing a third arrival.
func TestCriticalSectionContentionHandoff(t *testing.T) {
	s := New()
	t1 := thread.New(1)
	t2 := thread.New(2)
	s.AddThread(t1)
	s.AddThread(t2)

	cs := handles.NewCriticalSection()
	if !s.EnterCriticalSection(t1, cs, 0x10) {
		t.Fatal("thread 1 must acquire the uncontended section immediately")
	}
	if s.EnterCriticalSection(t2, cs, 0x10) {
		t.Fatal("thread 2 must not acquire a section held by thread 1")
	}
	if t2.Runnable {
		t.Fatal("thread 2 must be blocked while contending")
	}

	if err := s.LeaveCriticalSection(t1, cs); err != nil {
		t.Fatalf("LeaveCriticalSection failed: %v", err)
	}

	// Next() must observe the hand-off. Thread 1 is still runnable and
	// first in round-robin order, so thread 2 comes up on the second call.
	got, ok := s.Next()
	if !ok || got.ID != 1 {
		t.Fatalf("first Next() = %v (ok=%v), want thread 1", got, ok)
	}
	if !t2.Runnable {
		t.Fatal("thread 2 must be runnable once Next() has observed the hand-off")
	}
	got, ok = s.Next()
	if !ok {
		t.Fatal("Next() must find thread 2 runnable after hand-off")
	}
	if got.ID != 2 {
		t.Fatalf("Next() = thread %d, want thread 2", got.ID)
	}
	if owner, held := cs.Owner(); !held || owner != 2 {
		t.Fatalf("critical section owner = (%d, %v), want (2, true)", owner, held)
	}
}
