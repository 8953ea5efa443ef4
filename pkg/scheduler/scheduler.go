// Package scheduler implements cooperative round-robin scheduling over a
// process's threads: Sleep/WaitForSingleObject-style blocking, critical
// section contention hand-off, and tick fast-forwarding when nothing is
// immediately runnable.
package scheduler

import (
	"sync/atomic"

	"github.com/otterlabs/mwemu-go/pkg/handles"
	"github.com/otterlabs/mwemu-go/pkg/thread"
)

// Scheduler owns the process's tick counter and round-robins over a set
// of thread contexts, advancing to whichever thread is next runnable.
type Scheduler struct {
	running atomic.Bool

	threads []*thread.Context
	cursor  int
	tick    uint64

	waiting map[uint64]<-chan struct{}
}

// New returns a scheduler with no threads registered.
func New() *Scheduler {
	s := &Scheduler{waiting: make(map[uint64]<-chan struct{})}
	s.running.Store(true)
	return s
}

// AddThread registers t with the scheduler.
func (s *Scheduler) AddThread(t *thread.Context) { s.threads = append(s.threads, t) }

// Tick returns the current tick count.
func (s *Scheduler) Tick() uint64 { return s.tick }

// Stop marks the scheduler non-running; Next then always reports no
// runnable thread.
func (s *Scheduler) Stop() { s.running.Store(false) }

// wakeSleepers promotes any thread whose WakeTick has arrived back to
// runnable, matching Sleep()'s contract.
func (s *Scheduler) wakeSleepers() {
	for _, t := range s.threads {
		if !t.Runnable && !t.HasBlocker && t.WakeTick != 0 && t.WakeTick <= s.tick {
			t.Wake()
		}
	}
}

// Next returns the next runnable thread in round-robin order. If no
// thread is currently runnable but at least one is merely sleeping (not
// blocked on a handle), the tick counter fast-forwards to the earliest
// WakeTick so the run never stalls on an idle wait.
func (s *Scheduler) Next() (*thread.Context, bool) {
	if !s.running.Load() || len(s.threads) == 0 {
		return nil, false
	}

	s.wakeSleepers()
	s.wakeHandoffs()
	if t, ok := s.pickRunnable(); ok {
		return t, true
	}

	if next, ok := s.earliestWakeTick(); ok {
		s.tick = next
		s.wakeSleepers()
		if t, ok := s.pickRunnable(); ok {
			return t, true
		}
	}

	return nil, false
}

func (s *Scheduler) pickRunnable() (*thread.Context, bool) {
	n := len(s.threads)
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		if s.threads[idx].Runnable {
			s.cursor = (idx + 1) % n
			return s.threads[idx], true
		}
	}
	return nil, false
}

func (s *Scheduler) earliestWakeTick() (uint64, bool) {
	found := false
	var min uint64
	for _, t := range s.threads {
		if t.Runnable || t.HasBlocker || t.WakeTick == 0 {
			continue
		}
		if !found || t.WakeTick < min {
			min = t.WakeTick
			found = true
		}
	}
	return min, found
}

// AdvanceTick moves the tick counter forward by n, the unit every
// instruction executed and every Sleep()/syscall-loop iteration consumes.
func (s *Scheduler) AdvanceTick(n uint64) { s.tick += n }

// EnterCriticalSection attempts to acquire cs for t, blocking t on cs's
// handle id if contended. Returns true if t acquired the section
// immediately. A contended thread's wait channel is polled (never
// blocked on) from Next, so hand-off is observed on the scheduler's own
// goroutine instead of racing a spawned waiter against the run loop.
func (s *Scheduler) EnterCriticalSection(t *thread.Context, cs *handles.CriticalSection, handleID uint64) bool {
	wait, owned := cs.Enter(t.ID)
	if owned {
		return true
	}
	t.Block(handleID)
	s.waiting[t.ID] = wait
	return false
}

// wakeHandoffs promotes any thread whose critical-section hand-off
// channel has fired back to runnable.
func (s *Scheduler) wakeHandoffs() {
	for id, wait := range s.waiting {
		select {
		case <-wait:
			for _, t := range s.threads {
				if t.ID == id {
					t.Wake()
				}
			}
			delete(s.waiting, id)
		default:
		}
	}
}

// LeaveCriticalSection releases cs on behalf of t.
func (s *Scheduler) LeaveCriticalSection(t *thread.Context, cs *handles.CriticalSection) error {
	return cs.Leave(t.ID)
}
