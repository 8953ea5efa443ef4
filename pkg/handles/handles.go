// Package handles implements the monotonic handle table (the analogue of
// a Win32 HANDLE space) and the critical-section primitives threads
// contend over. A sync.RWMutex protects the table, the same pattern
// pkg/maps and the teacher's memory bus use to guard shared state.
package handles

import (
	"fmt"
	"sort"
	"sync"
)

// Kind distinguishes the URI-like descriptor schemes a handle can name.
type Kind string

const (
	KindFile    Kind = "file"
	KindPID     Kind = "pid"
	KindMutex   Kind = "mutex"
	KindThread  Kind = "tid"
	KindHeap    Kind = "heap"
	KindEvent   Kind = "event"
	KindSection Kind = "section"
)

// Table is the process-wide handle table: a monotonically increasing
// 64-bit id mapped to a URI-like descriptor string such as "file://C:/a.txt"
// or "tid://7".
type Table struct {
	mutex   sync.RWMutex
	entries map[uint64]string
	next    uint64
}

// New returns an empty handle table. Handle ids start at 4, leaving 0-3
// free for the reserved pseudo-handles (e.g. the current-process and
// current-thread pseudo-handles a loader may want to special-case).
func New() *Table {
	return &Table{entries: make(map[uint64]string), next: 4}
}

// Create allocates a new handle for the given kind and descriptor body
// (e.g. Create(KindFile, "C:/a.txt")), returning the backing URI and id.
func (t *Table) Create(kind Kind, body string) (id uint64, uri string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	id = t.next
	t.next++
	uri = fmt.Sprintf("%s://%s", kind, body)
	t.entries[id] = uri
	return id, uri
}

// Lookup returns the descriptor URI for a handle, and whether it exists.
func (t *Table) Lookup(id uint64) (string, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	uri, ok := t.entries[id]
	return uri, ok
}

// Close removes a handle. CloseHandle is always tolerant of an unknown or
// already-closed id: it reports whether the handle existed, but never
// returns an error, resolving the Open Question in favor of matching the
// real API's observed behavior (a double CloseHandle is a bug in the
// guest, not something the host should fault on).
func (t *Table) Close(id uint64) (existed bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	_, existed = t.entries[id]
	delete(t.entries, id)
	return existed
}

// Exists reports whether id currently names a live handle.
func (t *Table) Exists(id uint64) bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	_, ok := t.entries[id]
	return ok
}

// Snapshot returns every live id in ascending order, for diagnostics.
func (t *Table) Snapshot() []uint64 {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	ids := make([]uint64, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CriticalSection is a recursive lock with an ordered FIFO waiter queue,
// matching EnterCriticalSection/LeaveCriticalSection hand-off semantics:
// the next waiter in line acquires ownership directly rather than racing
// newcomers for it.
type CriticalSection struct {
	mutex     sync.Mutex
	owner     uint64
	held      bool
	recursion int
	waiters   []chan struct{}
	waiterIDs []uint64
}

// NewCriticalSection returns an unowned critical section.
func NewCriticalSection() *CriticalSection { return &CriticalSection{} }

// TryEnter attempts to acquire the section for threadID without blocking,
// reporting success. A thread that already owns the section always
// succeeds and increments its recursion count.
func (cs *CriticalSection) TryEnter(threadID uint64) bool {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	if !cs.held {
		cs.held = true
		cs.owner = threadID
		cs.recursion = 1
		return true
	}
	if cs.owner == threadID {
		cs.recursion++
		return true
	}
	return false
}

// Enter acquires the section for threadID, blocking (via a per-waiter
// channel) if another thread owns it. The returned done channel is
// provided for schedulers that want to block a cooperative thread rather
// than a goroutine; callers that want to block the calling goroutine can
// simply receive from it.
func (cs *CriticalSection) Enter(threadID uint64) (wait <-chan struct{}, alreadyOwned bool) {
	cs.mutex.Lock()
	if !cs.held {
		cs.held = true
		cs.owner = threadID
		cs.recursion = 1
		cs.mutex.Unlock()
		closed := make(chan struct{})
		close(closed)
		return closed, true
	}
	if cs.owner == threadID {
		cs.recursion++
		cs.mutex.Unlock()
		closed := make(chan struct{})
		close(closed)
		return closed, true
	}
	ch := make(chan struct{})
	cs.waiters = append(cs.waiters, ch)
	cs.waiterIDs = append(cs.waiterIDs, threadID)
	cs.mutex.Unlock()
	return ch, false
}

// Leave releases one level of ownership. When the recursion count reaches
// zero, ownership hands off directly to the oldest queued waiter (FIFO),
// matching the architecture's documented fairness — a newly arriving
// thread cannot jump the queue ahead of one already waiting.
func (cs *CriticalSection) Leave(threadID uint64) error {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	if !cs.held || cs.owner != threadID {
		return fmt.Errorf("handles: thread %d is not the owner of this critical section", threadID)
	}
	cs.recursion--
	if cs.recursion > 0 {
		return nil
	}
	if len(cs.waiters) == 0 {
		cs.held = false
		cs.owner = 0
		return nil
	}
	next := cs.waiters[0]
	cs.waiters = cs.waiters[1:]
	cs.owner = cs.waiterIDs[0]
	cs.waiterIDs = cs.waiterIDs[1:]
	cs.recursion = 1
	close(next)
	return nil
}

// Owner reports the current owning thread id and whether the section is held.
func (cs *CriticalSection) Owner() (threadID uint64, held bool) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	return cs.owner, cs.held
}

// WaiterCount reports how many threads are queued behind the current owner.
func (cs *CriticalSection) WaiterCount() int {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	return len(cs.waiters)
}
