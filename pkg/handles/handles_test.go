package handles

import "testing"

func TestCreateLookupClose(t *testing.T) {
	tbl := New()
	id, uri := tbl.Create(KindFile, "C:/a.txt")
	if uri != "file://C:/a.txt" {
		t.Fatalf("uri = %q, want file://C:/a.txt", uri)
	}
	got, ok := tbl.Lookup(id)
	if !ok || got != uri {
		t.Fatalf("Lookup(%d) = (%q, %v), want (%q, true)", id, got, ok, uri)
	}
	if existed := tbl.Close(id); !existed {
		t.Fatal("Close of a live handle must report existed=true")
	}
}

func TestCloseIsAlwaysTolerant(t *testing.T) {
	tbl := New()
	if existed := tbl.Close(99999); existed {
		t.Fatal("Close of an unknown handle must report existed=false, not panic or error")
	}
	id, _ := tbl.Create(KindMutex, "m1")
	tbl.Close(id)
	if existed := tbl.Close(id); existed {
		t.Fatal("double Close must report existed=false on the second call")
	}
}

func TestHandleIDsAreMonotonic(t *testing.T) {
	tbl := New()
	id1, _ := tbl.Create(KindPID, "1")
	id2, _ := tbl.Create(KindPID, "2")
	if id2 <= id1 {
		t.Fatalf("handle ids must be monotonically increasing: %d then %d", id1, id2)
	}
}

func TestCriticalSectionRecursiveEntrySameThread(t *testing.T) {
	cs := NewCriticalSection()
	if !cs.TryEnter(1) {
		t.Fatal("first TryEnter must succeed")
	}
	if !cs.TryEnter(1) {
		t.Fatal("recursive TryEnter by the owning thread must succeed")
	}
	if err := cs.Leave(1); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if owner, held := cs.Owner(); !held || owner != 1 {
		t.Fatal("section must still be held after releasing one recursion level")
	}
	if err := cs.Leave(1); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if _, held := cs.Owner(); held {
		t.Fatal("section must be released after matching Leave calls")
	}
}

func TestCriticalSectionContentionBlocksOtherThread(t *testing.T) {
	cs := NewCriticalSection()
	if !cs.TryEnter(1) {
		t.Fatal("thread 1 must acquire the uncontended section")
	}
	if cs.TryEnter(2) {
		t.Fatal("thread 2 must not acquire a section held by thread 1")
	}

	wait, owned := cs.Enter(2)
	if owned {
		t.Fatal("thread 2 must not immediately own a contended section")
	}
	if cs.WaiterCount() != 1 {
		t.Fatalf("WaiterCount() = %d, want 1", cs.WaiterCount())
	}

	select {
	case <-wait:
		t.Fatal("thread 2's wait channel must not be ready before thread 1 leaves")
	default:
	}

	if err := cs.Leave(1); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	select {
	case <-wait:
	default:
		t.Fatal("thread 2's wait channel must be ready immediately after hand-off")
	}
	if owner, held := cs.Owner(); !held || owner != 2 {
		t.Fatalf("Owner() = (%d, %v), want (2, true) after hand-off", owner, held)
	}
}

func TestLeaveByNonOwnerFails(t *testing.T) {
	cs := NewCriticalSection()
	cs.TryEnter(1)
	if err := cs.Leave(2); err == nil {
		t.Fatal("Leave by a non-owning thread must return an error")
	}
}
