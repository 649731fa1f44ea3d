package staging

import "testing"

func TestPutTakeRoundTrip(t *testing.T) {
	m := NewMap[ConnectArgs]()
	if !m.Put(1, ConnectArgs{Fd: 4}) {
		t.Fatal("Put failed on empty map")
	}
	v, ok := m.Take(1)
	if !ok {
		t.Fatal("Take reported a miss for a key that was staged")
	}
	if v.Fd != 4 {
		t.Errorf("got Fd=%d, want 4", v.Fd)
	}
	if _, ok := m.Take(1); ok {
		t.Error("Take should have removed the entry the first time")
	}
}

func TestTakeMiss(t *testing.T) {
	m := NewMap[CloseArgs]()
	if _, ok := m.Take(999); ok {
		t.Error("expected a miss for an unstaged key")
	}
}

func TestMapFullRejectsNewKeys(t *testing.T) {
	m := &Map[int]{entries: make(map[uint64]int), limit: 2}
	if !m.Put(1, 1) || !m.Put(2, 2) {
		t.Fatal("expected the first two Puts to succeed")
	}
	if m.Put(3, 3) {
		t.Error("expected Put to fail once the map is at capacity")
	}
	// Updating an already-present key should still succeed even at
	// capacity, matching bpf_map_update_elem's behavior for an existing key.
	if !m.Put(1, 11) {
		t.Error("expected Put to succeed for an already-present key at capacity")
	}
	if got, _ := m.Take(1); got != 11 {
		t.Errorf("got %d, want 11", got)
	}
}

func TestLen(t *testing.T) {
	m := NewMap[int]()
	if m.Len() != 0 {
		t.Fatalf("expected empty map, got len %d", m.Len())
	}
	m.Put(1, 1)
	m.Put(2, 2)
	if m.Len() != 2 {
		t.Errorf("got len %d, want 2", m.Len())
	}
}
