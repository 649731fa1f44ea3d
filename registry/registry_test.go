package registry

import (
	"testing"

	"github.com/m-lab/socket-tracer/types"
)

func testConnId(tgid uint32, fd int32, tsid uint64) types.ConnId {
	return types.ConnId{Upid: types.Uid{TGID: tgid}, Fd: fd, Tsid: tsid}
}

func TestOpenLookupRoundTrip(t *testing.T) {
	r := New()
	id := testConnId(1, 4, 100)
	if _, err := r.Open(id); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	info, err := r.Lookup(id)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if info.ID != id {
		t.Errorf("got ID %v, want %v", info.ID, id)
	}
}

func TestLookupMiss(t *testing.T) {
	r := New()
	if _, err := r.Lookup(testConnId(1, 4, 100)); err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestLookupStaleTsid(t *testing.T) {
	r := New()
	id := testConnId(1, 4, 100)
	r.Open(id)
	r.Close(id)
	r.Reap(id)
	newer := testConnId(1, 4, 200)
	r.Open(newer)
	if _, err := r.Lookup(id); err != ErrStaleTsid {
		t.Errorf("got %v, want ErrStaleTsid", err)
	}
}

func TestReopenWithoutCloseConflicts(t *testing.T) {
	r := New()
	id := testConnId(1, 4, 100)
	r.Open(id)
	_, err := r.Open(testConnId(1, 4, 200))
	if err != ErrTsidConflict {
		t.Errorf("got %v, want ErrTsidConflict", err)
	}
}

func TestReopenAfterCloseSucceeds(t *testing.T) {
	r := New()
	id := testConnId(1, 4, 100)
	r.Open(id)
	r.Close(id)
	newer := testConnId(1, 4, 200)
	if _, err := r.Open(newer); err != nil {
		t.Fatalf("Open after close failed: %v", err)
	}
	info, err := r.Lookup(newer)
	if err != nil || info.Closed {
		t.Errorf("expected a fresh, open entry, got info=%v err=%v", info, err)
	}
}

func TestRoleAndProtocolAreStickyAfterFirstSet(t *testing.T) {
	r := New()
	id := testConnId(1, 4, 100)
	r.Open(id)
	r.Mutate(id, func(info *types.ConnInfo) {
		SetRole(info, types.RoleClient)
		SetProtocol(info, types.ProtocolHTTP)
	})
	r.Mutate(id, func(info *types.ConnInfo) {
		SetRole(info, types.RoleServer)
		SetProtocol(info, types.ProtocolUnknown)
	})
	info, _ := r.Lookup(id)
	if info.Role != types.RoleClient {
		t.Errorf("Role should not have changed after first classification, got %v", info.Role)
	}
	if info.Protocol != types.ProtocolHTTP {
		t.Errorf("Protocol should not have changed after first classification, got %v", info.Protocol)
	}
}

func TestByteCountersNeverDecrease(t *testing.T) {
	r := New()
	id := testConnId(1, 4, 100)
	r.Open(id)
	r.Mutate(id, func(info *types.ConnInfo) { AddWriteBytes(info, 100) })
	r.Mutate(id, func(info *types.ConnInfo) { AddWriteBytes(info, 50) })
	info, _ := r.Lookup(id)
	if info.WriteBytes != 150 {
		t.Errorf("got WriteBytes=%d, want 150 (monotonically accumulated)", info.WriteBytes)
	}
}

func TestMapFull(t *testing.T) {
	r := &Registry{entries: make(map[uint64]*types.ConnInfo), limit: 1}
	if _, err := r.Open(testConnId(1, 1, 1)); err != nil {
		t.Fatalf("first Open should succeed: %v", err)
	}
	if _, err := r.Open(testConnId(2, 2, 2)); err != ErrMapFull {
		t.Errorf("got %v, want ErrMapFull", err)
	}
}

func TestReapThenGone(t *testing.T) {
	r := New()
	id := testConnId(1, 4, 100)
	r.Open(id)
	r.Close(id)
	r.Reap(id)
	if _, err := r.Lookup(id); err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound after Reap", err)
	}
	if r.Len() != 0 {
		t.Errorf("got Len()=%d, want 0 after Reap", r.Len())
	}
}

func TestPeekFindsOpenConnection(t *testing.T) {
	r := New()
	id := testConnId(1, 4, 100)
	r.Open(id)
	got, ok := r.Peek(1, 4)
	if !ok || got != id {
		t.Errorf("Peek(1, 4) = %v, %v; want %v, true", got, ok, id)
	}
}

func TestPeekMissesClosedConnection(t *testing.T) {
	r := New()
	id := testConnId(1, 4, 100)
	r.Open(id)
	r.Close(id)
	if _, ok := r.Peek(1, 4); ok {
		t.Error("Peek should not find a closed connection")
	}
}

func TestSnapshot(t *testing.T) {
	r := New()
	r.Open(testConnId(1, 1, 1))
	r.Open(testConnId(2, 2, 2))
	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Errorf("got %d entries, want 2", len(snap))
	}
}
