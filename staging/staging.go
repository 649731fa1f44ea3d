// Package staging implements the per-task argument-staging maps: the
// bounded, short-lived tables that remember a syscall's entry-time
// arguments until its matching return fires. The kernel program keeps six
// of these (accept, connect, write, read, close, sendfile), each a
// BPF_MAP_TYPE_HASH keyed by the calling task; this package mirrors that
// shape with five plain Go maps guarded by a mutex (one Data map serves both
// write and read), bounded the same way the kernel map is bounded, per
// types.MaxMapEntries.
package staging

import (
	"sync"

	"github.com/m-lab/socket-tracer/types"
)

// ConnectArgs is staged on syscall entry to connect(2) and consumed on its
// return.
type ConnectArgs struct {
	Fd   int32
	Addr types.Endpoint
}

// AcceptArgs is staged on entry to accept/accept4 and consumed on return,
// once the kernel return value supplies the new fd.
type AcceptArgs struct {
	ListenFd int32
}

// DataArgs is staged on entry to any write/send*/read/recv*/readv/writev
// syscall and consumed on return, once the return value supplies the actual
// byte count transferred.
type DataArgs struct {
	Fd        int32
	Direction types.TrafficDirection
	Source    types.SourceFunction
	Buf       []byte // nil when the syscall used an iovec; see Iovecs
	Iovecs    [][]byte
	// MsgLen is the first mmsghdr's msg_len field, staged only for
	// SourceSendMMsg/SourceRecvMMsg. sendmmsg/recvmmsg return a message
	// count, not a byte count, so the byte accounting for these two
	// syscalls is derived from this field instead of the return value.
	MsgLen int32
}

// CloseArgs is staged on entry to close(2) and consumed on return.
type CloseArgs struct {
	Fd int32
}

// SendfileArgs is staged on entry to sendfile(2) and consumed on return; it
// carries no payload, only byte-count accounting.
type SendfileArgs struct {
	OutFd int32
	InFd  int32
	Count int64
}

// Map is a bounded, mutex-guarded table from a task key (types.Uid.TaskKey())
// to a single staged value of type V. It is the common shape behind every
// staging table below: a single hash map that silently refuses new entries
// once full, exactly like the kernel's BPF_MAP_TYPE_HASH would return
// -E2BIG from bpf_map_update_elem.
type Map[V any] struct {
	mu      sync.Mutex
	entries map[uint64]V
	limit   int
}

// NewMap creates an empty staging table bounded at types.MaxMapEntries
// entries.
func NewMap[V any]() *Map[V] {
	return &Map[V]{entries: make(map[uint64]V), limit: types.MaxMapEntries}
}

// Put stages a value for key, returning false (and staging nothing) if the
// map is already at capacity and key is not already present -- mirroring
// the kernel map's map-full failure mode described in the specification's
// error-handling design.
func (m *Map[V]) Put(key uint64, v V) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.limit {
		return false
	}
	m.entries[key] = v
	return true
}

// Take removes and returns the value staged for key, if any. This is the
// map-miss-safe read used by every return-probe handler: a miss (ok==false)
// means the entry probe either never fired or lost the race against a
// map-full condition, and the caller must silently drop the return-probe
// event per the specification's error-handling design.
func (m *Map[V]) Take(key uint64) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	return v, ok
}

// Len reports the current number of staged entries, for metrics.
func (m *Map[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Tables bundles one staging Map per syscall family, giving callers (the
// tracer package, tests) a single value to construct and pass around
// instead of five.
type Tables struct {
	Connect  *Map[ConnectArgs]
	Accept   *Map[AcceptArgs]
	Data     *Map[DataArgs]
	Close    *Map[CloseArgs]
	Sendfile *Map[SendfileArgs]
}

// NewTables builds an empty set of staging tables.
func NewTables() *Tables {
	return &Tables{
		Connect:  NewMap[ConnectArgs](),
		Accept:   NewMap[AcceptArgs](),
		Data:     NewMap[DataArgs](),
		Close:    NewMap[CloseArgs](),
		Sendfile: NewMap[SendfileArgs](),
	}
}
