// Package registry implements the connection registry: the long-lived map
// from a traced file descriptor to its accumulated types.ConnInfo. It is
// the userspace mirror of the kernel's conn_info BPF map, and enforces the
// monotonicity invariants the specification places on that map: role and
// protocol only ever move away from Unknown, byte counters never decrease,
// and a connection is never resurrected once closed without a fresh
// Tsid (a new accept/connect).
package registry

import (
	"errors"
	"sync"

	"github.com/m-lab/socket-tracer/types"
)

// Errors returned by Registry methods, matching the lookup-failure kinds
// named in the specification's error-handling design.
var (
	// ErrMapFull is returned by Open when the registry is already at
	// types.MaxMapEntries and the connection being opened is not already
	// present.
	ErrMapFull = errors.New("registry: connection registry is full")
	// ErrNotFound is returned by lookups for a fd that the registry has
	// no entry for, whether because it was never opened or because it
	// was already closed and reaped.
	ErrNotFound = errors.New("registry: no such connection")
	// ErrStaleTsid is returned when a caller's ConnId refers to an older
	// incarnation of a (tgid, fd) pair than the registry currently holds.
	ErrStaleTsid = errors.New("registry: connection id refers to a stale incarnation")
	// ErrTsidConflict is returned by Open when a (tgid, fd) pair already
	// has a live, unclosed entry under a different Tsid -- two opens
	// without an intervening close, which should never happen.
	ErrTsidConflict = errors.New("registry: fd reopened without an intervening close")
)

// Registry is the connection registry. The zero value is not usable; use
// New.
type Registry struct {
	mu      sync.Mutex
	entries map[uint64]*types.ConnInfo
	limit   int
}

// New builds an empty registry bounded at types.MaxMapEntries entries,
// mirroring the kernel conn_info map's fixed capacity.
func New() *Registry {
	return &Registry{entries: make(map[uint64]*types.ConnInfo), limit: types.MaxMapEntries}
}

// Open inserts a brand new connection, or reinitializes the slot for
// (tgid, fd) if it was previously occupied by a now-closed, older Tsid.
// It refuses to open a connection over an existing, unclosed entry for the
// same key with a different Tsid: that would mean two syscalls raced to
// create the same fd without an intervening close, which should never
// happen and is treated as a bad-return error by the caller (package
// tracer), not by this method.
func (r *Registry) Open(id types.ConnId) (*types.ConnInfo, error) {
	key := types.RegistryKey(id.Upid.TGID, id.Fd)
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entries[key]
	if ok && !existing.Closed && existing.ID.Tsid != id.Tsid {
		return existing, ErrTsidConflict
	}
	if !ok && len(r.entries) >= r.limit {
		return nil, ErrMapFull
	}
	info := &types.ConnInfo{ID: id}
	r.entries[key] = info
	return info, nil
}

// Lookup returns the current ConnInfo for id's (tgid, fd) pair, failing with
// ErrStaleTsid if the registry holds a newer incarnation and ErrNotFound if
// it holds nothing at all. Per the specification, a return-probe handler
// that gets ErrStaleTsid or ErrNotFound must silently drop the event rather
// than treat it as an error worth surfacing.
func (r *Registry) Lookup(id types.ConnId) (*types.ConnInfo, error) {
	key := types.RegistryKey(id.Upid.TGID, id.Fd)
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if info.ID.Tsid != id.Tsid {
		return nil, ErrStaleTsid
	}
	return info, nil
}

// Mutate applies fn to the ConnInfo for id under the registry's lock, so
// that callers can enforce monotonicity invariants (role/protocol only
// advance, counters only increase) atomically with the lookup. fn is not
// called if id cannot be resolved; the same lookup errors as Lookup are
// returned.
func (r *Registry) Mutate(id types.ConnId, fn func(*types.ConnInfo)) error {
	key := types.RegistryKey(id.Upid.TGID, id.Fd)
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.entries[key]
	if !ok {
		return ErrNotFound
	}
	if info.ID.Tsid != id.Tsid {
		return ErrStaleTsid
	}
	fn(info)
	return nil
}

// SetRole advances info.Role to role, refusing to move it once it is
// anything other than types.RoleUnknown: role classification happens at
// most once per connection, per the specification's invariants.
func SetRole(info *types.ConnInfo, role types.EndpointRole) {
	if info.Role == types.RoleUnknown {
		info.Role = role
	}
}

// SetProtocol advances info.Protocol the same way SetRole advances Role:
// once inferred away from Unknown, a connection's protocol never changes.
func SetProtocol(info *types.ConnInfo, proto types.TrafficProtocol) {
	if info.Protocol == types.ProtocolUnknown {
		info.Protocol = proto
	}
}

// AddWriteBytes and AddReadBytes accumulate payload bytes. They are the only
// way ConnInfo's byte counters change, which is what keeps them
// non-decreasing: there is no Set method.
func AddWriteBytes(info *types.ConnInfo, n uint64) { info.WriteBytes += n }
func AddReadBytes(info *types.ConnInfo, n uint64)  { info.ReadBytes += n }

// Close marks a connection closed in place. The entry is not removed from
// the registry map so that a late-arriving return-probe event for the same
// Tsid can still resolve (and be recognized as referring to a closed
// connection); Reap removes entries once their owner is done with them.
func (r *Registry) Close(id types.ConnId) error {
	return r.Mutate(id, func(info *types.ConnInfo) {
		info.Closed = true
	})
}

// Reap permanently removes id's entry, intended to be called once its
// close event has been fully processed (emitted, flushed to stats). It is
// a no-op if the entry is missing or already a different Tsid.
func (r *Registry) Reap(id types.ConnId) {
	key := types.RegistryKey(id.Upid.TGID, id.Fd)
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.entries[key]; ok && info.ID.Tsid == id.Tsid {
		delete(r.entries, key)
	}
}

// Peek returns the ConnId currently registered for (tgid, fd), if any and
// not already closed, without requiring the caller to already know its
// Tsid. It is the lookup data-syscall and close-syscall return handlers use
// before they know whether a connection was already being tracked: unlike
// Lookup, it takes no Tsid and so can never return ErrStaleTsid.
func (r *Registry) Peek(tgid uint32, fd int32) (types.ConnId, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.entries[types.RegistryKey(tgid, fd)]
	if !ok || info.Closed {
		return types.ConnId{}, false
	}
	return info.ID, true
}

// Len reports the number of live entries, for metrics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns a shallow copy of every ConnInfo currently registered, in
// no particular order, for callers that need a point-in-time view without
// holding the registry lock for the whole output pass.
func (r *Registry) Snapshot() []types.ConnInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ConnInfo, 0, len(r.entries))
	for _, info := range r.entries {
		out = append(out, *info)
	}
	return out
}
