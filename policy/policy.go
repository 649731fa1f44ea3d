// Package policy implements the control plane: the ctrl_map/ctrl_values/
// conn_disabled decision surface the specification describes, and the
// should_send_data predicate every return-probe handler consults before
// emitting a data event. Nothing in this package touches payload bytes; it
// only ever answers yes/no questions about a (tgid, connection) pair.
package policy

import (
	"sync"

	"github.com/m-lab/socket-tracer/types"
)

// TargetOutcome is the result of matching a traced tgid against the
// operator-configured target tgid.
type TargetOutcome int

const (
	// TargetUnspecified means no target restriction is configured: every
	// tgid is traced.
	TargetUnspecified TargetOutcome = iota
	// TargetAll is an explicit, operator-requested "trace everything",
	// distinguished from TargetUnspecified only for diagnostics.
	TargetAll
	// TargetMatched means the traced tgid is the configured target.
	TargetMatched
	// TargetUnmatched means a target is configured and this tgid is not it.
	TargetUnmatched
)

// Sentinel values for ctrl_values[types.TargetTGIDIndex], matching the
// kernel program's own encoding: 0 means unspecified, all-ones means trace
// every tgid (TargetAll), and any other value is a literal tgid to match
// against.
const (
	targetUnspecifiedValue uint64 = 0
	targetAllValue         uint64 = ^uint64(0)
)

// Controls holds the operator-settable policy values: ctrl_values (a small,
// fixed-size array) and conn_disabled (a kill switch keyed by connection).
// It is safe for concurrent use: writes come from the control-plane
// goroutine (flag parsing, a future gRPC/HTTP admin surface), reads come
// from every return-probe handler.
type Controls struct {
	mu          sync.RWMutex
	ctrlValues  map[types.ControlValueIndex]uint64
	ctrlMap     map[types.TrafficProtocol]uint64
	connDisable map[uint64]types.ConnDisabled // keyed by types.RegistryKey
	forceTrace  bool
}

// NewControls builds a Controls with no target restriction, no disabled
// connections, and every known protocol allowed for every role: trace
// everything except self-traffic, matching the kernel program's zero-valued
// ctrl_values at load time. ctrl_map defaults to "allow" here, which differs
// from the kernel program: its ctrl_map starts zeroed, so until it is
// written no protocol passes the allowlist there. SetProtocolMask narrows
// the allowlist on this side.
func NewControls() *Controls {
	allRoles := roleBit(types.RoleClient) | roleBit(types.RoleServer) | roleBit(types.RoleUnknown)
	return &Controls{
		ctrlValues: map[types.ControlValueIndex]uint64{types.TargetTGIDIndex: targetUnspecifiedValue},
		ctrlMap: map[types.TrafficProtocol]uint64{
			types.ProtocolUnknown: allRoles,
			types.ProtocolHTTP:    allRoles,
		},
		connDisable: make(map[uint64]types.ConnDisabled),
	}
}

// roleBit derives the bitmask bit for a role, matching the specification's
// "role bit = role value used as bitmask" rule.
func roleBit(role types.EndpointRole) uint64 {
	return 1 << uint(role)
}

// SetProtocolMask restricts which roles are eligible for data events on the
// given protocol, overwriting any previous mask for that protocol. Passing
// 0 disables data events for that protocol entirely.
func (c *Controls) SetProtocolMask(protocol types.TrafficProtocol, roleMask uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctrlMap[protocol] = roleMask
}

// AllowProtocolForRole implements the ctrl_map half of protocol_data_allowed:
// a connection is eligible for data events only if ctrl_map[protocol] has
// the bit for role set.
func (c *Controls) AllowProtocolForRole(protocol types.TrafficProtocol, role types.EndpointRole) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mask, ok := c.ctrlMap[protocol]
	if !ok {
		return false
	}
	return mask&roleBit(role) != 0
}

// SetSelfTGID records the tracer's own tgid, so traffic it generates itself
// is always excluded regardless of the target restriction.
func (c *Controls) SetSelfTGID(tgid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctrlValues[types.SelfTGIDIndex] = uint64(tgid)
}

// SetTarget restricts tracing to the given tgid. Calling it with tgid==0
// clears the restriction (equivalent to TargetUnspecified).
func (c *Controls) SetTarget(tgid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tgid == 0 {
		c.ctrlValues[types.TargetTGIDIndex] = targetUnspecifiedValue
		return
	}
	c.ctrlValues[types.TargetTGIDIndex] = uint64(tgid)
}

// SetForceTrace toggles the force_trace override, which bypasses protocol-
// allowlist filtering (but never self-traffic or target filtering) per the
// specification's should_send_data predicate.
func (c *Controls) SetForceTrace(force bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forceTrace = force
}

// Disable marks every Tsid <= tsid on the given (tgid, fd) key as
// suppressed, exactly like writing to the kernel's conn_disabled map.
func (c *Controls) Disable(tgid uint32, fd int32, tsid uint64) {
	key := types.RegistryKey(tgid, fd)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connDisable[key] = types.ConnDisabled{DisabledTsid: tsid}
}

// IsSelf reports whether tgid is the tracer's own process, per
// ctrl_values[SelfTGIDIndex].
func (c *Controls) IsSelf(tgid uint32) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	self, ok := c.ctrlValues[types.SelfTGIDIndex]
	return ok && self != 0 && self == uint64(tgid)
}

// MatchTarget reports how tgid compares against the configured target
// restriction.
func (c *Controls) MatchTarget(tgid uint32) TargetOutcome {
	c.mu.RLock()
	defer c.mu.RUnlock()
	target, ok := c.ctrlValues[types.TargetTGIDIndex]
	if !ok || target == targetUnspecifiedValue {
		return TargetUnspecified
	}
	if target == targetAllValue {
		return TargetAll
	}
	if target == uint64(tgid) {
		return TargetMatched
	}
	return TargetUnmatched
}

// connDisabledTsid returns the kill-switch threshold for (tgid, fd), or 0
// (meaning "never disabled") if there is no entry.
func (c *Controls) connDisabledTsid(tgid uint32, fd int32) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.connDisable[types.RegistryKey(tgid, fd)]
	if !ok {
		return 0
	}
	return d.DisabledTsid
}

// AllowControlEvent reports whether open/close SocketControlEvents for tgid
// should be emitted at all. Unlike data events, control events are not
// suppressed for the tracer's own self-traffic (so its own connections are
// still visible in the control-event stream) but they are suppressed by an
// unmatched target restriction, exactly like data events.
func (c *Controls) AllowControlEvent(tgid uint32) bool {
	return c.MatchTarget(tgid) != TargetUnmatched
}

// ShouldSendData implements the specification's should_send_data predicate:
//
//	should_send_data(tgid, conn_disabled_tsid, force_trace, conn_info) =
//	  ¬is_self(tgid) ∧ tsid > conn_disabled_tsid ∧
//	  (force_trace ∨ protocol_data_allowed)
//
// protocolDataAllowed is supplied by the caller (package tracer), which
// knows the connection's inferred protocol and the operator's protocol
// allowlist; this function only combines it with the self/target/
// kill-switch checks that are this package's responsibility.
func (c *Controls) ShouldSendData(id types.ConnId, protocolDataAllowed bool) bool {
	if c.IsSelf(id.Upid.TGID) {
		return false
	}
	match := c.MatchTarget(id.Upid.TGID)
	if match == TargetUnmatched {
		return false
	}
	if id.Tsid <= c.connDisabledTsid(id.Upid.TGID, id.Fd) {
		return false
	}
	c.mu.RLock()
	force := c.forceTrace
	c.mu.RUnlock()
	// A tgid that matches an explicitly configured target is force-traced,
	// bypassing the protocol allowlist, exactly as an unmatched tgid bypasses
	// nothing: matching the target is itself the operator's override.
	force = force || match == TargetMatched
	return force || protocolDataAllowed
}
