package policy

import (
	"testing"

	"github.com/m-lab/socket-tracer/types"
)

func conn(tgid uint32, fd int32, tsid uint64) types.ConnId {
	return types.ConnId{Upid: types.Uid{TGID: tgid}, Fd: fd, Tsid: tsid}
}

func TestSelfTrafficAlwaysSuppressed(t *testing.T) {
	c := NewControls()
	c.SetSelfTGID(42)
	c.SetForceTrace(true)
	if c.ShouldSendData(conn(42, 1, 1), true) {
		t.Error("self traffic must never be sent, even with force trace and protocol allowed")
	}
}

func TestTargetUnmatchedSuppressed(t *testing.T) {
	c := NewControls()
	c.SetTarget(100)
	if c.ShouldSendData(conn(200, 1, 1), true) {
		t.Error("traffic from a non-target tgid must be suppressed")
	}
	if !c.ShouldSendData(conn(100, 1, 1), true) {
		t.Error("traffic from the target tgid must not be suppressed by target matching")
	}
}

func TestUnspecifiedTargetAllowsEveryone(t *testing.T) {
	c := NewControls()
	if !c.ShouldSendData(conn(1, 1, 1), true) {
		t.Error("with no target configured, traffic should not be suppressed by target matching")
	}
}

func TestConnDisabledKillSwitch(t *testing.T) {
	c := NewControls()
	c.Disable(1, 4, 100)
	if c.ShouldSendData(conn(1, 4, 50), true) {
		t.Error("tsid <= disabled tsid should be suppressed")
	}
	if !c.ShouldSendData(conn(1, 4, 101), true) {
		t.Error("tsid > disabled tsid should not be suppressed by the kill switch")
	}
}

func TestForceTraceBypassesProtocolFilter(t *testing.T) {
	c := NewControls()
	c.SetForceTrace(true)
	if !c.ShouldSendData(conn(1, 1, 1), false) {
		t.Error("force trace should allow data even when protocolDataAllowed is false")
	}
}

func TestProtocolFilterAppliesWithoutForceTrace(t *testing.T) {
	c := NewControls()
	if c.ShouldSendData(conn(1, 1, 1), false) {
		t.Error("without force trace, protocolDataAllowed=false should suppress")
	}
	if !c.ShouldSendData(conn(1, 1, 1), true) {
		t.Error("without force trace, protocolDataAllowed=true should allow")
	}
}

func TestAllowProtocolForRoleDefaultsToAllowed(t *testing.T) {
	c := NewControls()
	if !c.AllowProtocolForRole(types.ProtocolHTTP, types.RoleClient) {
		t.Error("expected HTTP/Client allowed by default")
	}
}

func TestSetProtocolMaskRestrictsRole(t *testing.T) {
	c := NewControls()
	c.SetProtocolMask(types.ProtocolHTTP, 1<<uint(types.RoleServer))
	if c.AllowProtocolForRole(types.ProtocolHTTP, types.RoleClient) {
		t.Error("expected HTTP/Client to be disallowed after masking to server-only")
	}
	if !c.AllowProtocolForRole(types.ProtocolHTTP, types.RoleServer) {
		t.Error("expected HTTP/Server to remain allowed")
	}
}

func TestMatchTargetOutcomes(t *testing.T) {
	c := NewControls()
	if got := c.MatchTarget(5); got != TargetUnspecified {
		t.Errorf("got %v, want TargetUnspecified", got)
	}
	c.SetTarget(5)
	if got := c.MatchTarget(5); got != TargetMatched {
		t.Errorf("got %v, want TargetMatched", got)
	}
	if got := c.MatchTarget(6); got != TargetUnmatched {
		t.Errorf("got %v, want TargetUnmatched", got)
	}
	c.SetTarget(0)
	if got := c.MatchTarget(6); got != TargetUnspecified {
		t.Errorf("got %v, want TargetUnspecified after clearing", got)
	}
}
