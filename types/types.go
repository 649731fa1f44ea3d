// Package types defines the wire-level data model shared by every layer of
// the socket tracer: kernel-resident probes, the pure-Go mirror in package
// tracer, and the userspace collector. Everything here is a fixed-layout
// value type so that it can cross the kernel/userspace boundary (or, in the
// pure-Go mirror, a channel) without further translation.
package types

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SaFamily identifies the address family of a traced socket. Only the
// families the tracer understands how to parse are distinguished; anything
// else collapses to AFUnknown so that downstream code never has to guard
// against an unbounded set of values.
type SaFamily uint16

// Address family constants, matching AF_INET/AF_INET6/the tracer's own
// "don't know yet" sentinel. Sourced from golang.org/x/sys/unix rather than
// hand-copied numbers, since a kprobe's sa_family_t arrives as the same
// numeric constants the kernel's own <linux/socket.h> defines.
const (
	AFUnknown SaFamily = 0
	AFInet    SaFamily = unix.AF_INET
	AFInet6   SaFamily = unix.AF_INET6
)

func (f SaFamily) String() string {
	switch f {
	case AFInet:
		return "AF_INET"
	case AFInet6:
		return "AF_INET6"
	default:
		return "AF_UNKNOWN"
	}
}

// EndpointRole describes which side of a connection the local endpoint
// plays. A connection starts Unknown and is classified at most once, by
// either an accept/connect syscall or protocol inference from payload
// bytes; see package tracer for the transition rules.
type EndpointRole int

const (
	RoleUnknown EndpointRole = iota
	RoleClient
	RoleServer
)

func (r EndpointRole) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// TrafficDirection distinguishes outbound payload bytes (egress, a write
// family syscall) from inbound payload bytes (ingress, a read family
// syscall). It never changes meaning once a byte range has been attributed.
type TrafficDirection int

const (
	DirectionUnknown TrafficDirection = iota
	DirectionEgress
	DirectionIngress
)

func (d TrafficDirection) String() string {
	switch d {
	case DirectionEgress:
		return "egress"
	case DirectionIngress:
		return "ingress"
	default:
		return "unknown"
	}
}

// TrafficProtocol is the application-layer protocol inferred from payload
// bytes. Inference is best-effort and one-directional: once set away from
// Unknown for a connection, it is never reverted.
type TrafficProtocol int

const (
	ProtocolUnknown TrafficProtocol = iota
	ProtocolHTTP
)

func (p TrafficProtocol) String() string {
	switch p {
	case ProtocolHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// MessageType distinguishes an HTTP request from a response during protocol
// inference; it has no meaning once ProtocolUnknown protocols are excluded.
type MessageType int

const (
	MessageTypeUnknown MessageType = iota
	MessageTypeRequest
	MessageTypeResponse
)

// SourceFunction records which syscall (or syscall family) produced a given
// data or control event, for diagnostics and for sendfile accounting, which
// has no payload of its own to inspect.
type SourceFunction int

const (
	SourceUnknown SourceFunction = iota
	SourceConnect
	SourceAccept
	SourceWrite
	SourceSend
	SourceSendTo
	SourceSendMsg
	SourceSendMMsg
	SourceWriteV
	SourceRead
	SourceRecv
	SourceRecvFrom
	SourceRecvMsg
	SourceRecvMMsg
	SourceReadV
	SourceClose
	SourceSendfile
)

func (s SourceFunction) String() string {
	names := [...]string{
		"unknown", "connect", "accept", "write", "send", "sendto", "sendmsg",
		"sendmmsg", "writev", "read", "recv", "recvfrom", "recvmsg",
		"recvmmsg", "readv", "close", "sendfile",
	}
	if int(s) < 0 || int(s) >= len(names) {
		return fmt.Sprintf("SourceFunction(%d)", int(s))
	}
	return names[s]
}

// ControlEventType distinguishes connection-open from connection-close
// control events.
type ControlEventType int

const (
	ControlEventOpen ControlEventType = iota
	ControlEventClose
)

func (c ControlEventType) String() string {
	if c == ControlEventClose {
		return "close"
	}
	return "open"
}

// ControlValueIndex indexes the fixed-size ctrl_values array that the
// policy plane reads on every syscall return.
type ControlValueIndex int

const (
	// TargetTGIDIndex holds the tgid traffic should be restricted to, or
	// the Unspecified/All sentinels defined in package policy.
	TargetTGIDIndex ControlValueIndex = iota
	// SelfTGIDIndex holds the tgid of the tracer's own userspace process,
	// so its own traffic can always be excluded.
	SelfTGIDIndex
	controlValueIndexCount
)

// Size limits from the specification, shared by the kernel program and its
// pure-Go mirror so that both chunk and bound identically.
const (
	// MaxMsgSize is the largest number of payload bytes copied into a
	// single data-event chunk.
	MaxMsgSize = 30720
	// ChunkLimit bounds how many chunks a single syscall's payload may be
	// split into.
	ChunkLimit = 4
	// LoopLimit bounds how many iovec entries a readv/writev/sendmsg call
	// will walk.
	LoopLimit = 2048
	// ProtocolVecLimit bounds how many of the LoopLimit iovecs are
	// actually inspected for protocol inference.
	ProtocolVecLimit = 4
	// ConnStatsDataThreshold is the minimum change in accounted bytes
	// since the last stats event that justifies emitting a new one.
	ConnStatsDataThreshold = 4096
	// MaxMapEntries bounds every bounded map in the system: the five
	// argument-staging maps and the connection registry.
	MaxMapEntries = 128 * 1024
)

// Uid identifies a traced process. StartTimeTicks disambiguates pid reuse;
// see package ids for how it is populated and the known limitation when it
// cannot be read.
type Uid struct {
	TGID           uint32
	StartTimeTicks uint64
}

// TaskKey is the key the per-task argument-staging maps are indexed by.
// The kernel program keys these maps by the full bpf_get_current_pid_tgid()
// value (tgid in the high 32 bits, the calling thread's pid in the low 32
// bits); this pure-Go mirror does not model individual threads within a
// traced tgid, so it collapses the key to the tgid alone. This is faithful
// for every scenario in this package's tests (one goroutine per traced
// task) and is documented here rather than silently assumed.
func (u Uid) TaskKey() uint64 {
	return uint64(u.TGID)
}

func (u Uid) String() string {
	return fmt.Sprintf("tgid=%d@%d", u.TGID, u.StartTimeTicks)
}

// ConnId identifies a single traced connection: a Uid plus the file
// descriptor the process used for it, plus a monotonic timestamp (Tsid)
// that disambiguates descriptor reuse within the same Uid.
type ConnId struct {
	Upid ConnUid
	Fd   int32
	Tsid uint64
}

// ConnUid is an alias for Uid, naming the process identity carried inside
// ConnId.
type ConnUid = Uid

// RegistryKey is the 64-bit key the connection registry is keyed by:
// fuse(tgid, fd) = (u64(tgid)<<32) | u32(fd).
func RegistryKey(tgid uint32, fd int32) uint64 {
	return uint64(tgid)<<32 | uint64(uint32(fd))
}

func (c ConnId) String() string {
	return fmt.Sprintf("%s/fd=%d/tsid=%d", c.Upid, c.Fd, c.Tsid)
}

// Endpoint holds one side's address and port, in network byte order for the
// address bytes and host byte order for Port, matching how socket_tracer.c
// normalizes addresses when it fills in an endpoint.
type Endpoint struct {
	Family SaFamily
	Addr   [16]byte // low 4 bytes significant for AFInet
	Port   uint16
}

// ConnInfo is the long-lived, per-connection record held in the connection
// registry. Every numeric counter is monotonically non-decreasing for the
// lifetime of a ConnId; see package registry for the invariants this type
// must uphold.
type ConnInfo struct {
	ID ConnId

	Role     EndpointRole
	Protocol TrafficProtocol
	Local    Endpoint
	Remote   Endpoint

	// ProtocolTotalCount counts payload-bearing events seen on this
	// connection, regardless of whether protocol inference succeeded.
	ProtocolTotalCount uint64

	WriteBytes uint64
	ReadBytes  uint64

	// PrevReportedBytes is the write+read total as of the last
	// ConnStatsEvent emitted for this connection. It never exceeds
	// WriteBytes+ReadBytes.
	PrevReportedBytes uint64

	Closed bool
}

// ConnDisabled holds the kill-switch timestamp for a registry slot: any
// ConnId with Tsid <= DisabledTsid is suppressed by the policy plane,
// exactly like a kernel conn_disabled map entry.
type ConnDisabled struct {
	DisabledTsid uint64
}

// SocketControlEvent is emitted on connection open and close.
type SocketControlEvent struct {
	Type      ControlEventType
	Timestamp uint64 // monotonic nanoseconds
	Conn      ConnId
	Info      ConnInfo
}

// SocketDataEvent carries one chunk of payload bytes, at most MaxMsgSize
// long, with Position giving its offset within the logical byte stream
// already attributed to Conn in the given Direction.
type SocketDataEvent struct {
	Source    SourceFunction
	Direction TrafficDirection
	MsgType   MessageType
	Timestamp uint64
	Conn      ConnId
	Position  uint64
	// MsgSize is the chunk's logical size; MsgBufSize (len(Data)) is the
	// number of bytes actually copied, which may be smaller than MsgSize
	// when a copy is truncated (sendfile reports a nonzero MsgSize with
	// zero captured bytes, since its payload never transits user memory).
	MsgSize uint32
	Data    []byte
}

// MsgBufSize is the number of payload bytes actually captured in this
// event, i.e. len(Data). It is a method rather than a stored field so that
// there is exactly one source of truth for it.
func (e SocketDataEvent) MsgBufSize() int { return len(e.Data) }

// ConnStatsEvent is emitted periodically (and always on close, with bit 1 of
// EventFlags set) once accounted bytes have advanced by at least
// ConnStatsDataThreshold since the previous report.
type ConnStatsEvent struct {
	Timestamp   uint64
	Conn        ConnId
	WriteBytes  uint64
	ReadBytes   uint64
	EventFlags  uint8
	IsCloseFlag bool
}

// EventFlagCloseBit is the bit of ConnStatsEvent.EventFlags set when the
// stats event was emitted as part of a connection close flush.
const EventFlagCloseBit uint8 = 1 << 1
