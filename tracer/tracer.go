// Package tracer is the probe dispatch layer rendered in pure Go: paired
// entry/return handlers for every syscall named in the specification,
// wired to the staging, registry, policy, protoinfer, and events packages.
// Package bpf holds the literal kernel-resident version of the same logic;
// this package exists so the state machine and its invariants can run as
// ordinary `go test` assertions, without a kernel, kprobes, or root.
package tracer

import (
	"sync"
	"time"

	"github.com/m-lab/socket-tracer/events"
	"github.com/m-lab/socket-tracer/ids"
	"github.com/m-lab/socket-tracer/policy"
	"github.com/m-lab/socket-tracer/protoinfer"
	"github.com/m-lab/socket-tracer/registry"
	"github.com/m-lab/socket-tracer/staging"
	"github.com/m-lab/socket-tracer/types"
)

// ConnState is the per-connection lifecycle state named in the
// specification: Absent, Open-Unclassified (address family or role still
// unknown), Open-Classified (both known), Closed.
type ConnState int

const (
	StateAbsent ConnState = iota
	StateOpenUnclassified
	StateOpenClassified
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateOpenUnclassified:
		return "open-unclassified"
	case StateOpenClassified:
		return "open-classified"
	case StateClosed:
		return "closed"
	default:
		return "absent"
	}
}

// StateOf derives the lifecycle state of a registry entry. A nil info
// (never registered, or already reaped) is Absent.
func StateOf(info *types.ConnInfo) ConnState {
	if info == nil {
		return StateAbsent
	}
	if info.Closed {
		return StateClosed
	}
	if info.Remote.Family == types.AFUnknown || info.Role == types.RoleUnknown {
		return StateOpenUnclassified
	}
	return StateOpenClassified
}

// Engine is the pure-Go mirror of the kernel program: it holds the staging
// tables, the connection registry, the policy controls, and the event
// sink, and exposes one entry/return method pair per traced syscall.
//
// Engine serializes all of its own methods behind a single mutex. This
// matches how a real kernel task executes a probe non-preemptibly with
// respect to itself (see the specification's concurrency model) without
// needing to reproduce true per-CPU parallelism in a userspace mirror; the
// teacher's own cache.Cache makes the same simplification and documents
// itself as not safe for concurrent use by multiple callers.
type Engine struct {
	mu       sync.Mutex
	staging  *staging.Tables
	Registry *registry.Registry
	Controls *policy.Controls
	Sink     *events.Sink
	now      func() uint64
}

// NewEngine builds an Engine with fresh staging tables, a fresh registry,
// and the given controls and sink.
func NewEngine(ctrl *policy.Controls, sink *events.Sink) *Engine {
	return &Engine{
		staging:  staging.NewTables(),
		Registry: registry.New(),
		Controls: ctrl,
		Sink:     sink,
		now:      func() uint64 { return uint64(time.Now().UnixNano()) },
	}
}

// emitOpen sends a control event for a newly opened connection.
func (e *Engine) emitOpen(id types.ConnId, info types.ConnInfo) {
	select {
	case e.Sink.Control <- types.SocketControlEvent{Type: types.ControlEventOpen, Timestamp: e.now(), Conn: id, Info: info}:
	default:
	}
}

// emitClose sends a control event and a terminal stats event for a closing
// connection, with EventFlagCloseBit set, per section 4.3 of the
// specification.
func (e *Engine) emitClose(id types.ConnId, info types.ConnInfo) {
	select {
	case e.Sink.Control <- types.SocketControlEvent{Type: types.ControlEventClose, Timestamp: e.now(), Conn: id, Info: info}:
	default:
	}
	select {
	case e.Sink.Stats <- events.BuildStatsEvent(id, e.now(), info.WriteBytes, info.ReadBytes, true):
	default:
	}
}

// ConnectEnter stages the arguments of a connect(2) call.
func (e *Engine) ConnectEnter(uid types.Uid, fd int32, dst types.Endpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.staging.Connect.Put(uid.TaskKey(), staging.ConnectArgs{Fd: fd, Addr: dst})
}

// ConnectReturn processes a connect(2) return. retval is the syscall's
// return value (negative on failure). It reports whether a connection was
// opened, for test convenience; production callers care only about the
// side effects (registry update, events emitted).
func (e *Engine) ConnectReturn(uid types.Uid, retval int32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	args, ok := e.staging.Connect.Take(uid.TaskKey())
	if !ok || retval < 0 {
		return false
	}
	id := ids.NewConnId(uid, args.Fd)
	info, err := e.Registry.Open(id)
	if err != nil {
		return false
	}
	registry.SetRole(info, types.RoleClient)
	info.Remote = args.Addr
	if args.Addr.Family != types.AFUnknown && e.Controls.AllowControlEvent(uid.TGID) {
		e.emitOpen(id, *info)
	}
	return true
}

// AcceptEnter stages the arguments of an accept/accept4(2) call.
func (e *Engine) AcceptEnter(uid types.Uid, listenFd int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.staging.Accept.Put(uid.TaskKey(), staging.AcceptArgs{ListenFd: listenFd})
}

// AcceptReturn processes an accept/accept4(2) return. retFd is the newly
// accepted descriptor (negative on failure); peer is the remote address,
// resolved either from the returned struct sock or the user sockaddr
// (package bpf chooses which; this pure-Go mirror always receives the
// already-resolved result).
func (e *Engine) AcceptReturn(uid types.Uid, retFd int32, peer types.Endpoint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.staging.Accept.Take(uid.TaskKey()); !ok || retFd < 0 {
		return false
	}
	id := ids.NewConnId(uid, retFd)
	info, err := e.Registry.Open(id)
	if err != nil {
		return false
	}
	registry.SetRole(info, types.RoleServer)
	info.Remote = peer
	if peer.Family != types.AFUnknown && e.Controls.AllowControlEvent(uid.TGID) {
		e.emitOpen(id, *info)
	}
	return true
}

// DataEnter stages the arguments of a write/send*/read/recv*/readv/writev
// call. Exactly one of buf or iovecs should be non-nil, matching whether
// the syscall took a flat buffer or a vector.
func (e *Engine) DataEnter(uid types.Uid, fd int32, direction types.TrafficDirection, source types.SourceFunction, buf []byte, iovecs [][]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.staging.Data.Put(uid.TaskKey(), staging.DataArgs{
		Fd: fd, Direction: direction, Source: source, Buf: buf, Iovecs: iovecs,
	})
}

// DataEnterMMsg stages the arguments of a sendmmsg/recvmmsg(2) call.
// msgLen is the msg_len field of the first mmsghdr in the syscall's
// msgvec: sendmmsg/recvmmsg's return value is a count of messages sent or
// received, not a byte count, so DataReturn accounts these two syscalls
// using msgLen instead, per the original implementation's mmsghdr[0]
// accounting rule.
func (e *Engine) DataEnterMMsg(uid types.Uid, fd int32, direction types.TrafficDirection, source types.SourceFunction, iovecs [][]byte, msgLen int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.staging.Data.Put(uid.TaskKey(), staging.DataArgs{
		Fd: fd, Direction: direction, Source: source, Iovecs: iovecs, MsgLen: msgLen,
	})
}

// DataReturn processes the return of a data syscall, emitting up to
// ChunkLimit SocketDataEvents and, if the policy plane allows it,
// forwarding them to the sink. It returns the chunks that were
// constructed (regardless of whether policy suppressed forwarding), for
// tests to inspect payload fidelity.
//
// For SourceSendMMsg/SourceRecvMMsg, retval is the number of messages the
// syscall transferred, not a byte count, so the byte accounting for those
// two sources is taken from the staged first message's length instead; see
// DataEnterMMsg.
func (e *Engine) DataReturn(uid types.Uid, retval int32) []types.SocketDataEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	args, ok := e.staging.Data.Take(uid.TaskKey())
	if !ok {
		return nil
	}
	var n int
	switch args.Source {
	case types.SourceSendMMsg, types.SourceRecvMMsg:
		if retval <= 0 {
			return nil
		}
		n = int(args.MsgLen)
	default:
		if retval < 0 {
			return nil
		}
		n = int(retval)
	}

	id, found := e.Registry.Peek(uid.TGID, args.Fd)
	if !found {
		id = ids.NewConnId(uid, args.Fd)
		if _, err := e.Registry.Open(id); err != nil {
			return nil
		}
	}
	info, err := e.Registry.Lookup(id)
	if err != nil {
		return nil
	}

	var inferenceBuf []byte
	var flat []byte
	if args.Iovecs != nil {
		inferenceBuf = events.ProtocolInferenceBytes(args.Iovecs)
		flat, _ = events.WalkIovecs(args.Iovecs)
	} else {
		flat = args.Buf
		inferenceBuf = args.Buf
	}
	if n < len(flat) {
		flat = flat[:n]
	}

	msg := protoinfer.InferProtocol(inferenceBuf)
	if msg.Protocol != types.ProtocolUnknown {
		registry.SetProtocol(info, msg.Protocol)
		if info.Role == types.RoleUnknown {
			registry.SetRole(info, protoinfer.RoleFromMessage(args.Direction, msg.MsgType))
		}
	}

	var startPosition uint64
	if args.Direction == types.DirectionEgress {
		startPosition = info.WriteBytes
	} else {
		startPosition = info.ReadBytes
	}
	meta := types.SocketDataEvent{
		Source: args.Source, Direction: args.Direction, MsgType: msg.MsgType,
		Timestamp: e.now(), Conn: id,
	}
	result := events.ChunkPayload(flat, startPosition, meta)

	if args.Direction == types.DirectionEgress {
		registry.AddWriteBytes(info, uint64(n))
	} else {
		registry.AddReadBytes(info, uint64(n))
	}
	info.ProtocolTotalCount++

	if e.Controls.ShouldSendData(id, e.Controls.AllowProtocolForRole(info.Protocol, info.Role)) {
		for _, chunk := range result.Chunks {
			select {
			case e.Sink.Data <- chunk:
			default:
			}
		}
	}
	e.maybeEmitStats(id, info, false)
	return result.Chunks
}

// maybeEmitStats emits a ConnStatsEvent if accumulated bytes have advanced
// enough since the last report, per CONN_STATS_DATA_THRESHOLD, updating
// info.PrevReportedBytes when it does. Like control events, stats events
// are suppressed by an unmatched target restriction but not by self-traffic
// filtering.
func (e *Engine) maybeEmitStats(id types.ConnId, info *types.ConnInfo, isClose bool) {
	if !e.Controls.AllowControlEvent(id.Upid.TGID) {
		return
	}
	if !events.ShouldEmitStats(info.WriteBytes, info.ReadBytes, info.PrevReportedBytes, isClose) {
		return
	}
	ev := events.BuildStatsEvent(id, e.now(), info.WriteBytes, info.ReadBytes, isClose)
	select {
	case e.Sink.Stats <- ev:
	default:
	}
	info.PrevReportedBytes = info.WriteBytes + info.ReadBytes
}

// CloseEnter stages the arguments of a close(2) call.
func (e *Engine) CloseEnter(uid types.Uid, fd int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.staging.Close.Put(uid.TaskKey(), staging.CloseArgs{Fd: fd})
}

// CloseReturn processes a close(2) return. It reports whether a Close
// event was emitted: false either because the syscall failed, or because
// the registry held nothing for this (tgid, fd) -- including the case
// where a duplicate close observation finds an already-reaped entry, which
// is how invariant 5 (idempotence) is upheld.
func (e *Engine) CloseReturn(uid types.Uid, fd int32, retval int32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.staging.Close.Take(uid.TaskKey()); !ok || retval < 0 {
		return false
	}
	id, found := e.Registry.Peek(uid.TGID, fd)
	if !found {
		return false
	}
	info, err := e.Registry.Lookup(id)
	if err != nil {
		return false
	}
	shouldEmit := (info.Remote.Family != types.AFUnknown || info.Local.Family != types.AFUnknown ||
		info.WriteBytes > 0 || info.ReadBytes > 0) && e.Controls.AllowControlEvent(uid.TGID)
	if shouldEmit {
		e.emitClose(id, *info)
	}
	e.Registry.Close(id)
	e.Registry.Reap(id)
	return shouldEmit
}

// SendfileEnter stages the arguments of a sendfile(2) call.
func (e *Engine) SendfileEnter(uid types.Uid, outFd, inFd int32, count int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.staging.Sendfile.Put(uid.TaskKey(), staging.SendfileArgs{OutFd: outFd, InFd: inFd, Count: count})
}

// SendfileReturn processes a sendfile(2) return, emitting a single
// SocketDataEvent whose MsgSize equals the bytes transferred but whose
// Data is empty, since sendfile's payload never transits user memory.
func (e *Engine) SendfileReturn(uid types.Uid, retval int64) *types.SocketDataEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	args, ok := e.staging.Sendfile.Take(uid.TaskKey())
	if !ok || retval < 0 {
		return nil
	}
	id, found := e.Registry.Peek(uid.TGID, args.OutFd)
	if !found {
		id = ids.NewConnId(uid, args.OutFd)
		if _, err := e.Registry.Open(id); err != nil {
			return nil
		}
	}
	info, err := e.Registry.Lookup(id)
	if err != nil {
		return nil
	}
	ev := types.SocketDataEvent{
		Source: types.SourceSendfile, Direction: types.DirectionEgress,
		Timestamp: e.now(), Conn: id, Position: info.WriteBytes,
		MsgSize: uint32(retval),
	}
	registry.AddWriteBytes(info, uint64(retval))
	info.ProtocolTotalCount++
	if e.Controls.ShouldSendData(id, e.Controls.AllowProtocolForRole(info.Protocol, info.Role)) {
		select {
		case e.Sink.Data <- ev:
		default:
		}
	}
	e.maybeEmitStats(id, info, false)
	return &ev
}
