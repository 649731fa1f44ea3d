// Package bpf loads and attaches the compiled socket_tracer.c program and
// drains its ring buffers into an *events.Sink. It is the production
// counterpart to package tracer's pure-Go mirror: the same state machine and
// invariants, but fed by real kprobes instead of direct method calls.
package bpf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/m-lab/socket-tracer/events"
	"github.com/m-lab/socket-tracer/metrics"
	"github.com/m-lab/socket-tracer/types"
)

// ObjectPath is the default location the compiled socket_tracer.c object is
// installed to by the build that produces it; operators overriding the
// location pass a different path to Load.
const ObjectPath = "/usr/local/lib/socket-tracer/socket_tracer.o"

// probe names the kprobe/kretprobe pair for one traced syscall: entryProg and
// retProg are the BPF program names in the collection, and entryFunc and
// retFunc are the kernel symbols they attach to.
type probe struct {
	entryProg, entryFunc string
	retProg, retFunc     string
}

// corePairs are the always-attached probes: every syscall the specification
// names except sendmmsg/recvmmsg, which ship as an independently-loadable
// group (see AttachGroup) mirroring the original implementation's separate
// compiled object for that syscall family. send/sendto share one kernel
// entry point (__sys_sendto; send(2) is glibc calling sendto(2) with a NULL
// destination) and so do recv/recvfrom (__sys_recvfrom) -- one probe pair
// each, with socket_tracer.c distinguishing the two SourceFunctions by
// whether the address argument is NULL, rather than double-attaching the
// same kernel symbol under two program names.
var corePairs = []probe{
	{"entry_connect", "__sys_connect", "ret_connect", "__sys_connect"},
	{"entry_accept", "__sys_accept4", "ret_accept", "__sys_accept4"},
	{"entry_write", "ksys_write", "ret_write", "ksys_write"},
	{"entry_read", "ksys_read", "ret_read", "ksys_read"},
	{"entry_sendto", "__sys_sendto", "ret_sendto", "__sys_sendto"},
	{"entry_recvfrom", "__sys_recvfrom", "ret_recvfrom", "__sys_recvfrom"},
	{"entry_sendmsg", "__sys_sendmsg", "ret_sendmsg", "__sys_sendmsg"},
	{"entry_recvmsg", "__sys_recvmsg", "ret_recvmsg", "__sys_recvmsg"},
	{"entry_writev", "__x64_sys_writev", "ret_writev", "__x64_sys_writev"},
	{"entry_readv", "__x64_sys_readv", "ret_readv", "__x64_sys_readv"},
	{"entry_close", "__x64_sys_close", "ret_close", "__x64_sys_close"},
	{"entry_sendfile", "__x64_sys_sendfile64", "ret_sendfile", "__x64_sys_sendfile64"},
}

// sendmmsgPairs is the independently-attachable probe group, disabled by
// default since sendmmsg/recvmmsg tracing carries a higher overhead than the
// rest of the probe set and most deployments never see it used.
var sendmmsgPairs = []probe{
	{"entry_sendmmsg", "__x64_sys_sendmmsg", "ret_sendmmsg", "__x64_sys_sendmmsg"},
	{"entry_recvmmsg", "__x64_sys_recvmmsg", "ret_recvmmsg", "__x64_sys_recvmmsg"},
}

// markerProbe names a single-sided LSM/kretprobe hook that mutates in-flight
// staging-map state rather than emitting an event of its own; see
// socket_tracer.c's mark_sendmsg/mark_recvmsg/mark_sock_alloc.
type markerProbe struct {
	prog       string
	kernelFunc string
	isReturn   bool
}

// markerProbes are always attached alongside corePairs: security_socket_
// sendmsg/recvmsg supply the sock_event gate that tells write/send/sendto/
// recv/recvfrom/writev/readv return probes whether fd was actually a
// socket, and sock_alloc supplies the struct sock accept needs to recover
// the peer address.
var markerProbes = []markerProbe{
	{"mark_sendmsg", "security_socket_sendmsg", false},
	{"mark_recvmsg", "security_socket_recvmsg", false},
	{"mark_sock_alloc", "sock_alloc", true},
}

// Loader owns the loaded BPF collection, its attached links, and the
// goroutines draining its ring buffers. Callers get one from Load and must
// call Close when done to release kernel resources.
type Loader struct {
	coll  *ebpf.Collection
	links []link.Link

	sink *events.Sink

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// Load raises RLIMIT_MEMLOCK (required for any BPF map allocation on kernels
// without cgroup-based memory accounting), loads the compiled object at
// path, and attaches every core probe. sink receives decoded events as soon
// as draining starts; call Start to begin it.
func Load(path string) (*Loader, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("bpf: raising RLIMIT_MEMLOCK: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("bpf: loading collection spec from %s: %w", path, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("bpf: instantiating collection: %w", err)
	}

	ld := &Loader{coll: coll, stopCh: make(chan struct{})}
	if err := ld.attach(corePairs); err != nil {
		ld.Close()
		return nil, err
	}
	if err := ld.attachMarkers(); err != nil {
		ld.Close()
		return nil, err
	}
	return ld, nil
}

// attachMarkers attaches the single-sided marker probes listed in
// markerProbes: a kprobe for the two LSM sock_event hooks, a kretprobe for
// sock_alloc.
func (ld *Loader) attachMarkers() error {
	for _, m := range markerProbes {
		prog, ok := ld.coll.Programs[m.prog]
		if !ok {
			return fmt.Errorf("bpf: program %q not found in collection", m.prog)
		}
		var l link.Link
		var err error
		if m.isReturn {
			l, err = link.Kretprobe(m.kernelFunc, prog, nil)
		} else {
			l, err = link.Kprobe(m.kernelFunc, prog, nil)
		}
		if err != nil {
			return fmt.Errorf("bpf: attaching marker %s/%s: %w", m.prog, m.kernelFunc, err)
		}
		ld.links = append(ld.links, l)
	}
	return nil
}

// AttachGroup attaches one of the optional, independently-loadable probe
// groups. Currently only "sendmmsg" is defined, matching the original
// implementation's separately compiled sendmmsg/recvmmsg object.
func (ld *Loader) AttachGroup(name string) error {
	switch name {
	case "sendmmsg":
		return ld.attach(sendmmsgPairs)
	default:
		return fmt.Errorf("bpf: unknown probe group %q", name)
	}
}

func (ld *Loader) attach(pairs []probe) error {
	for _, p := range pairs {
		entryProg, ok := ld.coll.Programs[p.entryProg]
		if !ok {
			return fmt.Errorf("bpf: program %q not found in collection", p.entryProg)
		}
		kp, err := link.Kprobe(p.entryFunc, entryProg, nil)
		if err != nil {
			return fmt.Errorf("bpf: attaching kprobe %s/%s: %w", p.entryProg, p.entryFunc, err)
		}
		ld.links = append(ld.links, kp)

		retProg, ok := ld.coll.Programs[p.retProg]
		if !ok {
			return fmt.Errorf("bpf: program %q not found in collection", p.retProg)
		}
		krp, err := link.Kretprobe(p.retFunc, retProg, nil)
		if err != nil {
			return fmt.Errorf("bpf: attaching kretprobe %s/%s: %w", p.retProg, p.retFunc, err)
		}
		ld.links = append(ld.links, krp)
	}
	return nil
}

// Start begins draining the kernel's three ring buffers into sink, one
// goroutine per buffer, matching the per-CPU draining pattern of the
// original implementation's AsyncPerfEventArray consumers.
func (ld *Loader) Start(sink *events.Sink) error {
	ld.sink = sink

	drains := []struct {
		mapName string
		decode  func([]byte, *events.Sink)
	}{
		{"sk_ctrl_events", decodeControlEvent},
		{"sk_data_events", decodeDataEvent},
		{"conn_stat_events", decodeStatsEvent},
	}
	for _, d := range drains {
		m, ok := ld.coll.Maps[d.mapName]
		if !ok {
			return fmt.Errorf("bpf: ring buffer map %q not found", d.mapName)
		}
		rd, err := ringbuf.NewReader(m)
		if err != nil {
			return fmt.Errorf("bpf: opening ring buffer reader for %q: %w", d.mapName, err)
		}
		ld.wg.Add(1)
		go ld.drain(rd, d.decode)
	}
	return nil
}

func (ld *Loader) drain(rd *ringbuf.Reader, decode func([]byte, *events.Sink)) {
	defer ld.wg.Done()
	defer rd.Close()

	go func() {
		<-ld.stopCh
		rd.Close()
	}()

	for {
		record, err := rd.Read()
		if err != nil {
			if err == ringbuf.ErrClosed {
				return
			}
			metrics.ErrorCount.WithLabelValues("ringbuf_read").Inc()
			continue
		}
		decode(record.RawSample, ld.sink)
	}
}

// Close detaches every probe, stops draining, and releases the loaded
// collection. It is safe to call more than once.
func (ld *Loader) Close() {
	select {
	case <-ld.stopCh:
	default:
		close(ld.stopCh)
	}
	ld.wg.Wait()
	for _, l := range ld.links {
		if err := l.Close(); err != nil {
			log.Println("bpf: closing link:", err)
		}
	}
	ld.links = nil
	if ld.coll != nil {
		ld.coll.Close()
		ld.coll = nil
	}
}

// wireConnId, wireEndpoint and wireConnInfo mirror the C structs'
// fixed layout in socket_tracer.c (struct conn_id_t, struct endpoint_t,
// struct conn_info_t) field-for-field, so binary.Read can decode them
// directly off a ring buffer sample.
type wireConnId struct {
	TGID           uint32
	StartTimeTicks uint64
	Fd             int32
	Tsid           uint64
}

type wireEndpoint struct {
	Family uint16
	Addr   [16]byte
	Port   uint16
}

func readConnId(r *bytes.Reader) (types.ConnId, error) {
	var w wireConnId
	if err := binary.Read(r, binary.LittleEndian, &w); err != nil {
		return types.ConnId{}, err
	}
	return types.ConnId{
		Upid: types.Uid{TGID: w.TGID, StartTimeTicks: w.StartTimeTicks},
		Fd:   w.Fd,
		Tsid: w.Tsid,
	}, nil
}

func readEndpoint(r *bytes.Reader) (types.Endpoint, error) {
	var w wireEndpoint
	if err := binary.Read(r, binary.LittleEndian, &w); err != nil {
		return types.Endpoint{}, err
	}
	return types.Endpoint{Family: types.SaFamily(w.Family), Addr: w.Addr, Port: w.Port}, nil
}

// decodeControlEvent parses one sk_ctrl_events ring buffer record into a
// types.SocketControlEvent and forwards it to sink.Control. Decode errors
// are counted rather than propagated: a malformed record from a
// known-correct kernel program indicates a layout mismatch worth fixing,
// but must never stall the reader goroutine.
func decodeControlEvent(raw []byte, sink *events.Sink) {
	r := bytes.NewReader(raw)
	var eventType, _pad uint32
	var timestamp uint64
	if err := binary.Read(r, binary.LittleEndian, &eventType); err != nil {
		metrics.ErrorCount.WithLabelValues("decode_control").Inc()
		return
	}
	_ = _pad
	if err := binary.Read(r, binary.LittleEndian, &timestamp); err != nil {
		metrics.ErrorCount.WithLabelValues("decode_control").Inc()
		return
	}
	conn, err := readConnId(r)
	if err != nil {
		metrics.ErrorCount.WithLabelValues("decode_control").Inc()
		return
	}

	var role, protocol uint32
	binary.Read(r, binary.LittleEndian, &role)
	binary.Read(r, binary.LittleEndian, &protocol)
	local, _ := readEndpoint(r)
	remote, _ := readEndpoint(r)
	var protoCount, writeBytes, readBytes, prevReported uint64
	var closed uint8
	binary.Read(r, binary.LittleEndian, &protoCount)
	binary.Read(r, binary.LittleEndian, &writeBytes)
	binary.Read(r, binary.LittleEndian, &readBytes)
	binary.Read(r, binary.LittleEndian, &prevReported)
	binary.Read(r, binary.LittleEndian, &closed)

	ev := types.SocketControlEvent{
		Type:      types.ControlEventType(eventType),
		Timestamp: timestamp,
		Conn:      conn,
		Info: types.ConnInfo{
			ID:                 conn,
			Role:               types.EndpointRole(role),
			Protocol:           types.TrafficProtocol(protocol),
			Local:              local,
			Remote:             remote,
			ProtocolTotalCount: protoCount,
			WriteBytes:         writeBytes,
			ReadBytes:          readBytes,
			PrevReportedBytes:  prevReported,
			Closed:             closed != 0,
		},
	}
	select {
	case sink.Control <- ev:
	default:
		metrics.RingBufferDropCount.Inc()
	}
}

// decodeDataEvent parses one sk_data_events record. socket_tracer.c submits
// these with bpf_ringbuf_output sized to exactly offsetof(data)+MsgSize, not
// the full fixed-size socket_data_event_t.data array, so the reader must
// consume exactly MsgSize (bounded by MaxMsgSize) trailing bytes rather than
// a fixed-size slot.
func decodeDataEvent(raw []byte, sink *events.Sink) {
	r := bytes.NewReader(raw)
	var source, direction, msgType uint32
	var timestamp uint64
	if err := binary.Read(r, binary.LittleEndian, &source); err != nil {
		metrics.ErrorCount.WithLabelValues("decode_data").Inc()
		return
	}
	binary.Read(r, binary.LittleEndian, &direction)
	binary.Read(r, binary.LittleEndian, &msgType)
	binary.Read(r, binary.LittleEndian, &timestamp)
	conn, err := readConnId(r)
	if err != nil {
		metrics.ErrorCount.WithLabelValues("decode_data").Inc()
		return
	}
	var position uint64
	var msgSize uint32
	binary.Read(r, binary.LittleEndian, &position)
	binary.Read(r, binary.LittleEndian, &msgSize)

	n := int(msgSize)
	if n > types.MaxMsgSize {
		n = types.MaxMsgSize
	}
	data := make([]byte, n)
	if _, err := r.Read(data); err != nil && n > 0 {
		metrics.ErrorCount.WithLabelValues("decode_data").Inc()
		data = data[:0]
	}

	ev := types.SocketDataEvent{
		Source:    types.SourceFunction(source),
		Direction: types.TrafficDirection(direction),
		MsgType:   types.MessageType(msgType),
		Timestamp: timestamp,
		Conn:      conn,
		Position:  position,
		MsgSize:   msgSize,
		Data:      data,
	}
	select {
	case sink.Data <- ev:
	default:
		metrics.RingBufferDropCount.Inc()
	}
}

// decodeStatsEvent parses one conn_stat_events record.
func decodeStatsEvent(raw []byte, sink *events.Sink) {
	r := bytes.NewReader(raw)
	var timestamp uint64
	if err := binary.Read(r, binary.LittleEndian, &timestamp); err != nil {
		metrics.ErrorCount.WithLabelValues("decode_stats").Inc()
		return
	}
	conn, err := readConnId(r)
	if err != nil {
		metrics.ErrorCount.WithLabelValues("decode_stats").Inc()
		return
	}
	var writeBytes, readBytes uint64
	var flags uint8
	binary.Read(r, binary.LittleEndian, &writeBytes)
	binary.Read(r, binary.LittleEndian, &readBytes)
	binary.Read(r, binary.LittleEndian, &flags)

	ev := types.ConnStatsEvent{
		Timestamp:   timestamp,
		Conn:        conn,
		WriteBytes:  writeBytes,
		ReadBytes:   readBytes,
		EventFlags:  flags,
		IsCloseFlag: flags&types.EventFlagCloseBit != 0,
	}
	select {
	case sink.Stats <- ev:
	default:
		metrics.RingBufferDropCount.Inc()
	}
}
