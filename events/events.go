// Package events builds the three ring-buffer records the specification
// defines (SocketControlEvent, SocketDataEvent, ConnStatsEvent) from raw
// syscall arguments and return values, applying the same chunking and
// iovec-walking bounds the kernel program is restricted to: at most
// types.ChunkLimit chunks of at most types.MaxMsgSize bytes each, and at
// most types.LoopLimit iovec entries inspected per vectored call.
package events

import (
	"github.com/m-lab/socket-tracer/types"
)

// Sink is where finished events are delivered. In the pure-Go tracer it is
// fed directly by tracer.Engine; in the bpf package the Loader drains the
// real ring buffers and decodes their records into the same channels.
type Sink struct {
	Control chan types.SocketControlEvent
	Data    chan types.SocketDataEvent
	Stats   chan types.ConnStatsEvent
}

// NewSink creates a Sink with the given per-channel buffer depth.
func NewSink(depth int) *Sink {
	return &Sink{
		Control: make(chan types.SocketControlEvent, depth),
		Data:    make(chan types.SocketDataEvent, depth),
		Stats:   make(chan types.ConnStatsEvent, depth),
	}
}

// ChunkResult reports how a payload was split, so callers can update
// accounting (bytes actually emitted vs. bytes the syscall reported) and
// metrics (truncation counts) without re-deriving it from the chunks.
type ChunkResult struct {
	Chunks    []types.SocketDataEvent
	Truncated bool // true if buf was longer than ChunkLimit*MaxMsgSize
}

// ChunkPayload splits buf into up to types.ChunkLimit chunks of up to
// types.MaxMsgSize bytes, stamping each with a Position that advances by
// the chunk's length from startPosition. Bytes beyond the chunk/size
// budget are dropped, not buffered for a later call, exactly as the
// specification requires: the kernel program has no way to carry partial
// state across syscalls for this.
func ChunkPayload(buf []byte, startPosition uint64, meta types.SocketDataEvent) ChunkResult {
	var result ChunkResult
	pos := startPosition
	remaining := buf
	for i := 0; i < types.ChunkLimit && len(remaining) > 0; i++ {
		n := len(remaining)
		if n > types.MaxMsgSize {
			n = types.MaxMsgSize
		}
		chunk := meta
		chunk.Position = pos
		chunk.MsgSize = uint32(n)
		chunk.Data = append([]byte(nil), remaining[:n]...)
		result.Chunks = append(result.Chunks, chunk)
		pos += uint64(n)
		remaining = remaining[n:]
	}
	if len(remaining) > 0 {
		result.Truncated = true
	}
	return result
}

// WalkIovecs concatenates up to types.LoopLimit iovec buffers into a single
// byte slice, which tracer.Engine then chunks as one readv/writev/sendmsg
// payload. The kernel program does not flatten: it emits one record per
// iovec (see submit_data_event_iovecs in socket_tracer.c). Iovecs beyond
// LoopLimit are ignored.
func WalkIovecs(iovecs [][]byte) (flattened []byte, truncated bool) {
	limit := len(iovecs)
	if limit > types.LoopLimit {
		limit = types.LoopLimit
		truncated = true
	}
	var total int
	for i := 0; i < limit; i++ {
		total += len(iovecs[i])
	}
	flattened = make([]byte, 0, total)
	for i := 0; i < limit; i++ {
		flattened = append(flattened, iovecs[i]...)
	}
	return flattened, truncated
}

// ProtocolInferenceBytes returns the prefix of a (possibly vectored)
// payload that protocol inference is allowed to look at: the first
// types.ProtocolVecLimit iovecs only, concatenated, regardless of how many
// iovecs the call actually carried.
func ProtocolInferenceBytes(iovecs [][]byte) []byte {
	limit := len(iovecs)
	if limit > types.ProtocolVecLimit {
		limit = types.ProtocolVecLimit
	}
	flattened, _ := WalkIovecs(iovecs[:limit])
	return flattened
}

// ShouldEmitStats reports whether accumulated bytes (write+read) have
// advanced enough since prevReported to justify a new ConnStatsEvent, per
// types.ConnStatsDataThreshold. A close-triggered flush always emits,
// regardless of the threshold.
func ShouldEmitStats(writeBytes, readBytes, prevReported uint64, isClose bool) bool {
	if isClose {
		return true
	}
	total := writeBytes + readBytes
	if total < prevReported {
		// Counters must never regress; if they did, something upstream
		// violated the registry's invariants. Treat it conservatively by
		// still allowing the stats event so the anomaly is visible
		// downstream rather than silently dropped.
		return true
	}
	return total-prevReported >= types.ConnStatsDataThreshold
}

// BuildStatsEvent constructs a ConnStatsEvent from a connection's current
// counters, setting EventFlagCloseBit when isClose is set.
func BuildStatsEvent(conn types.ConnId, timestamp uint64, writeBytes, readBytes uint64, isClose bool) types.ConnStatsEvent {
	var flags uint8
	if isClose {
		flags |= types.EventFlagCloseBit
	}
	return types.ConnStatsEvent{
		Timestamp:   timestamp,
		Conn:        conn,
		WriteBytes:  writeBytes,
		ReadBytes:   readBytes,
		EventFlags:  flags,
		IsCloseFlag: isClose,
	}
}
