// Package ids constructs the identity values (types.Uid, types.ConnId) that
// every other layer of the tracer uses as its primary key. It is the
// userspace analogue of bpf_get_current_pid_tgid() plus bpf_ktime_get_ns():
// the kernel program derives these identities from registers and per-CPU
// clocks, while this package derives the equivalent values from /proc and
// the monotonic clock for the pure-Go mirror in package tracer.
package ids

import (
	"fmt"
	"io/ioutil"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/m-lab/socket-tracer/types"
)

// clockTicksPerSecond is the USER_HZ value nearly every Linux system is
// built with. /proc/<pid>/stat field 22 (starttime) is reported in these
// units; there is no portable syscall to read it, so it is hardcoded here,
// matching common practice in userspace tracers.
const clockTicksPerSecond = 100

// tsidCounter is a process-local stand-in for bpf_ktime_get_ns(): a
// strictly increasing nanosecond-scale counter, seeded from the wall clock
// so that values constructed by this process never collide with values
// constructed by an earlier run against the same descriptors.
var tsidCounter = uint64(time.Now().UnixNano())

// NextTsid returns a new, strictly increasing Tsid value, disambiguating
// file-descriptor reuse the same way the kernel program's bpf_ktime_get_ns()
// call does for ConnId.Tsid.
func NextTsid() uint64 {
	return atomic.AddUint64(&tsidCounter, 1)
}

// TgidStartTimeTicks reads the starttime field (clock ticks since boot) of
// /proc/<tgid>/stat. If the read or parse fails -- the process has already
// exited, /proc is unavailable, the host's procfs deviates from the
// documented format -- it returns 0 rather than an error.
//
// Per the specification's own Open Question, seeding StartTimeTicks with 0
// on failure is an accepted degradation: two different processes that reuse
// the same tgid will alias to the same types.Uid if both hit this fallback.
// It is documented here rather than hidden so that callers that care (e.g.
// long-running collectors) can log when it happens.
func TgidStartTimeTicks(tgid uint32) uint64 {
	raw, err := ioutil.ReadFile(fmt.Sprintf("/proc/%d/stat", tgid))
	if err != nil {
		return 0
	}
	// Field 2 (comm) is parenthesized and may itself contain spaces or
	// closing parens, so locate it by the last ')' rather than splitting
	// naively on spaces.
	end := strings.LastIndexByte(string(raw), ')')
	if end < 0 || end+2 >= len(raw) {
		return 0
	}
	fields := strings.Fields(string(raw[end+2:]))
	// starttime is field 22 overall; fields[0] here is field 3 (state).
	const starttimeFieldOffset = 22 - 3
	if len(fields) <= starttimeFieldOffset {
		return 0
	}
	ticks, err := strconv.ParseUint(fields[starttimeFieldOffset], 10, 64)
	if err != nil {
		return 0
	}
	return ticks
}

// NewUid constructs the identity of a traced process by tgid, reading its
// start time from /proc as described in TgidStartTimeTicks.
func NewUid(tgid uint32) types.Uid {
	return types.Uid{TGID: tgid, StartTimeTicks: TgidStartTimeTicks(tgid)}
}

// NewConnId constructs a fresh connection identity for a descriptor newly
// observed on the given Uid, minting a new Tsid so that a later reuse of fd
// on the same Uid produces a distinct ConnId.
func NewConnId(uid types.Uid, fd int32) types.ConnId {
	return types.ConnId{Upid: uid, Fd: fd, Tsid: NextTsid()}
}

// BootTimeSeconds estimates the Unix timestamp of system boot, using the
// same race-avoidance loop the teacher's socket-cookie identity helper used
// for the same /proc/uptime read: call until two consecutive reads agree,
// since a read of /proc/uptime and a read of the wall clock are not atomic
// with respect to one another.
func BootTimeSeconds() (int64, error) {
	var prev, curr int64 = -1, 0
	first := true
	for first || prev != curr {
		first = false
		prev = curr
		var err error
		curr, err = bootTimeOnce()
		if err != nil {
			return 0, err
		}
	}
	return curr, nil
}

func bootTimeOnce() (int64, error) {
	raw, err := ioutil.ReadFile("/proc/uptime")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(raw))
	if len(fields) != 2 {
		return 0, fmt.Errorf("ids: could not split /proc/uptime into two fields: %q", raw)
	}
	uptime, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("ids: could not parse /proc/uptime: %w", err)
	}
	return time.Now().Add(-time.Duration(uptime * float64(time.Second))).Unix(), nil
}
