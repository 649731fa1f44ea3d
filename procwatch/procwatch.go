// Package procwatch resolves the tgid(s) the tracer should restrict itself
// to, by name, via repeated /proc polling. This is the same "there is no
// notifier, polling really is the state of the art here" approach the
// teacher uses to discover network namespaces, retargeted from namespace
// discovery to process-by-name discovery for the policy plane's target
// restriction (ctrl_values[TargetTGIDIndex]).
package procwatch

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrCantReadProc is the error returned when the /proc filesystem is, for
// whatever reason, currently unreadable.
var ErrCantReadProc = errors.New("procwatch: can't read /proc")

// pollInterval is how often the /proc directory is rescanned. Named
// processes can start and stop between polls; a consumer that needs exact
// coverage of a short-lived process's whole lifetime should prefer a
// smaller interval, at the cost of more /proc traffic.
const pollInterval = 100 * time.Millisecond

// commName reads the executable name for pid from /proc/<pid>/comm,
// trimming the trailing newline the kernel always appends. It returns ""
// if the process has already exited or /proc is unreadable for it.
func commName(procfs string, pid int) string {
	data, err := os.ReadFile(cleanProcfsPath(procfs) + "/" + strconv.Itoa(pid) + "/comm")
	if err != nil {
		return ""
	}
	return string(bytes.TrimRight(data, "\n"))
}

// listPids returns every numeric entry directly under procfs, i.e. every
// currently-running pid known to the kernel.
func listPids(procfs string) ([]int, error) {
	d, err := os.Open(cleanProcfsPath(procfs))
	if err != nil {
		return nil, ErrCantReadProc
	}
	defer d.Close()
	names, err := d.Readdirnames(0)
	if err != nil {
		return nil, ErrCantReadProc
	}
	var pids []int
	for _, name := range names {
		pid, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// FindByName does a single scan of procfs and returns every pid whose
// /proc/<pid>/comm matches name exactly. comm is truncated to 15 bytes by
// the kernel, matching TASK_COMM_LEN; callers targeting a longer name
// should match on a 15-byte prefix.
func FindByName(procfs, name string) ([]int, error) {
	pids, err := listPids(procfs)
	if err != nil {
		return nil, err
	}
	var matches []int
	for _, pid := range pids {
		if commName(procfs, pid) == name {
			matches = append(matches, pid)
		}
	}
	return matches, nil
}

// Watch repeatedly polls procfs for processes named name, sending each
// newly discovered pid to foundChan exactly once and each pid that has
// since exited to lostChan exactly once. It runs until ctx is canceled,
// closing both channels on the way out.
func Watch(ctx context.Context, procfs, name string, foundChan, lostChan chan<- int) error {
	defer close(foundChan)
	defer close(lostChan)

	known := make(map[int]bool)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		matches, err := FindByName(procfs, name)
		if err != nil {
			return err
		}
		seen := make(map[int]bool, len(matches))
		for _, pid := range matches {
			seen[pid] = true
			if !known[pid] {
				known[pid] = true
				select {
				case foundChan <- pid:
				case <-ctx.Done():
					return nil
				}
			}
		}
		for pid := range known {
			if !seen[pid] {
				delete(known, pid)
				select {
				case lostChan <- pid:
				case <-ctx.Done():
					return nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// TruncatedName returns name truncated to TASK_COMM_LEN-1 bytes (15), the
// same limit the kernel applies when populating /proc/<pid>/comm, so
// callers can match against comm without first checking length themselves.
func TruncatedName(name string) string {
	const taskCommLen = 16
	if len(name) >= taskCommLen {
		return name[:taskCommLen-1]
	}
	return name
}

// cleanProcfsPath normalizes a trailing slash so path concatenation in this
// package never produces a doubled separator.
func cleanProcfsPath(procfs string) string {
	return strings.TrimRight(procfs, "/")
}
