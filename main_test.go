package main

import (
	"fmt"
	"net"
	"testing"

	"github.com/m-lab/go/osx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/socket-tracer/types"
)

func TestMain(t *testing.T) {
	portFinder, err := net.Listen("tcp", ":0")
	rtx.Must(err, "Could not open server to discover open ports")
	port := portFinder.Addr().(*net.TCPAddr).Port
	portFinder.Close()

	dir := t.TempDir()

	// Make sure that starting up main() does not cause any panics. -simulate
	// keeps main from trying to load real BPF probes, since the test
	// environment has no guarantee of kernel/BPF support; -duration bounds
	// how long main runs before shutting itself down, the same way the
	// teacher's own REPS env var once bounded a fixed number of collection
	// cycles.
	for _, v := range []struct{ name, val string }{
		{"SIMULATE", "true"},
		{"DURATION", "10ms"},
		{"PROM", fmt.Sprintf(":%d", port)},
		{"OUTPUT", dir},
	} {
		cleanup := osx.MustSetenv(v.name, v.val)
		defer cleanup()
	}

	main()
}

func TestUUIDForConnIsStableAndDistinctAcrossReincarnation(t *testing.T) {
	a := types.ConnId{Upid: types.Uid{TGID: 1}, Fd: 2, Tsid: 100}
	b := types.ConnId{Upid: types.Uid{TGID: 1}, Fd: 2, Tsid: 100}
	if uuidForConn(a) != uuidForConn(b) {
		t.Errorf("same ConnId produced different uuids: %q vs %q", uuidForConn(a), uuidForConn(b))
	}

	c := types.ConnId{Upid: types.Uid{TGID: 1}, Fd: 2, Tsid: 200}
	if uuidForConn(a) == uuidForConn(c) {
		t.Errorf("distinct Tsids produced the same uuid: %q", uuidForConn(a))
	}
}
