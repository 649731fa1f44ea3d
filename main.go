package main

// For comparison, try
// sudo bpftrace -e 'kprobe:__sys_connect { printf("%d\n", pid); }'

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	_ "net/http/pprof" // Support profiling

	"github.com/m-lab/socket-tracer/bpf"
	"github.com/m-lab/socket-tracer/collector"
	"github.com/m-lab/socket-tracer/eventsocket"
	"github.com/m-lab/socket-tracer/events"
	"github.com/m-lab/socket-tracer/policy"
	"github.com/m-lab/socket-tracer/procwatch"
	"github.com/m-lab/socket-tracer/saver"
	"github.com/m-lab/socket-tracer/types"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	enableTrace   = flag.Bool("trace", false, "Enable trace")
	promPort      = flag.String("prom", ":9090", "Prometheus metrics export address and port. Default is ':9090'")
	outputDir     = flag.String("output", "", "Directory in which to put the resulting tree of data.  Default is the current directory.")
	bpfObject     = flag.String("bpf.object", bpf.ObjectPath, "Path to the compiled socket_tracer.c object.")
	traceMMsg     = flag.Bool("bpf.sendmmsg", false, "Also attach the sendmmsg/recvmmsg probe group.")
	marshallers   = flag.Int("marshallers", 3, "Number of goroutines marshalling and compressing saved events.")
	targetName    = flag.String("target.name", "", "Set the userspace policy target to processes whose comm matches this name (not written to the BPF control maps). Mutually exclusive with target.tgid.")
	targetTGID    = flag.Uint("target.tgid", 0, "Set the userspace policy target to this tgid (not written to the BPF control maps). Mutually exclusive with target.name.")
	forceTrace    = flag.Bool("force-trace", false, "Set the userspace policy to bypass the protocol allowlist filter (not written to the BPF control maps; never bypasses self-traffic or target exclusion).")
	simulate      = flag.Bool("simulate", false, "Drive the pure-Go tracer engine instead of loading real BPF probes. For environments without BPF/kprobe support.")
	runDuration   = flag.Duration("duration", 0, "If nonzero, stop automatically after this long instead of running until a signal arrives.")

	ctx, cancel = context.WithCancel(context.Background())
)

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	if *outputDir != "" {
		rtx.Must(os.Chdir(*outputDir), "Could not change to the directory %s", *outputDir)
	}

	// Performance instrumentation.
	runtime.SetBlockProfileRate(1000000) // 1 sample/msec
	runtime.SetMutexProfileFraction(1000)

	// Expose prometheus and pprof metrics on a separate port.
	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	if *enableTrace {
		traceFile, err := os.Create("trace")
		rtx.Must(err, "Could not creat trace file")
		rtx.Must(trace.Start(traceFile), "failed to start trace: %v", err)
		defer trace.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	if *runDuration > 0 {
		go func() {
			time.Sleep(*runDuration)
			cancel()
		}()
	}

	controls := policy.NewControls()
	controls.SetSelfTGID(uint32(os.Getpid()))
	controls.SetForceTrace(*forceTrace)
	if *targetTGID != 0 {
		controls.SetTarget(uint32(*targetTGID))
	}
	if *targetName != "" {
		if *targetTGID != 0 {
			log.Fatal("target.name and target.tgid are mutually exclusive")
		}
		watchTargetByName(ctx, controls, *targetName)
	}

	svr := saver.NewSaver(*marshallers)

	es := eventsocket.New(*eventsocket.Filename)
	sink := events.NewSink(4096)

	stop := startTracing(sink, controls)
	defer stop()

	collector.Run(ctx, sink, svr, es, uuidForConn)

	svr.Close()
	stats := svr.Stats()
	stats.Print()
}

// startTracing brings up either the real BPF loader or, in -simulate mode,
// leaves the sink unfed by any kernel source (a caller wanting simulated
// traffic would drive tracer.Engine directly in a test). It returns a
// cleanup func to invoke on shutdown. controls is not used: nothing writes
// its target, self-tgid or force-trace values into the loaded program's
// control maps, so the -target.* and -force-trace flags change only the
// userspace policy.Controls value.
func startTracing(sink *events.Sink, controls *policy.Controls) func() {
	if *simulate {
		log.Println("main: -simulate set, not loading BPF probes")
		return func() {}
	}

	if _, err := os.Stat(*bpfObject); err != nil {
		log.Fatalf("main: BPF object %s is not readable: %v (pass -simulate to run without it)", *bpfObject, err)
	}
	ld, err := bpf.Load(*bpfObject)
	rtx.Must(err, "Could not load BPF object %s", *bpfObject)
	rtx.Must(ld.Start(sink), "Could not start draining BPF ring buffers")
	if *traceMMsg {
		rtx.Must(ld.AttachGroup("sendmmsg"), "Could not attach sendmmsg probe group")
	}
	return ld.Close
}

// watchTargetByName resolves name to a tgid via procwatch and keeps the
// control plane's target restriction pointed at whichever process currently
// matches, since the traced process may not exist yet (or may restart)
// when main starts.
func watchTargetByName(ctx context.Context, controls *policy.Controls, name string) {
	foundChan := make(chan int, 8)
	lostChan := make(chan int, 8)
	go func() {
		if err := procwatch.Watch(ctx, "/proc", name, foundChan, lostChan); err != nil {
			log.Println("main: procwatch.Watch:", err)
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case pid, ok := <-foundChan:
				if !ok {
					return
				}
				log.Printf("main: target %q found at pid %d\n", name, pid)
				controls.SetTarget(uint32(pid))
			case pid, ok := <-lostChan:
				if !ok {
					return
				}
				log.Printf("main: target %q (pid %d) exited\n", name, pid)
				controls.SetTarget(0)
			}
		}
	}()
}

// uuidForConn derives the opaque identifier the eventsocket protocol sends
// downstream for a given connection. It is stable for the lifetime of a
// ConnId (tgid/fd/tsid never change once assigned) and distinct across fd
// reincarnation, since Tsid always differs.
func uuidForConn(id types.ConnId) string {
	return fmt.Sprintf("%s_%x-%x",
		time.Unix(0, int64(id.Tsid)).UTC().Format("20060102T150405.000000000Z"),
		id.Upid.TGID, uint32(id.Fd))
}
