package collector_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/m-lab/socket-tracer/collector"
	"github.com/m-lab/socket-tracer/eventsocket"
	"github.com/m-lab/socket-tracer/events"
	"github.com/m-lab/socket-tracer/saver"
	"github.com/m-lab/socket-tracer/types"
)

func uuidFor(id types.ConnId) string {
	return fmt.Sprintf("%d-%d-%d", id.Upid.TGID, id.Fd, id.Tsid)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sink := events.NewSink(4)
	sv := &saver.Saver{Connections: make(map[uint64]*saver.Connection)}
	es := eventsocket.NullServer()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan collector.Stats, 1)
	go func() {
		done <- collector.Run(ctx, sink, sv, es, uuidFor)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunCountsEvents(t *testing.T) {
	sink := events.NewSink(4)
	sv := &saver.Saver{Connections: make(map[uint64]*saver.Connection)}
	es := eventsocket.NullServer()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan collector.Stats, 1)
	go func() {
		done <- collector.Run(ctx, sink, sv, es, uuidFor)
	}()

	id := types.ConnId{Upid: types.Uid{TGID: 1}, Fd: 2, Tsid: 3}
	sink.Control <- types.SocketControlEvent{Type: types.ControlEventOpen, Conn: id}
	sink.Control <- types.SocketControlEvent{Type: types.ControlEventClose, Conn: id}

	// Give the Run goroutine a chance to drain both events before asking it
	// to stop; there is no synchronous drain signal, so poll briefly.
	deadline := time.Now().Add(time.Second)
	for len(sink.Control) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	var stats collector.Stats
	select {
	case stats = <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	if stats.Control != 2 {
		t.Errorf("got %d control events counted, want 2", stats.Control)
	}
}
