// Package collector drains the tracer's event sink and fans each event out
// to the saver (for durable storage) and the eventsocket server (for live
// subscribers), while keeping running Prometheus counts of what it has
// seen. It is the userspace analogue of the teacher's netlink polling loop,
// generalized from "poll the kernel every 10ms" to "drain ring-buffer
// channels until they block".
package collector

import (
	"context"
	"log"
	"time"

	"github.com/m-lab/socket-tracer/eventsocket"
	"github.com/m-lab/socket-tracer/events"
	"github.com/m-lab/socket-tracer/metrics"
	"github.com/m-lab/socket-tracer/saver"
	"github.com/m-lab/socket-tracer/types"
)

// Sink is an alias for events.Sink, the set of channels the collector reads
// from; tests can feed it a sink with arbitrary buffering via
// events.NewSink.
type Sink = events.Sink

// Stats reports how many events of each kind the collector has processed,
// for the periodic log line Run prints, mirroring the teacher's own
// roughly-once-per-minute cache stats log.
type Stats struct {
	Control int
	Data    int
	Stats   int
}

// Run drains sink until ctx is canceled, saving every event via sv and
// forwarding control events to the eventsocket server es. It logs summary
// counts periodically. uuidFor derives the opaque UUID string the
// eventsocket protocol expects for a given connection; callers that don't
// need eventsocket fan-out can pass a NullServer and any uuidFor function.
func Run(ctx context.Context, sink *Sink, sv *saver.Saver, es eventsocket.Server, uuidFor func(types.ConnId) string) Stats {
	var stats Stats
	logTicker := time.NewTicker(time.Minute)
	defer logTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("collector: context canceled, stopping")
			return stats

		case ev := <-sink.Control:
			stats.Control++
			metrics.RingBufferEventCount.WithLabelValues("control").Inc()
			if err := sv.SaveControl(ev); err != nil {
				log.Println("collector: SaveControl:", err)
				metrics.ErrorCount.WithLabelValues("collector_save_control").Inc()
			}
			ts := time.Unix(0, int64(ev.Timestamp))
			uuid := uuidFor(ev.Conn)
			switch ev.Type {
			case types.ControlEventOpen:
				es.FlowCreated(ts, uuid, ev.Conn)
			case types.ControlEventClose:
				es.FlowDeleted(ts, uuid)
			}

		case ev := <-sink.Data:
			stats.Data++
			metrics.RingBufferEventCount.WithLabelValues("data").Inc()
			if err := sv.SaveData(ev); err != nil {
				log.Println("collector: SaveData:", err)
				metrics.ErrorCount.WithLabelValues("collector_save_data").Inc()
			}

		case ev := <-sink.Stats:
			stats.Stats++
			metrics.RingBufferEventCount.WithLabelValues("stats").Inc()
			if err := sv.SaveStats(ev); err != nil {
				log.Println("collector: SaveStats:", err)
				metrics.ErrorCount.WithLabelValues("collector_save_stats").Inc()
			}

		case <-logTicker.C:
			log.Printf("collector: control=%d data=%d stats=%d\n", stats.Control, stats.Data, stats.Stats)
		}
	}
}
