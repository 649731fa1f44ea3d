// Package saver contains all logic for writing traced events to files.
//  1. Sets up channels of marshalling Tasks, fanned out by connection key.
//  2. Maintains a map of Connections, one output file per traced ConnId.
//  3. Uses several marshaller goroutines to frame events and write them to
//     zstd files.
//  4. Rotates a connection's output file every FileAgeLimit for long
//     lasting connections.
package saver

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/m-lab/socket-tracer/metrics"
	"github.com/m-lab/socket-tracer/types"
	"github.com/m-lab/socket-tracer/zstd"
)

// Errors generated by saver functions.
var (
	ErrNoMarshallers = errors.New("Saver has zero Marshallers")
)

// Record is the wire-level envelope every event is framed in before being
// length-prefixed and written to disk. Exactly one of Control, Data, Stats
// is populated, mirroring the three ring-buffer record kinds.
type Record struct {
	Control *types.SocketControlEvent `json:",omitempty"`
	Data    *types.SocketDataEvent    `json:",omitempty"`
	Stats   *types.ConnStatsEvent     `json:",omitempty"`
}

// Task represents a single marshalling task, specifying the record and the
// writer it should be framed onto. A nil Writer is invalid; a nil Record
// means close the writer.
type Task struct {
	Record *Record
	Writer io.WriteCloser
}

// MarshalChan is a channel of marshalling tasks.
type MarshalChan chan<- Task

// writeFramed writes rec to w as a varint-prefixed JSON record: the same
// length-prefix framing the teacher uses for its protobuf payloads, with a
// JSON-encoded Record in place of a generated protobuf message.
func writeFramed(w io.Writer, rec *Record) error {
	wire, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	size := make([]byte, binary.MaxVarintLen64)
	lsize := binary.PutUvarint(size, uint64(len(wire)))
	if _, err := w.Write(size[:lsize]); err != nil {
		return err
	}
	_, err = w.Write(wire)
	return err
}

// ReadFramed reads a single varint-length-prefixed JSON Record from r, the
// inverse of writeFramed. It returns io.EOF (unwrapped) once r is exhausted
// at a frame boundary.
func ReadFramed(r *bufio.Reader) (*Record, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	wire := make([]byte, size)
	if _, err := io.ReadFull(r, wire); err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(wire, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func runMarshaller(taskChan <-chan Task, wg *sync.WaitGroup) {
	for task := range taskChan {
		if task.Record == nil {
			task.Writer.Close()
			continue
		}
		if task.Writer == nil {
			log.Fatal("Nil writer")
		}
		if err := writeFramed(task.Writer, task.Record); err != nil {
			log.Println(err)
			metrics.ErrorCount.WithLabelValues("saver_write").Inc()
		}
	}
	log.Println("Marshaller Done")
	wg.Done()
}

// NewMarshaller starts a marshalling goroutine and returns the channel of
// tasks it drains, registering its completion on wg.
func NewMarshaller(wg *sync.WaitGroup) MarshalChan {
	marshChan := make(chan Task, 100)
	wg.Add(1)
	go runMarshaller(marshChan, wg)
	return marshChan
}

// Connection holds all output state for a single traced connection.
type Connection struct {
	ID         types.ConnId
	StartTime  time.Time // Time the connection was first observed.
	Sequence   int       // Typically zero, but increments for long running connections.
	Expiration time.Time // Time we will swap files and increment Sequence.
	Writer     io.WriteCloser
}

// NewConnection builds a Connection record for id, first observed at
// timestamp.
func NewConnection(id types.ConnId, timestamp time.Time) *Connection {
	return &Connection{ID: id, StartTime: timestamp, Expiration: time.Now()}
}

// Rotate opens the next writer for a connection, naming the file after the
// connection's identity and start time so that per-connection archives
// never collide.
func (conn *Connection) Rotate(fileAgeLimit time.Duration) error {
	date := conn.StartTime.Format("20060102Z150405.000")
	name := fmt.Sprintf("%sT%dF%dS%d_%05d.zst", date, conn.ID.Upid.TGID, conn.ID.Fd, conn.ID.Tsid, conn.Sequence)
	var err error
	conn.Writer, err = zstd.NewWriter(name)
	if err != nil {
		return err
	}
	metrics.NewFileCount.Inc()
	conn.Expiration = conn.Expiration.Add(fileAgeLimit)
	conn.Sequence++
	return nil
}

// Stats reports basic counts of what the saver has processed, for logging.
type Stats struct {
	TotalCount   int
	NewCount     int
	ExpiredCount int
}

// Print prints out some basic stats about saver use.
func (stats *Stats) Print() {
	log.Printf("Saver stats: total %d new %d closed %d\n",
		stats.TotalCount, stats.NewCount, stats.ExpiredCount)
}

// Saver fans traced events out to one rotating output file per connection,
// via a pool of marshalling goroutines so that a single slow write never
// blocks the collector's drain loop.
type Saver struct {
	FileAgeLimit time.Duration
	MarshalChans []MarshalChan
	Done         *sync.WaitGroup // All marshallers will call Done on this.
	Connections  map[uint64]*Connection

	mu    sync.Mutex
	stats Stats
}

// NewSaver creates a new Saver. numMarshaller controls how many marshalling
// goroutines are used to distribute the write workload across connections.
func NewSaver(numMarshaller int) *Saver {
	m := make([]MarshalChan, 0, numMarshaller)
	wg := &sync.WaitGroup{}
	for i := 0; i < numMarshaller; i++ {
		m = append(m, NewMarshaller(wg))
	}
	return &Saver{
		FileAgeLimit: 10 * time.Minute,
		MarshalChans: m,
		Done:         wg,
		Connections:  make(map[uint64]*Connection, 500),
	}
}

func registryKey(id types.ConnId) uint64 {
	return types.RegistryKey(id.Upid.TGID, id.Fd)
}

// connFor returns the Connection for id, creating and rotating a fresh one
// (with a fresh output file) if none is tracked yet or the previous one has
// aged out.
func (svr *Saver) connFor(id types.ConnId, timestamp time.Time) (*Connection, MarshalChan, error) {
	key := registryKey(id)
	if len(svr.MarshalChans) < 1 {
		return nil, nil, ErrNoMarshallers
	}
	q := svr.MarshalChans[int(key%uint64(len(svr.MarshalChans)))]

	conn, ok := svr.Connections[key]
	if !ok || conn.ID.Tsid != id.Tsid {
		if ok {
			// A new incarnation reused this (tgid, fd); close out the old
			// file before starting the new one.
			svr.endConn(key)
		}
		conn = NewConnection(id, timestamp)
		svr.Connections[key] = conn
	}
	if time.Now().After(conn.Expiration) && conn.Writer != nil {
		q <- Task{nil, conn.Writer}
		conn.Writer = nil
	}
	if conn.Writer == nil {
		if err := conn.Rotate(svr.FileAgeLimit); err != nil {
			return nil, nil, err
		}
	}
	return conn, q, nil
}

// SaveControl queues a SocketControlEvent for writing.
func (svr *Saver) SaveControl(ev types.SocketControlEvent) error {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.stats.TotalCount++
	conn, q, err := svr.connFor(ev.Conn, time.Unix(0, int64(ev.Timestamp)))
	if err != nil {
		return err
	}
	if ev.Type == types.ControlEventOpen {
		svr.stats.NewCount++
	}
	q <- Task{&Record{Control: &ev}, conn.Writer}
	if ev.Type == types.ControlEventClose {
		svr.endConnLocked(registryKey(ev.Conn))
		svr.stats.ExpiredCount++
	}
	return nil
}

// SaveData queues a SocketDataEvent for writing.
func (svr *Saver) SaveData(ev types.SocketDataEvent) error {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.stats.TotalCount++
	conn, q, err := svr.connFor(ev.Conn, time.Unix(0, int64(ev.Timestamp)))
	if err != nil {
		return err
	}
	q <- Task{&Record{Data: &ev}, conn.Writer}
	return nil
}

// SaveStats queues a ConnStatsEvent for writing.
func (svr *Saver) SaveStats(ev types.ConnStatsEvent) error {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.stats.TotalCount++
	conn, q, err := svr.connFor(ev.Conn, time.Unix(0, int64(ev.Timestamp)))
	if err != nil {
		return err
	}
	q <- Task{&Record{Stats: &ev}, conn.Writer}
	return nil
}

// endConn closes and forgets key's connection's writer, if any. Callers
// must already hold svr.mu; it is a thin alias for endConnLocked kept so
// the call sites read as "end this connection" rather than exposing the
// locking detail at each use.
func (svr *Saver) endConn(key uint64) {
	svr.endConnLocked(key)
}

func (svr *Saver) endConnLocked(key uint64) {
	conn, ok := svr.Connections[key]
	if !ok || conn.Writer == nil {
		return
	}
	q := svr.MarshalChans[key%uint64(len(svr.MarshalChans))]
	q <- Task{nil, conn.Writer}
	conn.Writer = nil
	delete(svr.Connections, key)
}

// Close shuts down all the marshallers, and waits for all files to be closed.
func (svr *Saver) Close() {
	svr.mu.Lock()
	log.Println("Terminating Saver")
	log.Println("Total of", len(svr.Connections), "connections active.")
	for key := range svr.Connections {
		svr.endConnLocked(key)
	}
	svr.mu.Unlock()

	log.Println("Closing Marshallers")
	for i := range svr.MarshalChans {
		close(svr.MarshalChans[i])
	}
	svr.Done.Wait()
}

// Stats returns a copy of the saver's running Stats.
func (svr *Saver) Stats() Stats {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	return svr.stats
}
