// Main package in csvtool implements a command line tool for converting
// saver-written event files (varint-framed JSON records, optionally zstd
// compressed) into CSV.
package main

import (
	"bufio"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/socket-tracer/saver"
	"github.com/m-lab/socket-tracer/zstd"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	// A variable to enable mocking for testing.
	logFatal = log.Fatal
)

// Row is one flattened event, spanning every field any of the three record
// kinds can populate. Only the columns relevant to Kind are filled in for a
// given row, and the rest keep their zero values; gocsv still emits every column so the sheet stays rectangular
// across kinds.
type Row struct {
	Kind      string `csv:"Kind"`
	Timestamp string `csv:"Timestamp"`
	TGID      uint32 `csv:"TGID"`
	Fd        int32  `csv:"Fd"`
	Tsid      uint64 `csv:"Tsid"`

	// Control fields.
	Role       string `csv:"Role"`
	Protocol   string `csv:"Protocol"`
	LocalPort  uint16 `csv:"LocalPort"`
	RemotePort uint16 `csv:"RemotePort"`
	Closed     bool   `csv:"Closed"`

	// Data fields.
	Direction     string `csv:"Direction"`
	Position      uint64 `csv:"Position"`
	MsgSize       uint32 `csv:"MsgSize"`
	CapturedBytes int    `csv:"CapturedBytes"`

	// Stats fields.
	WriteBytes uint64 `csv:"WriteBytes"`
	ReadBytes  uint64 `csv:"ReadBytes"`
	IsClose    bool   `csv:"IsClose"`
}

// readRecords reads every varint-framed Record from rdr until EOF.
func readRecords(rdr io.Reader) ([]*saver.Record, error) {
	br := bufio.NewReader(rdr)
	var records []*saver.Record
	for {
		rec, err := saver.ReadFramed(br)
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}

// toRows flattens records into Rows, one per record, in the order read.
func toRows(records []*saver.Record) []*Row {
	rows := make([]*Row, 0, len(records))
	for _, rec := range records {
		switch {
		case rec.Control != nil:
			ev := rec.Control
			rows = append(rows, &Row{
				Kind:       "control",
				Timestamp:  strconv.FormatUint(ev.Timestamp, 10),
				TGID:       ev.Conn.Upid.TGID,
				Fd:         ev.Conn.Fd,
				Tsid:       ev.Conn.Tsid,
				Role:       ev.Info.Role.String(),
				Protocol:   ev.Info.Protocol.String(),
				LocalPort:  ev.Info.Local.Port,
				RemotePort: ev.Info.Remote.Port,
				Closed:     ev.Info.Closed,
			})
		case rec.Data != nil:
			ev := rec.Data
			rows = append(rows, &Row{
				Kind:          "data",
				Timestamp:     strconv.FormatUint(ev.Timestamp, 10),
				TGID:          ev.Conn.Upid.TGID,
				Fd:            ev.Conn.Fd,
				Tsid:          ev.Conn.Tsid,
				Direction:     ev.Direction.String(),
				Position:      ev.Position,
				MsgSize:       ev.MsgSize,
				CapturedBytes: ev.MsgBufSize(),
			})
		case rec.Stats != nil:
			ev := rec.Stats
			rows = append(rows, &Row{
				Kind:       "stats",
				Timestamp:  strconv.FormatUint(ev.Timestamp, 10),
				TGID:       ev.Conn.Upid.TGID,
				Fd:         ev.Conn.Fd,
				Tsid:       ev.Conn.Tsid,
				WriteBytes: ev.WriteBytes,
				ReadBytes:  ev.ReadBytes,
				IsClose:    ev.IsCloseFlag,
			})
		}
	}
	return rows
}

func toCSV(records []*saver.Record, wtr io.Writer) error {
	return gocsv.Marshal(toRows(records), wtr)
}

// openFile either opens a file, or opens and unzips a file that ends with .zst
func openFile(fn string) (io.ReadCloser, error) {
	if strings.HasSuffix(fn, ".zst") {
		return zstd.NewReader(fn), nil
	}
	return os.Open(fn)
}

// TODO handle gs: filenames.
func main() {
	args := os.Args[1:]

	var source io.ReadCloser
	var err error
	source = os.Stdin
	if len(args) == 1 {
		source, err = openFile(args[0])
		rtx.Must(err, "Could not open file %q", args[0])
	} else if len(args) > 1 {
		logFatal("Too many command-line arguments.")
	}
	defer source.Close()

	records, err := readRecords(source)
	rtx.Must(err, "Could not read records")
	rtx.Must(toCSV(records, os.Stdout), "Could not convert input to CSV")
}
