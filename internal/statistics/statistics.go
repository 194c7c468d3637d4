// Package statistics keeps URL rewrite and live connection records and
// periodically dumps them to the log directory.
package statistics

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

const dumpInterval = 5 * time.Second

// Recorder owns every record list and the dump loop.
type Recorder struct {
	Rewrites    *RewriteRecordList
	Connections *ConnectionRecordList

	stop chan struct{}
	once sync.Once
}

// New creates a recorder whose dump files are produced by path.
func New(path func(name string) string) *Recorder {
	return &Recorder{
		Rewrites:    NewRewriteRecordList(path("rewrite_stats")),
		Connections: NewConnectionRecordList(path("conn_stats")),
		stop:        make(chan struct{}),
	}
}

func (r *Recorder) Run() {
	go func() {
		ticker := time.NewTicker(dumpInterval)
		defer ticker.Stop()
		for {
			select {
			case record := <-r.Rewrites.recordAddChan:
				r.Rewrites.Add(record)
			case <-ticker.C:
				r.Dump()
			case <-r.stop:
				r.Dump()
				return
			}
		}
	}()
}

func (r *Recorder) Close() error {
	r.once.Do(func() { close(r.stop) })
	return nil
}

func (r *Recorder) Dump() {
	r.Rewrites.Dump()
	r.Connections.Dump()
}

// AddRewriteRecord queues a URL rewrite without blocking the caller.
func (r *Recorder) AddRewriteRecord(host, from, to string) {
	select {
	case r.Rewrites.recordAddChan <- &RewriteRecord{Host: host, From: from, To: to}:
	default:
		slog.Debug("rewrite record dropped", slog.String("host", host))
	}
}

func (r *Recorder) AddConnectionRecord(record *ConnectionRecord) {
	r.Connections.Add(record)
}

func (r *Recorder) RemoveConnectionRecord(record *ConnectionRecord) {
	r.Connections.Remove(record)
}

// Snapshot is the JSON view served by the API.
type Snapshot struct {
	Rewrites    []RewriteRecord    `json:"rewrites"`
	Connections []ConnectionRecord `json:"connections"`
}

func (r *Recorder) Snapshot() Snapshot {
	return Snapshot{
		Rewrites:    r.Rewrites.List(),
		Connections: r.Connections.List(),
	}
}

func dumpTo(file string, write func(w io.Writer) error) {
	f, err := os.Create(file)
	if err != nil {
		slog.Error("os.Create", slog.Any("error", err))
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Error("os.File.Close", slog.Any("error", err))
		}
	}()
	w := bufio.NewWriter(f)
	if err := write(w); err != nil {
		slog.Error("Dump", slog.String("file", file), slog.Any("error", err))
	}
	if err := w.Flush(); err != nil {
		slog.Error("bufio.Writer.Flush", slog.Any("error", err))
	}
}
