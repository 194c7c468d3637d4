package statistics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

type ConnectionRecordList struct {
	records  map[string]*ConnectionRecord
	mu       sync.RWMutex
	dumpFile string
}

// ConnectionRecord is one live proxied transaction or tunnel.
type ConnectionRecord struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	SrcAddr  string `json:"src"`
	DestAddr string `json:"dest"`
	// Protocol and ServerName are what the tunnel sniffer saw, if anything.
	Protocol   string    `json:"protocol,omitempty"`
	ServerName string    `json:"serverName,omitempty"`
	StartTime  time.Time `json:"start"`
}

func NewConnectionRecordList(dumpFile string) *ConnectionRecordList {
	return &ConnectionRecordList{
		records:  make(map[string]*ConnectionRecord, 500),
		dumpFile: dumpFile,
	}
}

func (l *ConnectionRecordList) Add(record *ConnectionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r, exists := l.records[record.ID]; exists {
		r.Kind = record.Kind
		r.DestAddr = record.DestAddr
		r.Protocol = record.Protocol
		r.ServerName = record.ServerName
		return
	}
	startTime := record.StartTime
	if startTime.IsZero() {
		startTime = time.Now()
	}
	l.records[record.ID] = &ConnectionRecord{
		ID:         record.ID,
		Kind:       record.Kind,
		SrcAddr:    record.SrcAddr,
		DestAddr:   record.DestAddr,
		Protocol:   record.Protocol,
		ServerName: record.ServerName,
		StartTime:  startTime,
	}
}

func (l *ConnectionRecordList) Remove(record *ConnectionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, record.ID)
}

// List returns the live records, newest first.
func (l *ConnectionRecordList) List() []ConnectionRecord {
	l.mu.RLock()
	records := make([]ConnectionRecord, 0, len(l.records))
	for _, r := range l.records {
		records = append(records, *r)
	}
	l.mu.RUnlock()

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartTime.After(records[j].StartTime)
	})
	return records
}

func (l *ConnectionRecordList) Dump() {
	records := l.List()
	dumpTo(l.dumpFile, func(w io.Writer) error {
		for _, record := range records {
			duration := time.Since(record.StartTime)
			proto := record.Protocol
			if proto == "" {
				proto = "-"
			}
			sni := record.ServerName
			if sni == "" {
				sni = "-"
			}
			if _, err := fmt.Fprintf(w, "%s %s %s %s %s %s %d\n",
				record.ID, record.Kind, record.SrcAddr, record.DestAddr, proto, sni, int(duration.Seconds())); err != nil {
				return err
			}
		}
		return nil
	})
}
