package statistics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

type RewriteRecordList struct {
	recordAddChan chan *RewriteRecord
	records       map[string]*RewriteRecord
	mu            sync.RWMutex
	dumpFile      string
}

// RewriteRecord counts the rewrites of one original URL on a host.
type RewriteRecord struct {
	Host     string    `json:"host"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"lastSeen"`
}

func NewRewriteRecordList(dumpFile string) *RewriteRecordList {
	return &RewriteRecordList{
		recordAddChan: make(chan *RewriteRecord, 100),
		records:       make(map[string]*RewriteRecord, 300),
		dumpFile:      dumpFile,
	}
}

func (l *RewriteRecordList) Add(record *RewriteRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := record.Host + " " + record.From
	if r, exists := l.records[key]; exists {
		r.Count++
		r.To = record.To
		r.LastSeen = time.Now()
		return
	}
	l.records[key] = &RewriteRecord{
		Host:     record.Host,
		From:     record.From,
		To:       record.To,
		Count:    1,
		LastSeen: time.Now(),
	}
}

// List returns the records ordered by count, highest first.
func (l *RewriteRecordList) List() []RewriteRecord {
	l.mu.RLock()
	records := make([]RewriteRecord, 0, len(l.records))
	for _, r := range l.records {
		records = append(records, *r)
	}
	l.mu.RUnlock()

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Count != records[j].Count {
			return records[i].Count > records[j].Count
		}
		return records[i].From < records[j].From
	})
	return records
}

func (l *RewriteRecordList) Dump() {
	records := l.List()
	dumpTo(l.dumpFile, func(w io.Writer) error {
		for _, record := range records {
			if _, err := fmt.Fprintf(w, "%s %d %s %s\n", record.Host, record.Count, record.From, record.To); err != nil {
				return err
			}
		}
		return nil
	})
}
