package log

import (
	"io"
	"sync"
)

const (
	subscriberBuffer = 256
	backlogLines     = 64
)

// Broadcaster copies every written log line to its subscribers and keeps the
// most recent lines so a new subscriber starts with some context.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
	backlog     [][]byte
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Write never blocks on a subscriber; a full channel drops the line.
func (b *Broadcaster) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)

	b.mu.Lock()
	if len(b.backlog) == backlogLines {
		b.backlog = append(b.backlog[:0], b.backlog[1:]...)
	}
	b.backlog = append(b.backlog, line)
	for ch := range b.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
	b.mu.Unlock()
	return len(p), nil
}

// Subscribe returns a channel primed with the backlog. Call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan []byte {
	ch := make(chan []byte, subscriberBuffer+backlogLines)
	b.mu.Lock()
	for _, line := range b.backlog {
		ch <- line
	}
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broadcaster) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

var _ io.Writer = (*Broadcaster)(nil)
