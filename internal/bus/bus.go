// Package bus implements the in-process status/log publish-subscribe bus:
// any number of local WebSocket subscribers receive structured log
// records and status snapshots. Its non-blocking, drop-on-full fan-out
// generalizes a single-topic broadcaster into two independent subscriber
// sets serving arbitrary producers.
package bus

import (
	"encoding/json"
	"sync"
	"time"
)

const logRingSize = 500

// LogRecord is one entry replayed to new /ws/logs subscribers.
type LogRecord struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// subscriber is a single WebSocket client's outbound queue. Sends are
// non-blocking: a full queue means the subscriber is slow, and the message
// is dropped for that subscriber rather than letting a producer block on
// it; the subscriber stays subscribed.
type subscriber struct {
	ch chan []byte
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan []byte, 32)}
}

// Bus fans out log records and status snapshots to independent subscriber
// sets. Status snapshots are an opaque json.RawMessage — the bus doesn't
// need to know their shape, only to serialize and broadcast them.
type Bus struct {
	mu sync.Mutex

	logSubs    map[*subscriber]struct{}
	statusSubs map[*subscriber]struct{}

	ring     [logRingSize]LogRecord
	ringLen  int
	ringNext int

	lastStatus json.RawMessage
}

func New() *Bus {
	return &Bus{
		logSubs:    make(map[*subscriber]struct{}),
		statusSubs: make(map[*subscriber]struct{}),
	}
}

// BroadcastLog implements applog.Sink: append to the ring and push to every
// connected log subscriber.
func (b *Bus) BroadcastLog(level, message string) {
	rec := LogRecord{Level: level, Message: message, Timestamp: time.Now().Format("15:04:05")}

	b.mu.Lock()
	b.ring[b.ringNext] = rec
	b.ringNext = (b.ringNext + 1) % logRingSize
	if b.ringLen < logRingSize {
		b.ringLen++
	}
	subs := make([]*subscriber, 0, len(b.logSubs))
	for s := range b.logSubs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	for _, s := range subs {
		select {
		case s.ch <- data:
		default:
		}
	}
}

// BroadcastStatus pushes a new status snapshot to every /ws/status
// subscriber and remembers it as the "current" snapshot for late joiners.
func (b *Bus) BroadcastStatus(status any) {
	data, err := json.Marshal(status)
	if err != nil {
		return
	}

	b.mu.Lock()
	b.lastStatus = data
	subs := make([]*subscriber, 0, len(b.statusSubs))
	for s := range b.statusSubs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- data:
		default:
		}
	}
}

// LogSubscription is returned to a /ws/logs handler: Backlog is the
// already-buffered ring (oldest first), Messages streams live entries
// until Close is called.
type LogSubscription struct {
	Backlog  []LogRecord
	Messages <-chan []byte
	close    func()
}

func (s *LogSubscription) Close() { s.close() }

func (b *Bus) SubscribeLogs() *LogSubscription {
	sub := newSubscriber()

	b.mu.Lock()
	b.logSubs[sub] = struct{}{}
	backlog := make([]LogRecord, b.ringLen)
	start := (b.ringNext - b.ringLen + logRingSize) % logRingSize
	for i := 0; i < b.ringLen; i++ {
		backlog[i] = b.ring[(start+i)%logRingSize]
	}
	b.mu.Unlock()

	return &LogSubscription{
		Backlog:  backlog,
		Messages: sub.ch,
		close: func() {
			b.mu.Lock()
			delete(b.logSubs, sub)
			b.mu.Unlock()
		},
	}
}

// StatusSubscription mirrors LogSubscription for /ws/status: Current is the
// most recently broadcast snapshot (nil if none yet), Messages streams
// subsequent transitions.
type StatusSubscription struct {
	Current  json.RawMessage
	Messages <-chan []byte
	close    func()
}

func (s *StatusSubscription) Close() { s.close() }

func (b *Bus) SubscribeStatus() *StatusSubscription {
	sub := newSubscriber()

	b.mu.Lock()
	b.statusSubs[sub] = struct{}{}
	current := b.lastStatus
	b.mu.Unlock()

	return &StatusSubscription{
		Current:  current,
		Messages: sub.ch,
		close: func() {
			b.mu.Lock()
			delete(b.statusSubs, sub)
			b.mu.Unlock()
		},
	}
}
