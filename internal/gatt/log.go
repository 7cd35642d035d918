package gatt

import (
	"sync"
	"time"

	"github.com/srg/blescope/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Direction classifies a log entry.
type Direction int

const (
	// Received is data that came from the peer (notification, read value, remote write).
	Received Direction = iota
	// Sent is data this tool pushed to the peer (write, server notify).
	Sent
	// Info is a lifecycle message with no payload of interest.
	Info
	// Error records a failed operation.
	Error
)

func (d Direction) String() string {
	switch d {
	case Received:
		return "received"
	case Sent:
		return "sent"
	case Info:
		return "info"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is one immutable record of the notification/event log.
type Entry struct {
	Seq            uint64
	Timestamp      time.Time
	Address        string
	Characteristic device.CharacteristicRef
	Payload        []byte
	Direction      Direction
	Message        string
}

func (e Entry) clone() Entry {
	if e.Payload != nil {
		e.Payload = append([]byte(nil), e.Payload...)
	}
	return e
}

// Log is the append-only, arrival-ordered notification and event log.
// A positive limit keeps only the newest entries. Safe for concurrent use.
type Log struct {
	mu       sync.RWMutex
	entries  *orderedmap.OrderedMap[uint64, Entry]
	last     uint64
	limit    int
	now      func() time.Time
	onAppend func(Entry)
}

// NewLog creates a log bounded to limit entries; 0 keeps everything.
func NewLog(limit int) *Log {
	if limit < 0 {
		limit = 0
	}
	return &Log{
		entries: orderedmap.New[uint64, Entry](),
		limit:   limit,
		now:     time.Now,
	}
}

// OnAppend registers fn to run after every append, outside the log lock.
func (l *Log) OnAppend(fn func(Entry)) {
	l.mu.Lock()
	l.onAppend = fn
	l.mu.Unlock()
}

// Append stamps e with the next sequence number and the current time, and stores it.
func (l *Log) Append(e Entry) Entry {
	e = e.clone()

	l.mu.Lock()
	l.last++
	e.Seq = l.last
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	l.entries.Set(e.Seq, e)
	for l.limit > 0 && l.entries.Len() > l.limit {
		l.entries.Delete(l.entries.Oldest().Key)
	}
	fn := l.onAppend
	l.mu.Unlock()

	if fn != nil {
		fn(e.clone())
	}
	return e
}

func (l *Log) Received(address string, ref device.CharacteristicRef, payload []byte, msg string) Entry {
	return l.Append(Entry{Address: address, Characteristic: ref, Payload: payload, Direction: Received, Message: msg})
}

func (l *Log) Sent(address string, ref device.CharacteristicRef, payload []byte, msg string) Entry {
	return l.Append(Entry{Address: address, Characteristic: ref, Payload: payload, Direction: Sent, Message: msg})
}

func (l *Log) Info(address string, ref device.CharacteristicRef, msg string) Entry {
	return l.Append(Entry{Address: address, Characteristic: ref, Direction: Info, Message: msg})
}

func (l *Log) Error(address string, ref device.CharacteristicRef, err error) Entry {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return l.Append(Entry{Address: address, Characteristic: ref, Direction: Error, Message: msg})
}

// Entries returns every retained entry, oldest first.
func (l *Log) Entries() []Entry {
	return l.Since(0)
}

// Since returns retained entries with a sequence number greater than seq.
func (l *Log) Since(seq uint64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pair := l.entries.GetPair(seq + 1)
	if pair == nil {
		pair = l.entries.Oldest()
		for pair != nil && pair.Key <= seq {
			pair = pair.Next()
		}
	}
	var out []Entry
	for ; pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.clone())
	}
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries.Len()
}

// Clear drops all entries. Sequence numbers keep increasing.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = orderedmap.New[uint64, Entry]()
}
