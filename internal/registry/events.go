package registry

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names a registry event.
type EventType string

// Registry events.
const (
	EventMinted   EventType = "CertificateMinted"
	EventVerified EventType = "CertificateVerified"
	EventRevoked  EventType = "CertificateRevoked"
	EventPaused   EventType = "Paused"
	EventUnpaused EventType = "Unpaused"
)

// Event is a log entry emitted by the registry.
type Event struct {
	Type            EventType
	CertificateID   uint64
	Student         common.Address
	CourseID        string
	ContentHash     string
	Caller          common.Address
	TransactionHash common.Hash
	BlockTime       time.Time
}

type eventLog struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newEventLog() *eventLog {
	return &eventLog{subs: make(map[int]chan Event)}
}

// emit delivers to every subscriber without blocking; slow subscribers miss events.
func (l *eventLog) emit(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (l *eventLog) subscribe(buffer int) (<-chan Event, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.next
	l.next++
	ch := make(chan Event, buffer)
	l.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs, id)
			close(ch)
		})
	}
}
