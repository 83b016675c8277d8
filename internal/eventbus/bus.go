package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published for live dashboards.
const (
	TypeChatMessageNew = "chat:message:new"
	TypeCaseNew        = "case:new"
	TypeStatsUpdate    = "stats:update"
	TypeCampaignUpdate = "campaign:update"
)

// Event is an in-process notification. Data should be JSON serializable.
type Event struct {
	Type   string    `json:"type"`
	Time   time.Time `json:"time"`
	Tenant string    `json:"tenant,omitempty"`
	BotID  string    `json:"botId,omitempty"`
	Data   any       `json:"data,omitempty"`
}

// Bus is the live-update broadcaster. Publish never blocks and never fails
// the caller; slow subscribers lose events.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus with no goroutines of its own.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a buffered subscriber. unsubscribe closes the channel.
func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}
