package event

import (
	"sync"

	"github.com/whha111/meme-perp-dex-sub000/internal/observability"
)

// Bus is a topic-keyed fan-out. Publish never blocks: a subscriber that
// cannot keep up has events dropped, the same contract the risk loop
// requires of everything downstream of it. Subscribers that must not miss
// events (none in this core) would consume from their own durable source.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]chan interface{}
	metrics *observability.Metrics
}

func NewBus(metrics *observability.Metrics) *Bus {
	return &Bus{
		subs:    make(map[string][]chan interface{}),
		metrics: metrics,
	}
}

// Subscribe returns a buffered channel receiving every event published to
// topic from now on.
func (b *Bus) Subscribe(topic string, buffer int) <-chan interface{} {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan interface{}, buffer)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return ch
}

// Publish fans the event out to all topic subscribers, dropping on full.
func (b *Bus) Publish(topic string, evt interface{}) {
	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			if b.metrics != nil {
				b.metrics.EventsDropped.WithLabelValues(topic).Inc()
			}
		}
	}
}
