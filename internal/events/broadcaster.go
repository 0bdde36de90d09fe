package events

import "sync"

const defaultHistory = 200

// Broadcaster fans events out to subscribers and keeps a bounded history so
// late subscribers can replay recent output. Slow subscribers lose events
// rather than blocking the emitter.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[chan Event]struct{}
	history []Event
	maxHist int
	bufSize int
}

func NewBroadcaster(historySize int) *Broadcaster {
	if historySize <= 0 {
		historySize = defaultHistory
	}
	return &Broadcaster{
		clients: make(map[chan Event]struct{}),
		history: make([]Event, 0, historySize),
		maxHist: historySize,
		bufSize: 256,
	}
}

// Subscribe registers a client and returns up to historyLines of the most
// recent events alongside the live channel. cancel must be called to release it.
func (b *Broadcaster) Subscribe(historyLines int) (ch <-chan Event, history []Event, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := make(chan Event, b.bufSize)
	b.clients[c] = struct{}{}

	if historyLines > 0 && len(b.history) > 0 {
		start := len(b.history) - historyLines
		if start < 0 {
			start = 0
		}
		history = make([]Event, len(b.history)-start)
		copy(history, b.history[start:])
	}

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, c)
			close(c)
			b.mu.Unlock()
		})
	}
	return c, history, cancel
}

// Emit implements Sink.
func (b *Broadcaster) Emit(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.history) >= b.maxHist {
		b.history = b.history[1:]
	}
	b.history = append(b.history, e)

	for c := range b.clients {
		select {
		case c <- e:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
