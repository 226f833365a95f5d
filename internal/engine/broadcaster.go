package engine

import "sync"

// Broadcaster fans engine states out to the web socket, the MQTT state
// publisher and the session recorder. A subscriber that falls behind loses
// intermediate states but always ends up holding the newest one.
type Broadcaster struct {
	mu     sync.RWMutex
	seq    int
	subs   map[int]chan State
	latest *State
	done   bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[int]chan State{}}
}

// Subscribe registers a listener with the given channel depth (2 when <= 0)
// and primes it with the latest state. After Close it returns a closed
// channel and id -1.
func (b *Broadcaster) Subscribe(buffer int) (int, <-chan State) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 2
	}
	ch := make(chan State, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		close(ch)
		return -1, ch
	}
	b.seq++
	b.subs[b.seq] = ch
	if b.latest != nil {
		ch <- *b.latest
	}
	return b.seq, ch
}

func (b *Broadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

func (b *Broadcaster) Publish(st State) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.latest = &st
	for _, ch := range b.subs {
		offerNewest(ch, st)
	}
}

// offerNewest sends st, evicting the oldest queued value if ch is full.
func offerNewest(ch chan State, st State) {
	for {
		select {
		case ch <- st:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (b *Broadcaster) Last() (State, bool) {
	if b == nil {
		return State{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.latest == nil {
		return State{}, false
	}
	return *b.latest, true
}

// Close closes every subscriber channel; later publishes are dropped.
func (b *Broadcaster) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.done = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
