package docstore

import "sync"

// changeFeed fans collection change signals out to subscriptions. Signals are
// coalesced: a subscriber that has not consumed the previous signal misses nothing
// because it re-reads the whole query result.
type changeFeed struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]chan struct{}
	nextID      int64
}

func newChangeFeed() *changeFeed {
	return &changeFeed{
		subscribers: make(map[string]map[int64]chan struct{}),
	}
}

func (f *changeFeed) register(collection string) (<-chan struct{}, func()) {
	signal := make(chan struct{}, 1)
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	if _, ok := f.subscribers[collection]; !ok {
		f.subscribers[collection] = make(map[int64]chan struct{})
	}
	f.subscribers[collection][id] = signal
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.unregister(collection, id)
		})
	}
	return signal, cancel
}

func (f *changeFeed) publish(collection string) {
	if collection == "" {
		return
	}
	f.mu.RLock()
	subscribers := f.subscribers[collection]
	copies := make([]chan struct{}, 0, len(subscribers))
	for _, signal := range subscribers {
		copies = append(copies, signal)
	}
	f.mu.RUnlock()
	for _, signal := range copies {
		select {
		case signal <- struct{}{}:
		default:
		}
	}
}

func (f *changeFeed) subscriberCount(collection string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers[collection])
}

func (f *changeFeed) unregister(collection string, id int64) {
	f.mu.Lock()
	subscribers := f.subscribers[collection]
	if subscribers != nil {
		delete(subscribers, id)
		if len(subscribers) == 0 {
			delete(f.subscribers, collection)
		}
	}
	f.mu.Unlock()
}
