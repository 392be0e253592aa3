package calsync

import (
	"sync"
	"sync/atomic"
	"time"
)

type ChangeNotice struct {
	Source     Source     `json:"source"`
	ID         string     `json:"id"`
	ChangeType ChangeType `json:"changeType"`
	Seq        uint64     `json:"seq"`
	At         time.Time  `json:"at"`
}

// ChangeFeed fans committed cache changes out to subscribers. Publishing
// never blocks; a subscriber whose buffer is full misses the notice and the
// miss is counted.
type ChangeFeed struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]chan ChangeNotice
	dropped atomic.Uint64
}

func NewChangeFeed() *ChangeFeed {
	return &ChangeFeed{subs: map[uint64]chan ChangeNotice{}}
}

// Subscribe returns a channel of notices and a cancel func that closes it.
func (f *ChangeFeed) Subscribe(buffer int) (<-chan ChangeNotice, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan ChangeNotice, buffer)
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *ChangeFeed) Publish(notices ...ChangeNotice) {
	if f == nil || len(notices) == 0 {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		for _, notice := range notices {
			select {
			case ch <- notice:
			default:
				f.dropped.Add(1)
			}
		}
	}
}

func (f *ChangeFeed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

func (f *ChangeFeed) Dropped() uint64 {
	return f.dropped.Load()
}
