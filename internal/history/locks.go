package history

import "sync"

// chatLocks hands out one mutex per chat, created on first use and dropped
// once nobody holds or waits for it. lockAll excludes every chat at once.
type chatLocks struct {
	global sync.RWMutex

	mu      sync.Mutex
	entries map[int64]*chatLock
}

type chatLock struct {
	sync.Mutex
	refs int
}

func newChatLocks() *chatLocks {
	return &chatLocks{entries: make(map[int64]*chatLock)}
}

func (l *chatLocks) lock(chatID int64) func() {
	l.global.RLock()

	l.mu.Lock()
	entry, ok := l.entries[chatID]
	if !ok {
		entry = &chatLock{}
		l.entries[chatID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, chatID)
		}
		l.mu.Unlock()
		l.global.RUnlock()
	}
}

func (l *chatLocks) lockAll() func() {
	l.global.Lock()
	return l.global.Unlock
}

func (l *chatLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
