package mailbox

import (
	"sort"
	"sync"
)

// PathLocker hands out one mutex per mailbox path. Entries are reference
// counted and dropped once nobody holds or waits for them, so unrelated
// mailboxes never contend.
type PathLocker struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	sync.Mutex
	refs int
}

func NewPathLocker() *PathLocker {
	return &PathLocker{locks: make(map[string]*pathLock)}
}

// Lock blocks until every given path is held and returns the function that
// releases them. Paths are acquired in key order to rule out deadlocks
// between operations touching the same pair of mailboxes.
func (l *PathLocker) Lock(paths ...Path) (unlock func()) {
	keys := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		k := p.Key()
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	held := make([]*pathLock, 0, len(keys))
	for _, k := range keys {
		pl := l.acquire(k)
		pl.Lock()
		held = append(held, pl)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
			l.release(keys[i])
		}
	}
}

func (l *PathLocker) acquire(key string) *pathLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	pl, ok := l.locks[key]
	if !ok {
		pl = &pathLock{}
		l.locks[key] = pl
	}
	pl.refs++
	return pl
}

func (l *PathLocker) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pl := l.locks[key]
	pl.refs--
	if pl.refs == 0 {
		delete(l.locks, key)
	}
}

// size is used by tests to check entries are released.
func (l *PathLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
