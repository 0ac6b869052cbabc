package ledger

import (
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// accountLocks serializes units of work per account inside the process. Locks are taken in
// sorted id order. Whole-ledger jobs (daily tax) take the global lock exclusively.
type accountLocks struct {
	global sync.RWMutex
	byID   *xsync.Map[string, *sync.Mutex]
}

func newAccountLocks() *accountLocks {
	return &accountLocks{byID: xsync.NewMap[string, *sync.Mutex]()}
}

func (l *accountLocks) lock(ids ...string) func() {
	sorted := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	l.global.RLock()
	held := make([]*sync.Mutex, 0, len(sorted))
	for _, id := range sorted {
		mu, _ := l.byID.LoadOrStore(id, &sync.Mutex{})
		mu.Lock()
		held = append(held, mu)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
		l.global.RUnlock()
	}
}

func (l *accountLocks) lockAll() func() {
	l.global.Lock()
	return l.global.Unlock
}
