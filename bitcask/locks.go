package bitcask

import "sync"

// LockRegistry hands out one mutex per key. Entries are never evicted, so
// every caller asking for the same key gets the same mutex.
type LockRegistry struct {
	locks sync.Map
}

func (r *LockRegistry) LockFor(key string) *sync.Mutex {
	if mu, ok := r.locks.Load(key); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := r.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Len counts the keys that have been handed a mutex.
func (r *LockRegistry) Len() int {
	n := 0
	r.locks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
