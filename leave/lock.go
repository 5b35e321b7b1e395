package leave

import "sync"

// KeyedMutex serializes work per Account. Unrelated accounts never contend.
// Idle keys are released so the map does not grow with every employee seen.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[Account]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[Account]*refLock)}
}

// Lock acquires the lock for acct and returns its release function.
func (k *KeyedMutex) Lock(acct Account) func() {
	k.mu.Lock()
	l, ok := k.locks[acct]
	if !ok {
		l = &refLock{}
		k.locks[acct] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, acct)
		}
		k.mu.Unlock()
	}
}

// held returns the number of keys currently tracked.
func (k *KeyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
