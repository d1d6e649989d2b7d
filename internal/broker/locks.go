package broker

import "sync"

// TenantLocks hands out one mutex per tenant key. Entries are reference counted
// and dropped once no goroutine holds or waits on them.
type TenantLocks struct {
	mu    sync.Mutex
	locks map[string]*tenantLock
}

type tenantLock struct {
	mu   sync.Mutex
	refs int
}

// NewTenantLocks creates an empty lock table.
func NewTenantLocks() *TenantLocks {
	return &TenantLocks{locks: make(map[string]*tenantLock)}
}

// Lock blocks until key is exclusively held and returns the matching unlock.
func (t *TenantLocks) Lock(key string) func() {
	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &tenantLock{}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			t.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(t.locks, key)
			}
			t.mu.Unlock()
		})
	}
}

// Len returns the number of live lock entries.
func (t *TenantLocks) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
