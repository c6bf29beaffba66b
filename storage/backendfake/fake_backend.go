package backendfake

import (
	"sync"

	"github.com/pkg/errors"
)

// FakeBackend is an in-memory storage backend for tests. FailWrites makes
// every Update return an error without touching state, which is how the
// "storage disabled" login failure path is exercised.
type FakeBackend struct {
	mu         sync.RWMutex
	values     map[string]string
	FailWrites bool

	// Updates counts Update calls, including failed ones.
	Updates int
}

func New() *FakeBackend {
	return &FakeBackend{values: map[string]string{}}
}

func (b *FakeBackend) Get(key string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.values[key]
	return v, ok
}

func (b *FakeBackend) Update(set map[string]string, del []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Updates++
	if b.FailWrites {
		return errors.New("fake backend: writes disabled")
	}
	for k, v := range set {
		b.values[k] = v
	}
	for _, k := range del {
		delete(b.values, k)
	}
	return nil
}

func (b *FakeBackend) Close() error {
	return nil
}

// Len reports how many keys are stored.
func (b *FakeBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.values)
}
