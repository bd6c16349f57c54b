package envmgr

import (
	"errors"
	"sync"
)

// ErrNoCacheDBs is returned when every logical cache database index is
// already claimed by a live resource.
var ErrNoCacheDBs = errors.New("no free logical cache database index")

// indexAllocator hands out logical cache database indices in [1, max].
// Index 0 is left alone so shared tooling pointed at the default database
// never collides with an isolated test.
type indexAllocator struct {
	mu   sync.Mutex
	max  int
	used map[int]bool
}

func newIndexAllocator(max int) *indexAllocator {
	return &indexAllocator{max: max, used: make(map[int]bool)}
}

// Allocate claims the lowest free index.
func (a *indexAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 1; i <= a.max; i++ {
		if !a.used[i] {
			a.used[i] = true
			return i, nil
		}
	}
	return 0, ErrNoCacheDBs
}

// Release returns an index to the free set. Releasing an unclaimed index is
// a no-op.
func (a *indexAllocator) Release(i int) {
	a.mu.Lock()
	delete(a.used, i)
	a.mu.Unlock()
}
