package autoreply

import "sync"

// recentSet remembers the last N processed identifiers to suppress duplicate
// replies within the lifetime of the process. Explicitly bounded and
// explicitly non-durable: it resets on restart, which is acceptable because
// it only covers a window of recent traffic.
type recentSet struct {
	mu    sync.Mutex
	cap   int
	order []string
	set   map[string]struct{}
}

func newRecentSet(capacity int) *recentSet {
	if capacity <= 0 {
		capacity = 256
	}
	return &recentSet{cap: capacity, set: make(map[string]struct{}, capacity)}
}

func (r *recentSet) Has(id string) bool {
	if id == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.set[id]
	return ok
}

func (r *recentSet) Add(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[id]; ok {
		return
	}
	if len(r.order) >= r.cap {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.set, oldest)
	}
	r.order = append(r.order, id)
	r.set[id] = struct{}{}
}
