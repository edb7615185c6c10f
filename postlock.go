package skyposter

import "sync"

// postLocks serializes work per post ID. Entries are dropped once no caller
// holds or waits for them.
type postLocks struct {
	mu    sync.Mutex
	locks map[int64]*postLock
}

type postLock struct {
	sync.Mutex
	refs int
}

// lock blocks until id is free and returns the matching unlock.
func (p *postLocks) lock(id int64) func() {
	p.mu.Lock()
	if p.locks == nil {
		p.locks = make(map[int64]*postLock)
	}
	l := p.locks[id]
	if l == nil {
		l = &postLock{}
		p.locks[id] = l
	}
	l.refs++
	p.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, id)
		}
		p.mu.Unlock()
	}
}

func (p *postLocks) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
