package replication

import "sync/atomic"

// Pointer is the publish pointer: the single reference to the current snapshot.
// Loads never block, a publish is one atomic swap.
type Pointer struct {
	current atomic.Pointer[Snapshot]
}

func (p *Pointer) Load() *Snapshot {
	return p.current.Load()
}

// Acquire returns the current snapshot with a reference held on it.
// A snapshot retired between the load and the reference is given back and
// the load retried, so the caller never holds storage that is being reclaimed.
func (p *Pointer) Acquire() (*Snapshot, error) {
	for {
		s := p.current.Load()
		if s == nil {
			return nil, ErrNoSnapshot
		}
		s.refs.Add(1)
		if !s.retired.Load() {
			return s, nil
		}
		s.Release()
	}
}

// Swap makes next current and retires the snapshot it replaces.
// The replaced snapshot is reclaimed as soon as no reader holds it.
func (p *Pointer) Swap(next *Snapshot) *Snapshot {
	prev := p.current.Swap(next)
	if prev != nil && prev != next {
		prev.Retire()
	}
	return prev
}

// Clear empties the pointer without retiring anything.
func (p *Pointer) Clear() *Snapshot {
	return p.current.Swap(nil)
}
