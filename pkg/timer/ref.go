package timer

import "sync/atomic"

// Ref is a caller-held handle to a timer: the slot index and the generation
// the slot had when the timer was armed. The zero value is an empty handle.
// The engine clears the Ref when its timer finishes or is canceled, so a Ref
// never resolves to a later timer that reuses the same worker.
type Ref struct {
	v atomic.Uint64
}

// Active reports whether the handle currently names a timer. The answer may
// be stale by the time the caller acts on it.
func (r *Ref) Active() bool {
	return r.v.Load() != 0
}

func (r *Ref) store(index, gen uint32) {
	r.v.Store(pack(index, gen))
}

func (r *Ref) load() (index, gen uint32, ok bool) {
	v := r.v.Load()
	if v == 0 {
		return 0, 0, false
	}
	return uint32(v>>32) - 1, uint32(v), true
}

func (r *Ref) clearIf(index, gen uint32) {
	r.v.CompareAndSwap(pack(index, gen), 0)
}

func pack(index, gen uint32) uint64 {
	return uint64(index+1)<<32 | uint64(gen)
}
