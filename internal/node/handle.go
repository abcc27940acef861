package node

import (
	"fmt"
	"sync"

	"github.com/babelcloud/gbox/packages/camserver/internal/status"
)

type handleKind uint8

const (
	kindSource handleKind = 1
	kindSink   handleKind = 2
)

// Handle identifies a source or sink. It packs a slot index, the node kind
// and a generation, so a handle to a destroyed node stays invalid even
// after its slot is reused. The zero Handle is never valid.
type Handle uint64

func makeHandle(kind handleKind, index int, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(kind)<<24 | uint64(index)&0xffffff)
}

func (h Handle) kind() handleKind { return handleKind(h >> 24 & 0xff) }
func (h Handle) index() int       { return int(h & 0xffffff) }
func (h Handle) gen() uint32      { return uint32(h >> 32) }

func (h Handle) IsSource() bool { return h.kind() == kindSource }
func (h Handle) IsSink() bool   { return h.kind() == kindSink }

func (h Handle) String() string {
	switch h.kind() {
	case kindSource:
		return fmt.Sprintf("source:%d.%d", h.index(), h.gen())
	case kindSink:
		return fmt.Sprintf("sink:%d.%d", h.index(), h.gen())
	}
	return fmt.Sprintf("handle:%#x", uint64(h))
}

type slot[T any] struct {
	gen  uint32
	used bool
	val  T
}

// arena stores nodes of one kind behind generation-checked handles.
type arena[T any] struct {
	mu    sync.RWMutex
	kind  handleKind
	slots []slot[T]
	free  []int
}

func newArena[T any](kind handleKind) *arena[T] {
	return &arena[T]{kind: kind}
}

// insert allocates a slot and stores newVal(handle). newVal runs under the
// arena lock and must not call back into the arena.
func (a *arena[T]) insert(newVal func(Handle) T) (Handle, T) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var i int
	if n := len(a.free); n > 0 {
		i = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot[T]{})
		i = len(a.slots) - 1
	}
	s := &a.slots[i]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.used = true
	h := makeHandle(a.kind, i, s.gen)
	s.val = newVal(h)
	return h, s.val
}

func (a *arena[T]) check(h Handle) (int, error) {
	if h.kind() != a.kind {
		if h.kind() == kindSource || h.kind() == kindSink {
			return 0, status.ErrWrongHandleSubtype
		}
		return 0, status.ErrInvalidHandle
	}
	i := h.index()
	if i >= len(a.slots) || !a.slots[i].used || a.slots[i].gen != h.gen() {
		return 0, status.ErrInvalidHandle
	}
	return i, nil
}

func (a *arena[T]) get(h Handle) (T, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var zero T
	i, err := a.check(h)
	if err != nil {
		return zero, err
	}
	return a.slots[i].val, nil
}

func (a *arena[T]) remove(h Handle) (T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var zero T
	i, err := a.check(h)
	if err != nil {
		return zero, err
	}
	v := a.slots[i].val
	a.slots[i].val = zero
	a.slots[i].used = false
	a.free = append(a.free, i)
	return v, nil
}

// values returns the live nodes in slot order.
func (a *arena[T]) values() []T {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]T, 0, len(a.slots))
	for _, s := range a.slots {
		if s.used {
			out = append(out, s.val)
		}
	}
	return out
}
