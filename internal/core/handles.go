package core

import "github.com/MrWong99/soundtrigger/pkg/soundtrigger"

// Model handles pack a slot index and a generation counter:
//
//	bits 0..15   slot index
//	bits 16..30  generation (starts at 1)
//
// A slot's generation is bumped on every removal, so a stale handle never
// matches the model that later occupies the same slot. A slot whose
// generation would overflow is retired instead of reused.
const (
	slotBits      = 16
	slotMask      = 1<<slotBits - 1
	maxSlots      = 1 << slotBits
	maxGeneration = 1<<15 - 1
)

type slot struct {
	gen int32
	m   *model
}

// handleTable maps session-scoped model handles to loaded models. It is not
// safe for concurrent use; the owning session guards it.
type handleTable struct {
	slots []slot
	free  []int32
	live  int
}

func packHandle(idx, gen int32) soundtrigger.ModelHandle {
	return soundtrigger.ModelHandle(gen<<slotBits | idx)
}

func unpackHandle(h soundtrigger.ModelHandle) (idx, gen int32) {
	return int32(h) & slotMask, int32(h) >> slotBits
}

// add stores m and returns its new handle. It reports false when every slot
// is occupied or retired.
func (t *handleTable) add(m *model) (soundtrigger.ModelHandle, bool) {
	var idx int32
	switch {
	case len(t.free) > 0:
		idx = t.free[0]
		t.free = t.free[1:]
	case len(t.slots) < maxSlots:
		idx = int32(len(t.slots))
		t.slots = append(t.slots, slot{gen: 1})
	default:
		return 0, false
	}
	t.slots[idx].m = m
	t.live++
	h := packHandle(idx, t.slots[idx].gen)
	m.handle = h
	return h, true
}

// get returns the model for h, or false if h is unknown or stale.
func (t *handleTable) get(h soundtrigger.ModelHandle) (*model, bool) {
	idx, gen := unpackHandle(h)
	if h < 0 || int(idx) >= len(t.slots) {
		return nil, false
	}
	s := t.slots[idx]
	if s.m == nil || s.gen != gen {
		return nil, false
	}
	return s.m, true
}

// remove drops h and invalidates it forever.
func (t *handleTable) remove(h soundtrigger.ModelHandle) (*model, bool) {
	m, ok := t.get(h)
	if !ok {
		return nil, false
	}
	idx, _ := unpackHandle(h)
	s := &t.slots[idx]
	s.m = nil
	t.live--
	if s.gen < maxGeneration {
		s.gen++
		t.free = append(t.free, idx)
	}
	return m, true
}

// drain removes every model and returns them in slot order.
func (t *handleTable) drain() []*model {
	out := make([]*model, 0, t.live)
	for i := range t.slots {
		if m := t.slots[i].m; m != nil {
			out = append(out, m)
			t.remove(m.handle)
		}
	}
	return out
}

// models returns the live models in slot order.
func (t *handleTable) models() []*model {
	out := make([]*model, 0, t.live)
	for i := range t.slots {
		if m := t.slots[i].m; m != nil {
			out = append(out, m)
		}
	}
	return out
}

func (t *handleTable) len() int { return t.live }
