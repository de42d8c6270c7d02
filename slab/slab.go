/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package slab

import "math/bits"

// slab is one buddy block cut into object slots.
//
// The block starts with a header followed by the slots:
//
//	[4 bytes magic][4 bytes reserved][8 bytes cache tag][slot 0][slot 1]...
//
// Free slots hold the address of the next free slot in their first 8 bytes.
type slab struct {
	cache *Cache
	base  uintptr

	// freelist is the address of the first free slot, 0 if none.
	freelist uintptr

	inuse int
	free  int

	// used has one bit per slot, set while the slot is allocated.
	used []uint64

	prev, next *slab
	list       *slabList
}

func (s *slab) first() uintptr { return s.base + headerSize }

// slotIndex returns the slot index of addr, or false if addr is not the start of a slot.
func (s *slab) slotIndex(addr uintptr) (int, bool) {
	first := s.first()
	if addr < first {
		return 0, false
	}
	off := addr - first
	size := uintptr(s.cache.objSize)
	if off%size != 0 {
		return 0, false
	}
	idx := int(off / size)
	if idx >= s.cache.objsPerSlab {
		return 0, false
	}
	return idx, true
}

// isFree reports whether addr is the start of an unused slot of s.
func (s *slab) isFree(addr uintptr) bool {
	idx, ok := s.slotIndex(addr)
	return ok && !s.isUsed(idx)
}

func (s *slab) isUsed(idx int) bool { return s.used[idx>>6]&(1<<(idx&63)) != 0 }

func (s *slab) setUsed(idx int) { s.used[idx>>6] |= 1 << (idx & 63) }

func (s *slab) clearUsed(idx int) { s.used[idx>>6] &^= 1 << (idx & 63) }

// countUsed returns the number of allocated slots according to the bitmap.
func (s *slab) countUsed() int {
	n := 0
	for _, w := range s.used {
		n += bits.OnesCount64(w)
	}
	return n
}

// slabList is a doubly linked list of slabs.
type slabList struct {
	head *slab
	n    int
}

func (l *slabList) push(s *slab) {
	s.prev = nil
	s.next = l.head
	if l.head != nil {
		l.head.prev = s
	}
	l.head = s
	s.list = l
	l.n++
}

func (l *slabList) remove(s *slab) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev, s.next, s.list = nil, nil, nil
	l.n--
}

// moveTo unlinks s from its current list and pushes it on l.
func (s *slab) moveTo(l *slabList) {
	if s.list == l {
		return
	}
	if s.list != nil {
		s.list.remove(s)
	}
	l.push(s)
}
