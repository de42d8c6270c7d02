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

package kmem

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/cloudwego/kmem/buddy"
	"github.com/cloudwego/kmem/slab"
)

// cacheFor returns the smallest kmalloc cache holding size bytes, nil above 2KB.
func (a *Allocator) cacheFor(size int) *slab.Cache {
	for _, c := range a.caches {
		if size <= c.ObjectSize() {
			return c
		}
	}
	return nil
}

// Alloc allocates at least size bytes and returns their physical address.
// Sizes up to 2KB come from the kmalloc caches, larger ones from whole pages.
func (a *Allocator) Alloc(size int) (uintptr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if c := a.cacheFor(size); c != nil {
		return c.Alloc()
	}
	order := a.arena.OrderForSize(size)
	if order < 0 {
		return 0, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}
	return a.arena.Alloc(order)
}

// Malloc returns a slice of length size backed by managed memory.
// The capacity of the slice is the usable size of the allocation.
// It returns nil if size is not positive or the memory is exhausted.
func (a *Allocator) Malloc(size int) []byte {
	addr, err := a.Alloc(size)
	if err != nil {
		a.log.Debug("kmem: malloc failed", "size", size, "error", err)
		return nil
	}
	return a.region.Bytes(addr, a.SizeAt(addr))[:size]
}

// FreeAt frees the allocation at addr returned by Alloc.
// The owner is found from the page descriptor: a slab object goes back to
// its cache, anything else must be the head of a page block.
func (a *Allocator) FreeAt(addr uintptr) error {
	if addr == 0 {
		return nil
	}
	if c, ok := slab.Lookup(a.arena, addr); ok {
		return c.Free(addr)
	}
	p := a.arena.Page(addr)
	if p == nil {
		return fmt.Errorf("%w: %#x", ErrNotOwned, addr)
	}
	if !p.Has(buddy.PageHead) {
		return fmt.Errorf("%w: %#x", buddy.ErrDoubleFree, addr)
	}
	return a.arena.Free(addr, p.Order())
}

// Free frees a slice returned by Malloc, Calloc or Realloc.
// Freeing nil is a no-op. Invalid frees are logged and ignored.
func (a *Allocator) Free(b []byte) {
	if cap(b) == 0 {
		return
	}
	addr, ok := a.region.AddrOf(b)
	if !ok {
		a.log.Warn("kmem: free of foreign memory")
		return
	}
	if err := a.FreeAt(addr); err != nil {
		a.log.Warn("kmem: invalid free", "addr", fmt.Sprintf("%#x", addr), "error", err)
	}
}

// SizeAt returns the usable size of the allocation at addr:
// the object size of its cache, or the size of its page block.
// It returns 0 for addresses that are not live allocations.
func (a *Allocator) SizeAt(addr uintptr) int {
	if c, ok := slab.Lookup(a.arena, addr); ok {
		return c.ObjectSize()
	}
	p := a.arena.Page(addr)
	if p == nil || !p.Has(buddy.PageHead) {
		return 0
	}
	return int(a.arena.BlockSize(p.Order()))
}

// Size returns the usable size of a slice returned by Malloc.
func (a *Allocator) Size(b []byte) int {
	addr, ok := a.region.AddrOf(b)
	if !ok {
		return 0
	}
	return a.SizeAt(addr)
}

// Calloc allocates n elements of size bytes each, zeroed.
// It returns nil if n*size overflows.
func (a *Allocator) Calloc(n, size int) []byte {
	if n < 0 || size < 0 {
		return nil
	}
	hi, lo := bits.Mul64(uint64(n), uint64(size))
	if hi != 0 || lo > math.MaxInt {
		return nil
	}
	b := a.Malloc(int(lo))
	clear(b)
	return b
}

// Realloc resizes b to size bytes, moving it to a new allocation.
// The first min(Size(b), size) bytes are preserved.
// Realloc(nil, size) is Malloc(size). Realloc(b, 0) frees b and returns nil.
// On failure nil is returned and b is left untouched.
func (a *Allocator) Realloc(b []byte, size int) []byte {
	if cap(b) == 0 {
		return a.Malloc(size)
	}
	if size == 0 {
		a.Free(b)
		return nil
	}
	addr, ok := a.region.AddrOf(b)
	if !ok {
		a.log.Warn("kmem: realloc of foreign memory")
		return nil
	}
	old := a.SizeAt(addr)
	nb := a.Malloc(size)
	if nb == nil {
		return nil
	}
	copy(nb, a.region.Bytes(addr, min(old, size)))
	a.Free(b)
	return nb
}
