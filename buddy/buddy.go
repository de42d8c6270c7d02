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

// Package buddy implements a physical page allocator using the buddy system.
//
// The arena covers one contiguous, page aligned range of physical addresses.
// Blocks are 2^order pages and always aligned to their own size in the
// physical address space, so the buddy of a block is found by flipping the
// address bit equal to the block size.
//
// Arena is not safe for concurrent use.
package buddy

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/cloudwego/kmem/physmem"
)

const (
	// DefaultMaxOrder is the default largest order (4MB blocks with 4KB pages).
	DefaultMaxOrder = 10

	// maxSupportedOrder bounds Option.MaxOrder.
	maxSupportedOrder = 20
)

var (
	ErrInvalidOrder = errors.New("buddy: invalid order")
	ErrNoMemory     = errors.New("buddy: out of memory")
	ErrBadAddress   = errors.New("buddy: address not in arena or misaligned")
	ErrDoubleFree   = errors.New("buddy: double free or invalid block")
)

// Option configures an Arena.
type Option struct {
	// MaxOrder is the largest block order handed out by the arena.
	MaxOrder int
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{MaxOrder: DefaultMaxOrder}
}

// Arena is a buddy allocator over one physical range.
type Arena struct {
	base   uintptr
	npages int

	// pages holds one descriptor per page frame, indexed by (addr-base)>>PageShift.
	pages []Page

	// freeAreas[o] links the heads of free blocks of order o.
	freeAreas []freeArea

	// nrFree is the number of free pages.
	nrFree int

	maxOrder int
}

// New creates an arena managing [base, base+size).
// base and size must be multiples of physmem.PageSize.
func New(base uintptr, size int, opt *Option) (*Arena, error) {
	if opt == nil {
		opt = DefaultOption()
	}
	if opt.MaxOrder < 0 || opt.MaxOrder > maxSupportedOrder {
		return nil, fmt.Errorf("%w: max order must be in [0, %d], got %d", ErrInvalidOrder, maxSupportedOrder, opt.MaxOrder)
	}
	if base&(physmem.PageSize-1) != 0 {
		return nil, fmt.Errorf("buddy: base %#x is not page aligned", base)
	}
	if size < physmem.PageSize || size%physmem.PageSize != 0 {
		return nil, fmt.Errorf("buddy: size must be a positive multiple of %d, got %d", physmem.PageSize, size)
	}
	if base+uintptr(size) < base {
		return nil, fmt.Errorf("buddy: range %#x+%#x overflows", base, size)
	}

	npages := size >> physmem.PageShift
	if npages > 1<<31-1 {
		return nil, fmt.Errorf("buddy: too many pages (%d)", npages)
	}
	a := &Arena{
		base:      base,
		npages:    npages,
		pages:     make([]Page, npages),
		freeAreas: make([]freeArea, opt.MaxOrder+1),
		maxOrder:  opt.MaxOrder,
	}
	a.Reset()
	return a, nil
}

// Reset forgets every allocation and returns the arena to its initial state.
func (a *Arena) Reset() {
	for i := range a.pages {
		a.pages[i] = Page{prev: nilPFN, next: nilPFN}
	}
	for i := range a.freeAreas {
		a.freeAreas[i].init()
	}
	a.nrFree = 0

	// Carve the range into maximal aligned blocks.
	addr, end := a.base, a.End()
	for addr < end {
		order := a.maxOrder
		for order > 0 && (addr&(a.BlockSize(order)-1) != 0 || a.BlockSize(order) > end-addr) {
			order--
		}
		a.insert(addr, order)
		a.nrFree += 1 << order
		addr += a.BlockSize(order)
	}
}

// Alloc allocates a block of 2^order pages and returns its physical address.
func (a *Arena) Alloc(order int) (uintptr, error) {
	if order < 0 || order > a.maxOrder {
		return 0, ErrInvalidOrder
	}

	// Find the smallest non-empty free area.
	cur := order
	for cur <= a.maxOrder && a.freeAreas[cur].empty() {
		cur++
	}
	if cur > a.maxOrder {
		return 0, ErrNoMemory
	}
	pfn := a.freeAreas[cur].pop(a.pages)

	// Split until we reach the required order.
	// The lower half keeps the address, the upper half goes to the lower free area.
	for cur > order {
		cur--
		a.insert(a.addrOf(pfn)+a.BlockSize(cur), cur)
	}

	p := &a.pages[pfn]
	p.order = uint8(order)
	p.refcount = 1
	p.flags = PageHead
	a.nrFree -= 1 << order
	return a.addrOf(pfn), nil
}

// Free returns the block at addr, allocated with the given order, to the arena.
// The block is merged with its free buddies as long as possible.
func (a *Arena) Free(addr uintptr, order int) error {
	if order < 0 || order > a.maxOrder {
		return ErrInvalidOrder
	}
	size := a.BlockSize(order)
	if !a.containsBlock(addr, size) || addr&(size-1) != 0 {
		return ErrBadAddress
	}
	p := &a.pages[a.pfnOf(addr)]
	if p.flags&PageHead == 0 || int(p.order) != order || p.refcount == 0 {
		return ErrDoubleFree
	}
	p.flags = 0
	p.refcount = 0
	p.Private = nil
	a.nrFree += 1 << order

	for order < a.maxOrder {
		size = a.BlockSize(order)
		buddyAddr := addr ^ size
		if !a.containsBlock(buddyAddr, size) {
			break
		}
		bpfn := a.pfnOf(buddyAddr)
		bp := &a.pages[bpfn]
		if bp.flags&PageBuddy == 0 || int(bp.order) != order {
			break
		}
		a.freeAreas[order].remove(a.pages, bpfn)
		bp.flags = 0
		bp.order = 0
		addr &^= size
		order++
	}
	a.insert(addr, order)
	return nil
}

func (a *Arena) insert(addr uintptr, order int) {
	pfn := a.pfnOf(addr)
	p := &a.pages[pfn]
	p.order = uint8(order)
	p.refcount = 0
	p.flags = PageBuddy
	p.Private = nil
	a.freeAreas[order].push(a.pages, pfn)
}

// Page returns the descriptor of the page frame containing addr,
// or nil if addr is outside the arena.
func (a *Arena) Page(addr uintptr) *Page {
	if !a.Contains(addr) {
		return nil
	}
	return &a.pages[a.pfnOf(addr)]
}

// Contains reports whether addr lies inside the arena.
func (a *Arena) Contains(addr uintptr) bool {
	return addr >= a.base && addr < a.End()
}

func (a *Arena) containsBlock(addr, size uintptr) bool {
	return addr >= a.base && addr < a.End() && size <= a.End()-addr
}

func (a *Arena) pfnOf(addr uintptr) int32 {
	return int32((addr - a.base) >> physmem.PageShift)
}

func (a *Arena) addrOf(pfn int32) uintptr {
	return a.base + uintptr(pfn)<<physmem.PageShift
}

// Base returns the first physical address managed by the arena.
func (a *Arena) Base() uintptr { return a.base }

// End returns the physical address right after the arena.
func (a *Arena) End() uintptr { return a.base + uintptr(a.npages)<<physmem.PageShift }

// MaxOrder returns the largest order the arena hands out.
func (a *Arena) MaxOrder() int { return a.maxOrder }

// TotalPages returns the number of pages managed by the arena.
func (a *Arena) TotalPages() int { return a.npages }

// FreePages returns the number of free pages.
func (a *Arena) FreePages() int { return a.nrFree }

// Available returns the total free bytes.
func (a *Arena) Available() int { return a.nrFree << physmem.PageShift }

// FreeBlocks returns the number of free blocks of the given order.
func (a *Arena) FreeBlocks(order int) int {
	if order < 0 || order > a.maxOrder {
		return 0
	}
	return a.freeAreas[order].n
}

// BlockSize returns the size in bytes of a block of the given order.
func (a *Arena) BlockSize(order int) uintptr {
	return physmem.PageSize << order
}

// OrderForSize returns the smallest order whose block holds size bytes,
// or -1 if size exceeds the largest block.
func (a *Arena) OrderForSize(size int) int {
	if size <= physmem.PageSize {
		return 0
	}
	order := bits.Len(uint(size-1)) - physmem.PageShift
	if order > a.maxOrder {
		return -1
	}
	return order
}

// Stats is a snapshot of the arena state.
type Stats struct {
	TotalPages int
	FreePages  int
	// FreeBlocks[o] is the number of free blocks of order o.
	FreeBlocks []int
}

// Stats returns a snapshot of the arena state.
func (a *Arena) Stats() Stats {
	s := Stats{
		TotalPages: a.npages,
		FreePages:  a.nrFree,
		FreeBlocks: make([]int, len(a.freeAreas)),
	}
	for o := range a.freeAreas {
		s.FreeBlocks[o] = a.freeAreas[o].n
	}
	return s
}

// Verify walks the free areas and checks the arena invariants:
// every free head sits in the area of its order, is aligned to its size,
// and the free page count matches the free areas.
func (a *Arena) Verify() error {
	free := 0
	for order := range a.freeAreas {
		fa := &a.freeAreas[order]
		n := 0
		size := a.BlockSize(order)
		for pfn := fa.head; pfn != nilPFN; pfn = a.pages[pfn].next {
			p := &a.pages[pfn]
			addr := a.addrOf(pfn)
			if p.flags&PageBuddy == 0 || int(p.order) != order {
				return fmt.Errorf("buddy: block %#x in order %d area has order %d flags %s", addr, order, p.order, p.flags)
			}
			if addr&(size-1) != 0 || !a.containsBlock(addr, size) {
				return fmt.Errorf("buddy: block %#x of order %d is misaligned", addr, order)
			}
			n++
			free += 1 << order
		}
		if n != fa.n {
			return fmt.Errorf("buddy: order %d area counts %d blocks, linked %d", order, fa.n, n)
		}
	}
	if free != a.nrFree {
		return fmt.Errorf("buddy: nr_free is %d, free areas hold %d pages", a.nrFree, free)
	}
	return nil
}
