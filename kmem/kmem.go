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

// Package kmem is the kernel memory manager.
//
// An Allocator owns one range of physical memory and serves:
//   - pages, from a buddy arena (PageAlloc, PageFree),
//   - objects of caller defined caches (CacheCreate, CacheAlloc, ...),
//   - general purpose allocations (Malloc, Free, Calloc, Realloc, Size),
//     from a ladder of size class caches up to 2KB and from the arena above,
//   - the kernel address space (Map, Unmap, VirtToPhys).
//
// Allocator is not safe for concurrent use. Callers running on several
// cores, or from interrupt handlers, must serialize calls themselves.
package kmem

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cloudwego/kmem/buddy"
	"github.com/cloudwego/kmem/paging"
	"github.com/cloudwego/kmem/physmem"
	"github.com/cloudwego/kmem/slab"
)

var (
	ErrInvalidRange       = errors.New("kmem: invalid memory range")
	ErrTooLarge           = errors.New("kmem: allocation larger than the largest block")
	ErrInvalidSize        = errors.New("kmem: invalid size")
	ErrNotOwned           = errors.New("kmem: address not managed by the allocator")
	ErrNotInitialized     = errors.New("kmem: memory manager not initialized")
	ErrAlreadyInitialized = errors.New("kmem: memory manager already initialized")
)

// sizeClasses are the object sizes of the kmalloc caches.
var sizeClasses = [...]int{16, 32, 64, 128, 256, 512, 1024, 2048}

// Option configures an Allocator.
type Option struct {
	// MaxOrder is the largest buddy order. Requests above PageSize<<MaxOrder fail.
	// Zero means buddy.DefaultMaxOrder.
	MaxOrder int

	// MMU is the paging hardware. Defaults to a SoftMMU with no top level table,
	// in which case one is allocated on the first mapping.
	MMU paging.MMU

	// Logger receives initialization and corruption reports.
	Logger *slog.Logger

	// Mmap backs the physical range with an anonymous mapping instead of the Go heap.
	Mmap bool
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{
		MaxOrder: buddy.DefaultMaxOrder,
		Logger:   slog.Default(),
	}
}

// Allocator is the memory manager of one physical range.
type Allocator struct {
	region *physmem.Region
	arena  *buddy.Arena
	caches [len(sizeClasses)]*slab.Cache

	mmu    paging.MMU
	mapper *paging.Mapper

	log *slog.Logger
}

// New creates an Allocator managing the physical range [start, end).
// start is rounded up and end down to page boundaries. The page at physical
// address 0 cannot be managed, since 0 is the nil address.
func New(start, end uintptr, opt *Option) (*Allocator, error) {
	if opt == nil {
		opt = DefaultOption()
	}
	log := opt.Logger
	if log == nil {
		log = slog.Default()
	}

	virtStart := physmem.AlignUp(physmem.PhysToVirt(start), physmem.PageSize)
	virtEnd := physmem.AlignDown(physmem.PhysToVirt(end), physmem.PageSize)
	if virtStart == 0 || virtStart < start || virtEnd <= virtStart {
		log.Error("kmem: invalid memory range", "start", fmt.Sprintf("%#x", start), "end", fmt.Sprintf("%#x", end))
		return nil, fmt.Errorf("%w: %#x - %#x", ErrInvalidRange, start, end)
	}
	size := int(virtEnd - virtStart)

	var region *physmem.Region
	var err error
	if opt.Mmap {
		region, err = physmem.Map(virtStart, size)
	} else {
		region, err = physmem.New(virtStart, size)
	}
	if err != nil {
		return nil, err
	}

	maxOrder := opt.MaxOrder
	if maxOrder == 0 {
		maxOrder = buddy.DefaultMaxOrder
	}
	arena, err := buddy.New(virtStart, size, &buddy.Option{MaxOrder: maxOrder})
	if err != nil {
		return nil, errors.Join(err, region.Close())
	}

	a := &Allocator{
		region: region,
		arena:  arena,
		mmu:    opt.MMU,
		log:    log,
	}
	if a.mmu == nil {
		a.mmu = paging.NewSoftMMU(0)
	}
	for i, sz := range sizeClasses {
		c, err := slab.NewCache(region, arena, fmt.Sprintf("kmalloc-%d", sz), sz, &slab.Option{Logger: log})
		if err != nil {
			return nil, errors.Join(err, region.Close())
		}
		a.caches[i] = c
	}

	log.Info("kmem: memory manager initialized", "available_kb", size/1024,
		"start", fmt.Sprintf("%#x", virtStart), "end", fmt.Sprintf("%#x", virtEnd))
	return a, nil
}

// Close releases the backing memory. The Allocator must not be used afterwards.
func (a *Allocator) Close() error {
	return a.region.Close()
}

// Region returns the physical memory managed by the allocator.
func (a *Allocator) Region() *physmem.Region { return a.region }

// Bytes returns the n bytes at physical address addr.
func (a *Allocator) Bytes(addr uintptr, n int) []byte { return a.region.Bytes(addr, n) }

// Addr returns the physical address of a slice returned by Malloc.
func (a *Allocator) Addr(b []byte) (uintptr, bool) { return a.region.AddrOf(b) }

// PageAlloc allocates 2^order contiguous pages.
func (a *Allocator) PageAlloc(order int) (uintptr, error) {
	return a.arena.Alloc(order)
}

// PageFree frees pages allocated by PageAlloc with the same order.
func (a *Allocator) PageFree(addr uintptr, order int) error {
	if addr == 0 {
		return nil
	}
	return a.arena.Free(addr, order)
}

// CacheCreate creates an object cache backed by this allocator's pages.
func (a *Allocator) CacheCreate(name string, size int) (*slab.Cache, error) {
	return slab.NewCache(a.region, a.arena, name, size, &slab.Option{Logger: a.log})
}

// CacheAlloc allocates one object from c.
func (a *Allocator) CacheAlloc(c *slab.Cache) (uintptr, error) {
	return c.Alloc()
}

// CacheFree returns obj to c.
func (a *Allocator) CacheFree(c *slab.Cache, obj uintptr) error {
	if c == nil || obj == 0 {
		return nil
	}
	return c.Free(obj)
}

// CacheDestroy returns every slab of c to the page allocator.
func (a *Allocator) CacheDestroy(c *slab.Cache) error {
	if c == nil {
		return nil
	}
	return c.Destroy()
}

// mapperFor returns the mapper, creating it on first use.
// With create unset, a missing top level table is not allocated.
func (a *Allocator) mapperFor(create bool) (*paging.Mapper, error) {
	if a.mapper != nil {
		return a.mapper, nil
	}
	if !create && a.mmu.Root() == 0 {
		return nil, nil
	}
	m, err := paging.NewMapper(a.region, a.arena, a.mmu, &paging.Option{Logger: a.log})
	if err != nil {
		return nil, err
	}
	a.mapper = m
	return m, nil
}

// Map maps count pages at virt to the frames at phys with the given flags.
// On failure no page of the range is left mapped by this call.
func (a *Allocator) Map(virt, phys uintptr, count int, flags paging.Flags) error {
	m, err := a.mapperFor(true)
	if err != nil {
		return err
	}
	return m.Map(virt, phys, count, flags)
}

// Unmap unmaps count pages starting at the page containing virt.
func (a *Allocator) Unmap(virt uintptr, count int) {
	m, err := a.mapperFor(false)
	if err != nil {
		a.log.Error("kmem: unmap", "virt", fmt.Sprintf("%#x", virt), "error", err)
		return
	}
	if m != nil {
		m.Unmap(virt, count)
	}
}

// VirtToPhys translates virt through the page tables.
// It returns false if virt is not mapped.
func (a *Allocator) VirtToPhys(virt uintptr) (uintptr, bool) {
	m, err := a.mapperFor(false)
	if err != nil || m == nil {
		return 0, false
	}
	return m.Translate(virt)
}
