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

// Package slab implements object caches on top of the buddy page allocator.
//
// A Cache hands out fixed-size objects carved from slabs. Each slab is one
// buddy block; the descriptors of its pages point back to the slab, so the
// owner of any object is found in O(1) from its address.
//
// Cache is not safe for concurrent use.
package slab

import (
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/bytedance/gopkg/util/xxhash3"

	"github.com/cloudwego/kmem/buddy"
	"github.com/cloudwego/kmem/physmem"
)

const (
	// MinObjectSize is the smallest object size a cache accepts.
	MinObjectSize = 16

	// MaxObjectSize is the largest object size a cache accepts.
	MaxObjectSize = physmem.PageSize

	// minObjectsPerSlab drives the choice of the slab order.
	minObjectsPerSlab = 16

	// headerSize is the size of the slab header at the block base.
	headerSize = 16

	// slabMagic is checked on free to detect overwritten slab headers.
	slabMagic uint32 = 0x51AB0BEC

	ptrSize = int(unsafe.Sizeof(uintptr(0)))
)

var (
	ErrInvalidSize = errors.New("slab: object size out of range")
	ErrNotSlab     = errors.New("slab: address is not backed by a slab")
	ErrWrongCache  = errors.New("slab: object belongs to another cache")
	ErrCorrupted   = errors.New("slab: slab header corrupted")
	ErrBadAddress  = errors.New("slab: address is not an object slot")
	ErrDoubleFree  = errors.New("slab: double free")
)

// Option configures a Cache.
type Option struct {
	// Logger receives corruption reports. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{Logger: slog.Default()}
}

// Cache is a pool of equally sized objects.
type Cache struct {
	name string
	tag  uint64

	region *physmem.Region
	arena  *buddy.Arena

	objSize     int
	order       int
	objsPerSlab int

	// A slab is on exactly one list, chosen by its free count:
	// full (0), partial (between), free (objsPerSlab).
	full    slabList
	partial slabList
	free    slabList

	objects int // slots in all slabs
	active  int // allocated objects
	pages   int // pages held by the cache

	log *slog.Logger
}

// NewCache creates a cache of objects of the given size.
// The size is rounded up to pointer alignment and must be in [MinObjectSize, MaxObjectSize].
// Slabs are allocated from arena and accessed through region.
func NewCache(region *physmem.Region, arena *buddy.Arena, name string, size int, opt *Option) (*Cache, error) {
	if size < MinObjectSize || size > MaxObjectSize {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidSize, size, MinObjectSize, MaxObjectSize)
	}
	if opt == nil {
		opt = DefaultOption()
	}
	log := opt.Logger
	if log == nil {
		log = slog.Default()
	}

	objSize := (size + ptrSize - 1) &^ (ptrSize - 1)
	order := 0
	for order < arena.MaxOrder() && slotsPerBlock(arena, order, objSize) < minObjectsPerSlab {
		order++
	}
	n := slotsPerBlock(arena, order, objSize)
	if n == 0 {
		return nil, fmt.Errorf("%w: %d bytes do not fit a slab of order %d", ErrInvalidSize, size, order)
	}

	return &Cache{
		name:        name,
		tag:         xxhash3.Hash([]byte(name)),
		region:      region,
		arena:       arena,
		objSize:     objSize,
		order:       order,
		objsPerSlab: n,
		log:         log,
	}, nil
}

func slotsPerBlock(arena *buddy.Arena, order, objSize int) int {
	return (int(arena.BlockSize(order)) - headerSize) / objSize
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// ObjectSize returns the rounded object size.
func (c *Cache) ObjectSize() int { return c.objSize }

// Order returns the buddy order of each slab.
func (c *Cache) Order() int { return c.order }

// ObjectsPerSlab returns the number of objects in one slab.
func (c *Cache) ObjectsPerSlab() int { return c.objsPerSlab }

// grow allocates a new slab and threads the free list through its slots.
func (c *Cache) grow() (*slab, error) {
	base, err := c.arena.Alloc(c.order)
	if err != nil {
		return nil, fmt.Errorf("slab: grow %s: %w", c.name, err)
	}
	s := &slab{
		cache: c,
		base:  base,
		free:  c.objsPerSlab,
		used:  make([]uint64, (c.objsPerSlab+63)/64),
	}

	c.region.Store32(base, slabMagic)
	c.region.Store32(base+4, 0)
	c.region.Store64(base+8, c.tag)
	c.threadFreeList(s)

	// Every page of the block resolves to the slab.
	for addr := base; addr < base+c.arena.BlockSize(c.order); addr += physmem.PageSize {
		p := c.arena.Page(addr)
		p.SetFlags(buddy.PageSlab)
		p.Private = s
	}

	c.pages += 1 << c.order
	c.objects += c.objsPerSlab
	return s, nil
}

// threadFreeList links every unused slot of s, in address order.
func (c *Cache) threadFreeList(s *slab) {
	size := uintptr(c.objSize)
	var head, prev uintptr
	for i := 0; i < c.objsPerSlab; i++ {
		if s.isUsed(i) {
			continue
		}
		obj := s.first() + uintptr(i)*size
		if prev == 0 {
			head = obj
		} else {
			c.region.Store64(prev, uint64(obj))
		}
		prev = obj
	}
	if prev != 0 {
		c.region.Store64(prev, 0)
	}
	s.freelist = head
}

// Alloc returns the address of a free object.
// It prefers partial slabs, then free slabs, and grows the cache last.
func (c *Cache) Alloc() (uintptr, error) {
	var s *slab
	switch {
	case c.partial.head != nil:
		s = c.partial.head
	case c.free.head != nil:
		s = c.free.head
		s.moveTo(&c.partial)
	default:
		var err error
		if s, err = c.grow(); err != nil {
			return 0, err
		}
		c.partial.push(s)
	}

	obj := s.freelist
	if !s.isFree(obj) {
		c.rebuildFreeList(s, 0, obj)
		obj = s.freelist
	}
	next := uintptr(c.region.Load64(obj))
	if (next == 0 && s.free > 1) || (next != 0 && !s.isFree(next)) {
		c.rebuildFreeList(s, obj, next)
		next = s.freelist
	}
	s.freelist = next
	s.setUsed(c.slotOf(s, obj))
	s.inuse++
	s.free--
	c.active++

	if s.free == 0 {
		s.moveTo(&c.full)
	}
	return obj, nil
}

// rebuildFreeList rethreads the free list of s from its slot bitmap after a
// freed object was written to. keep, if set, is left off the new list.
func (c *Cache) rebuildFreeList(s *slab, keep, bad uintptr) {
	c.log.Error("slab: corrupted free list, rebuilding",
		"cache", c.name, "slab", fmt.Sprintf("%#x", s.base), "link", fmt.Sprintf("%#x", bad))
	if keep == 0 {
		c.threadFreeList(s)
		return
	}
	idx := c.slotOf(s, keep)
	s.setUsed(idx)
	c.threadFreeList(s)
	s.clearUsed(idx)
}

func (c *Cache) slotOf(s *slab, obj uintptr) int {
	return int((obj - s.first()) / uintptr(c.objSize))
}

// Free returns obj to the cache.
//
// The owning slab is found from the page descriptor of obj. Objects of
// another cache, slots that are not allocated and slabs with a damaged
// header are reported and the free is dropped.
func (c *Cache) Free(obj uintptr) error {
	s, err := lookupSlab(c.arena, obj)
	if err != nil {
		return err
	}
	if s.cache != c {
		c.log.Warn("slab: wrong cache for object",
			"cache", c.name, "owner", s.cache.name, "addr", fmt.Sprintf("%#x", obj))
		return ErrWrongCache
	}
	if c.region.Load32(s.base) != slabMagic || c.region.Load64(s.base+8) != c.tag {
		c.log.Error("slab: slab header corrupted",
			"cache", c.name, "slab", fmt.Sprintf("%#x", s.base), "addr", fmt.Sprintf("%#x", obj))
		return ErrCorrupted
	}
	idx, ok := s.slotIndex(obj)
	if !ok {
		return ErrBadAddress
	}
	if !s.isUsed(idx) {
		c.log.Warn("slab: double free", "cache", c.name, "addr", fmt.Sprintf("%#x", obj))
		return ErrDoubleFree
	}

	c.region.Store64(obj, uint64(s.freelist))
	s.freelist = obj
	s.clearUsed(idx)
	s.inuse--
	s.free++
	c.active--

	if s.inuse == 0 {
		s.moveTo(&c.free)
	} else if s.inuse == c.objsPerSlab-1 {
		s.moveTo(&c.partial)
	}
	return nil
}

// Owns reports whether obj lies in a slab of this cache.
func (c *Cache) Owns(obj uintptr) bool {
	s, err := lookupSlab(c.arena, obj)
	return err == nil && s.cache == c
}

// Lookup returns the cache owning the slab that contains addr.
func Lookup(arena *buddy.Arena, addr uintptr) (*Cache, bool) {
	s, err := lookupSlab(arena, addr)
	if err != nil {
		return nil, false
	}
	return s.cache, true
}

func lookupSlab(arena *buddy.Arena, addr uintptr) (*slab, error) {
	p := arena.Page(addr)
	if p == nil || !p.Has(buddy.PageSlab) {
		return nil, ErrNotSlab
	}
	s, ok := p.Private.(*slab)
	if !ok {
		return nil, ErrNotSlab
	}
	return s, nil
}

// Shrink returns every empty slab to the page allocator.
// It returns the number of pages released.
func (c *Cache) Shrink() (int, error) {
	var errs []error
	released := 0
	for c.free.head != nil {
		s := c.free.head
		c.free.remove(s)
		if err := c.release(s); err != nil {
			errs = append(errs, err)
			continue
		}
		released += 1 << c.order
	}
	return released, errors.Join(errs...)
}

// Destroy returns every slab to the page allocator.
// Objects still allocated from the cache become invalid.
func (c *Cache) Destroy() error {
	var errs []error
	for _, l := range []*slabList{&c.free, &c.partial, &c.full} {
		for l.head != nil {
			s := l.head
			l.remove(s)
			if err := c.release(s); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Cache) release(s *slab) error {
	for addr := s.base; addr < s.base+c.arena.BlockSize(c.order); addr += physmem.PageSize {
		p := c.arena.Page(addr)
		p.ClearFlags(buddy.PageSlab)
		p.Private = nil
	}
	c.region.Store32(s.base, 0)
	c.pages -= 1 << c.order
	c.objects -= c.objsPerSlab
	c.active -= s.inuse
	s.cache = nil
	if err := c.arena.Free(s.base, c.order); err != nil {
		return fmt.Errorf("slab: release %s slab %#x: %w", c.name, s.base, err)
	}
	return nil
}

// Stats is a snapshot of a cache.
type Stats struct {
	Name           string
	ObjectSize     int
	Order          int
	ObjectsPerSlab int
	FullSlabs      int
	PartialSlabs   int
	FreeSlabs      int
	Objects        int
	ActiveObjects  int
	Pages          int
}

// Stats returns a snapshot of the cache.
func (c *Cache) Stats() Stats {
	return Stats{
		Name:           c.name,
		ObjectSize:     c.objSize,
		Order:          c.order,
		ObjectsPerSlab: c.objsPerSlab,
		FullSlabs:      c.full.n,
		PartialSlabs:   c.partial.n,
		FreeSlabs:      c.free.n,
		Objects:        c.objects,
		ActiveObjects:  c.active,
		Pages:          c.pages,
	}
}

// Verify checks that every slab sits on the list matching its free count
// and that the counters agree with the slabs.
func (c *Cache) Verify() error {
	objects, active, slabs := 0, 0, 0
	check := func(l *slabList, name string, ok func(*slab) bool) error {
		n := 0
		for s := l.head; s != nil; s = s.next {
			if s.list != l || s.cache != c {
				return fmt.Errorf("slab: %s: slab %#x linked on %s list it does not belong to", c.name, s.base, name)
			}
			if !ok(s) {
				return fmt.Errorf("slab: %s: slab %#x with %d free on %s list", c.name, s.base, s.free, name)
			}
			if s.inuse+s.free != c.objsPerSlab || s.countUsed() != s.inuse {
				return fmt.Errorf("slab: %s: slab %#x counts inuse=%d free=%d", c.name, s.base, s.inuse, s.free)
			}
			objects += c.objsPerSlab
			active += s.inuse
			n++
		}
		if n != l.n {
			return fmt.Errorf("slab: %s: %s list counts %d slabs, linked %d", c.name, name, l.n, n)
		}
		slabs += n
		return nil
	}
	if err := check(&c.full, "full", func(s *slab) bool { return s.free == 0 }); err != nil {
		return err
	}
	if err := check(&c.partial, "partial", func(s *slab) bool { return s.free > 0 && s.free < c.objsPerSlab }); err != nil {
		return err
	}
	if err := check(&c.free, "free", func(s *slab) bool { return s.free == c.objsPerSlab }); err != nil {
		return err
	}
	if objects != c.objects || active != c.active || slabs<<c.order != c.pages {
		return fmt.Errorf("slab: %s: counters objects=%d active=%d pages=%d, slabs hold %d/%d/%d",
			c.name, c.objects, c.active, c.pages, objects, active, slabs<<c.order)
	}
	return nil
}
