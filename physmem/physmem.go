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

// Package physmem models a contiguous range of physical RAM.
//
// A Region is a byte slice whose first byte lives at physical address Base.
// The kernel address space is flat mapped, so a kernel virtual address of
// physical memory equals its physical address.
package physmem

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
)

const (
	// PageShift is log2(PageSize).
	PageShift = 12

	// PageSize is the size of a base page (4KB).
	PageSize = 1 << PageShift

	// PageMask clears the in-page offset of an address.
	PageMask = ^uintptr(PageSize - 1)
)

// Region is a contiguous range of simulated physical memory.
type Region struct {
	base uintptr
	mem  []byte

	// memStart is a cached pointer to mem[0], used by AddrOf.
	memStart unsafe.Pointer

	release func([]byte) error
}

// New returns a Region of size bytes starting at physical address base.
// The memory is NOT zeroed, like RAM after reset.
func New(base uintptr, size int) (*Region, error) {
	if err := validate(base, size); err != nil {
		return nil, err
	}
	return newRegion(base, dirtmake.Bytes(size, size), nil), nil
}

func validate(base uintptr, size int) error {
	if size <= 0 {
		return fmt.Errorf("physmem: region size must be > 0, got %d", size)
	}
	if base+uintptr(size) < base {
		return fmt.Errorf("physmem: region %#x+%#x overflows the address space", base, size)
	}
	return nil
}

func newRegion(base uintptr, mem []byte, release func([]byte) error) *Region {
	return &Region{
		base:     base,
		mem:      mem,
		memStart: unsafe.Pointer(&mem[0]),
		release:  release,
	}
}

// Close releases the backing memory of the region if it was mapped from the OS.
// The region must not be used afterwards.
func (r *Region) Close() error {
	if r.release == nil || r.mem == nil {
		return nil
	}
	err := r.release(r.mem)
	r.mem = nil
	r.memStart = nil
	return err
}

// Base returns the physical address of the first byte.
func (r *Region) Base() uintptr { return r.base }

// Size returns the size of the region in bytes.
func (r *Region) Size() int { return len(r.mem) }

// End returns the physical address right after the last byte.
func (r *Region) End() uintptr { return r.base + uintptr(len(r.mem)) }

// Contains reports whether [addr, addr+n) lies inside the region.
func (r *Region) Contains(addr uintptr, n int) bool {
	if n < 0 || addr < r.base {
		return false
	}
	off := addr - r.base
	return off <= uintptr(len(r.mem)) && uintptr(n) <= uintptr(len(r.mem))-off
}

// Bytes returns the n bytes at physical address addr.
// The returned slice aliases the region. Panics if the range is out of bounds.
func (r *Region) Bytes(addr uintptr, n int) []byte {
	if !r.Contains(addr, n) {
		panic(fmt.Sprintf("physmem: range %#x+%d not in region [%#x, %#x)", addr, n, r.base, r.End()))
	}
	off := int(addr - r.base)
	return r.mem[off : off+n : off+n]
}

// Load64 reads the little-endian 64-bit word at addr.
func (r *Region) Load64(addr uintptr) uint64 {
	return binary.LittleEndian.Uint64(r.Bytes(addr, 8))
}

// Store64 writes v as a little-endian 64-bit word at addr.
func (r *Region) Store64(addr uintptr, v uint64) {
	binary.LittleEndian.PutUint64(r.Bytes(addr, 8), v)
}

// Load32 reads the little-endian 32-bit word at addr.
func (r *Region) Load32(addr uintptr) uint32 {
	return binary.LittleEndian.Uint32(r.Bytes(addr, 4))
}

// Store32 writes v as a little-endian 32-bit word at addr.
func (r *Region) Store32(addr uintptr, v uint32) {
	binary.LittleEndian.PutUint32(r.Bytes(addr, 4), v)
}

// Zero clears n bytes at addr.
func (r *Region) Zero(addr uintptr, n int) {
	clear(r.Bytes(addr, n))
}

// AddrOf returns the physical address of the first byte of b.
// It returns false if b does not point into the region.
//
// The slice header is read directly so zero-length slices still resolve.
func (r *Region) AddrOf(b []byte) (uintptr, bool) {
	if cap(b) == 0 || r.memStart == nil {
		return 0, false
	}
	dataPtr := *(*uintptr)(unsafe.Pointer(&b))
	start := uintptr(r.memStart)
	if dataPtr < start || dataPtr >= start+uintptr(len(r.mem)) {
		return 0, false
	}
	return r.base + (dataPtr - start), true
}

// PhysToVirt converts a physical address to the kernel virtual address it is
// mapped at. The kernel is flat mapped.
func PhysToVirt(phys uintptr) uintptr { return phys }

// VirtToPhys is the inverse of PhysToVirt for kernel addresses.
func VirtToPhys(virt uintptr) uintptr { return virt }

// AlignUp rounds x up to a multiple of a, which must be a power of two.
func AlignUp(x, a uintptr) uintptr { return (x + a - 1) &^ (a - 1) }

// AlignDown rounds x down to a multiple of a, which must be a power of two.
func AlignDown(x, a uintptr) uintptr { return x &^ (a - 1) }
