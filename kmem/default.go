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
	"sync/atomic"

	"github.com/cloudwego/kmem/paging"
)

// defaultAllocator is the system wide memory manager set by Init.
var defaultAllocator atomic.Pointer[Allocator]

// Init creates the system wide memory manager over [start, end).
// It must be called once during boot.
func Init(start, end uintptr, opt *Option) error {
	if defaultAllocator.Load() != nil {
		return ErrAlreadyInitialized
	}
	a, err := New(start, end, opt)
	if err != nil {
		return err
	}
	if !defaultAllocator.CompareAndSwap(nil, a) {
		_ = a.Close()
		return ErrAlreadyInitialized
	}
	return nil
}

// Default returns the system wide memory manager, nil before Init.
func Default() *Allocator {
	return defaultAllocator.Load()
}

// Malloc calls Malloc on the system wide memory manager.
func Malloc(size int) []byte {
	a := Default()
	if a == nil {
		return nil
	}
	return a.Malloc(size)
}

// Free calls Free on the system wide memory manager.
func Free(b []byte) {
	if a := Default(); a != nil {
		a.Free(b)
	}
}

// Calloc calls Calloc on the system wide memory manager.
func Calloc(n, size int) []byte {
	a := Default()
	if a == nil {
		return nil
	}
	return a.Calloc(n, size)
}

// Realloc calls Realloc on the system wide memory manager.
func Realloc(b []byte, size int) []byte {
	a := Default()
	if a == nil {
		return nil
	}
	return a.Realloc(b, size)
}

// Size calls Size on the system wide memory manager.
func Size(b []byte) int {
	a := Default()
	if a == nil {
		return 0
	}
	return a.Size(b)
}

// PageAlloc calls PageAlloc on the system wide memory manager.
func PageAlloc(order int) (uintptr, error) {
	a := Default()
	if a == nil {
		return 0, ErrNotInitialized
	}
	return a.PageAlloc(order)
}

// PageFree calls PageFree on the system wide memory manager.
func PageFree(addr uintptr, order int) error {
	a := Default()
	if a == nil {
		return ErrNotInitialized
	}
	return a.PageFree(addr, order)
}

// Map calls Map on the system wide memory manager.
func Map(virt, phys uintptr, count int, flags paging.Flags) error {
	a := Default()
	if a == nil {
		return ErrNotInitialized
	}
	return a.Map(virt, phys, count, flags)
}

// Unmap calls Unmap on the system wide memory manager.
func Unmap(virt uintptr, count int) {
	if a := Default(); a != nil {
		a.Unmap(virt, count)
	}
}

// VirtToPhys calls VirtToPhys on the system wide memory manager.
func VirtToPhys(virt uintptr) (uintptr, bool) {
	a := Default()
	if a == nil {
		return 0, false
	}
	return a.VirtToPhys(virt)
}
