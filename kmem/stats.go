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
	"io"

	"github.com/bytedance/gopkg/lang/mcache"

	"github.com/cloudwego/kmem/buddy"
	"github.com/cloudwego/kmem/slab"
)

// Stats is a snapshot of the memory manager.
type Stats struct {
	Pages  buddy.Stats
	Caches []slab.Stats
}

// Stats returns a snapshot of the page allocator and the kmalloc caches.
func (a *Allocator) Stats() Stats {
	s := Stats{
		Pages:  a.arena.Stats(),
		Caches: make([]slab.Stats, 0, len(a.caches)),
	}
	for _, c := range a.caches {
		s.Caches = append(s.Caches, c.Stats())
	}
	return s
}

// FreePages returns the number of free pages.
func (a *Allocator) FreePages() int { return a.arena.FreePages() }

// Verify checks the invariants of the page allocator and of every kmalloc cache.
func (a *Allocator) Verify() error {
	if err := a.arena.Verify(); err != nil {
		return err
	}
	for _, c := range a.caches {
		if err := c.Verify(); err != nil {
			return err
		}
	}
	return nil
}

// DumpStats writes a human readable report of Stats to w.
func (a *Allocator) DumpStats(w io.Writer) error {
	s := a.Stats()

	buf := mcache.Malloc(0, 1024)
	defer mcache.Free(buf)

	buf = append(buf, "Memory Manager Statistics:\n"...)
	buf = append(buf, "  Buddy Allocator:\n"...)
	buf = fmt.Appendf(buf, "    Total pages: %d\n", s.Pages.TotalPages)
	buf = fmt.Appendf(buf, "    Total free pages: %d\n", s.Pages.FreePages)
	for order, n := range s.Pages.FreeBlocks {
		if n > 0 {
			buf = fmt.Appendf(buf, "    Order %d: %d blocks\n", order, n)
		}
	}
	buf = append(buf, "  Slab Allocators:\n"...)
	for _, c := range s.Caches {
		buf = fmt.Appendf(buf, "    %s: objsize=%d slabs(full=%d, partial=%d, free=%d) objects=%d/%d\n",
			c.Name, c.ObjectSize, c.FullSlabs, c.PartialSlabs, c.FreeSlabs, c.ActiveObjects, c.Objects)
	}
	_, err := w.Write(buf)
	return err
}
