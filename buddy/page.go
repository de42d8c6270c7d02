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

package buddy

import "strings"

// PageFlags describes the state of a page frame.
type PageFlags uint32

const (
	// PageBuddy marks the head of a free block linked in a free area.
	PageBuddy PageFlags = 1 << iota
	// PageHead marks the head of an allocated block.
	PageHead
	// PageSlab marks a page backing a slab. Set by the slab allocator.
	PageSlab
)

func (f PageFlags) String() string {
	if f == 0 {
		return "0"
	}
	var names []string
	if f&PageBuddy != 0 {
		names = append(names, "buddy")
	}
	if f&PageHead != 0 {
		names = append(names, "head")
	}
	if f&PageSlab != 0 {
		names = append(names, "slab")
	}
	return strings.Join(names, "|")
}

// Page is the descriptor of one page frame.
// Only the descriptor of a block head carries the block's order.
type Page struct {
	order    uint8
	refcount uint32
	flags    PageFlags

	// free area links, page frame numbers
	prev, next int32

	// Private is owned by the holder of an allocated block.
	// The slab allocator stores the slab backing the page.
	Private any
}

// Order returns the order of the block this page heads.
func (p *Page) Order() int { return int(p.order) }

// Refcount returns the reference count of the block this page heads.
func (p *Page) Refcount() int { return int(p.refcount) }

// Flags returns the page flags.
func (p *Page) Flags() PageFlags { return p.flags }

// Has reports whether all flags in f are set.
func (p *Page) Has(f PageFlags) bool { return p.flags&f == f }

// SetFlags sets f. PageBuddy and PageHead are managed by the arena and ignored.
func (p *Page) SetFlags(f PageFlags) { p.flags |= f &^ (PageBuddy | PageHead) }

// ClearFlags clears f. PageBuddy and PageHead are managed by the arena and ignored.
func (p *Page) ClearFlags(f PageFlags) { p.flags &^= f &^ (PageBuddy | PageHead) }
