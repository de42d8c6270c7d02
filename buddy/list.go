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

const nilPFN int32 = -1

// freeArea is a doubly linked list of free block heads of one order.
// Links live in the page descriptors and are page frame numbers,
// so insert and removal from the middle are O(1) without pointers.
type freeArea struct {
	head int32
	n    int
}

func (fa *freeArea) init() {
	fa.head = nilPFN
	fa.n = 0
}

func (fa *freeArea) empty() bool { return fa.head == nilPFN }

// push inserts pfn at the front.
func (fa *freeArea) push(pages []Page, pfn int32) {
	p := &pages[pfn]
	p.prev = nilPFN
	p.next = fa.head
	if fa.head != nilPFN {
		pages[fa.head].prev = pfn
	}
	fa.head = pfn
	fa.n++
}

// remove unlinks pfn, which must be on this list.
func (fa *freeArea) remove(pages []Page, pfn int32) {
	p := &pages[pfn]
	if p.prev != nilPFN {
		pages[p.prev].next = p.next
	} else {
		fa.head = p.next
	}
	if p.next != nilPFN {
		pages[p.next].prev = p.prev
	}
	p.prev, p.next = nilPFN, nilPFN
	fa.n--
}

// pop removes and returns the first element, or nilPFN if empty.
func (fa *freeArea) pop(pages []Page) int32 {
	pfn := fa.head
	if pfn != nilPFN {
		fa.remove(pages, pfn)
	}
	return pfn
}
