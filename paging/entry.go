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

package paging

import (
	"fmt"
	"strings"

	"github.com/cloudwego/kmem/physmem"
)

// Flags are the protection and cache control bits of an Entry.
type Flags uint64

const (
	Present      Flags = 1 << 0
	Writable     Flags = 1 << 1
	User         Flags = 1 << 2
	WriteThrough Flags = 1 << 3
	CacheDisable Flags = 1 << 4
	Accessed     Flags = 1 << 5
	Dirty        Flags = 1 << 6
	Huge         Flags = 1 << 7
	Global       Flags = 1 << 8
	NoExecute    Flags = 1 << 63
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{Present, "P"}, {Writable, "W"}, {User, "U"}, {WriteThrough, "PWT"},
	{CacheDisable, "PCD"}, {Accessed, "A"}, {Dirty, "D"}, {Huge, "PS"},
	{Global, "G"}, {NoExecute, "NX"},
}

func (f Flags) String() string {
	var names []string
	for _, fn := range flagNames {
		if f&fn.f != 0 {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, "|")
}

const (
	// addrMask selects the frame or next table address, bits 12..51.
	addrMask uint64 = 0x000F_FFFF_FFFF_F000

	// tableFlags are installed on entries pointing to a lower level table.
	tableFlags = Present | Writable | User
)

// Entry is one 64-bit page table entry in the hardware layout.
type Entry uint64

// MakeEntry builds an entry pointing at the page aligned address addr.
func MakeEntry(addr uintptr, flags Flags) Entry {
	return Entry(uint64(addr)&addrMask | uint64(flags)&^addrMask)
}

// Present reports whether the entry is valid.
func (e Entry) Present() bool { return Flags(e)&Present != 0 }

// Writable reports whether writes are allowed through the entry.
func (e Entry) Writable() bool { return Flags(e)&Writable != 0 }

// User reports whether user mode may access through the entry.
func (e Entry) User() bool { return Flags(e)&User != 0 }

// Huge reports whether a PDP or PD entry maps a large page.
func (e Entry) Huge() bool { return Flags(e)&Huge != 0 }

// Addr returns the frame or next table address.
func (e Entry) Addr() uintptr { return uintptr(uint64(e) & addrMask) }

// Flags returns the non-address bits.
func (e Entry) Flags() Flags { return Flags(uint64(e) &^ addrMask) }

func (e Entry) String() string {
	return fmt.Sprintf("%#x[%s]", e.Addr(), e.Flags())
}

// Table levels, leaf first.
const (
	levelPT   = 0
	levelPD   = 1
	levelPDP  = 2
	levelPML4 = 3

	entriesPerTable = 512
	entrySize       = 8
)

var levelShift = [...]uint{12, 21, 30, 39}

// Index returns the index of virt in the table at the given level.
func Index(level int, virt uintptr) int {
	return int(virt>>levelShift[level]) & (entriesPerTable - 1)
}

// pageSizeAt is the size mapped by one entry of the given level.
func pageSizeAt(level int) uintptr {
	return uintptr(physmem.PageSize) << (9 * level)
}
