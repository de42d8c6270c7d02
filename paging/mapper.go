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

// Package paging builds and tears down four-level page tables.
//
// Tables are order 0 pages of the buddy arena, reached through the flat
// kernel mapping. Intermediate tables are allocated on first use and freed
// as soon as they become empty. The top level table is never freed.
//
// Mapper is not safe for concurrent use, and only invalidates the local
// translation cache.
package paging

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cloudwego/kmem/buddy"
	"github.com/cloudwego/kmem/physmem"
)

var (
	ErrUnaligned = errors.New("paging: address not page aligned")
	ErrHugePage  = errors.New("paging: range is covered by a large page")
	ErrBadRoot   = errors.New("paging: top level table outside of managed memory")
)

// Option configures a Mapper.
type Option struct {
	// Logger receives reports of failures that cannot be returned. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{Logger: slog.Default()}
}

// Mapper edits the address space rooted at the MMU's top level table.
type Mapper struct {
	region *physmem.Region
	arena  *buddy.Arena
	mmu    MMU
	root   uintptr
	log    *slog.Logger
}

// NewMapper returns a mapper for the address space installed in mmu.
// If mmu has no root yet, an empty top level table is allocated and installed.
func NewMapper(region *physmem.Region, arena *buddy.Arena, mmu MMU, opt *Option) (*Mapper, error) {
	if opt == nil {
		opt = DefaultOption()
	}
	m := &Mapper{
		region: region,
		arena:  arena,
		mmu:    mmu,
		log:    opt.Logger,
	}
	if m.log == nil {
		m.log = slog.Default()
	}

	root := mmu.Root()
	if root == 0 {
		t, err := m.allocTable()
		if err != nil {
			return nil, fmt.Errorf("paging: allocate top level table: %w", err)
		}
		mmu.SetRoot(t)
		root = t
	}
	if root&(physmem.PageSize-1) != 0 || !region.Contains(physmem.PhysToVirt(root), physmem.PageSize) {
		return nil, fmt.Errorf("%w: %#x", ErrBadRoot, root)
	}
	m.root = root
	return m, nil
}

// Root returns the physical address of the top level table.
func (m *Mapper) Root() uintptr { return m.root }

func (m *Mapper) entry(table uintptr, idx int) Entry {
	return Entry(m.region.Load64(physmem.PhysToVirt(table) + uintptr(idx*entrySize)))
}

func (m *Mapper) setEntry(table uintptr, idx int, e Entry) {
	m.region.Store64(physmem.PhysToVirt(table)+uintptr(idx*entrySize), uint64(e))
}

func (m *Mapper) allocTable() (uintptr, error) {
	t, err := m.arena.Alloc(0)
	if err != nil {
		return 0, err
	}
	m.region.Zero(physmem.PhysToVirt(t), physmem.PageSize)
	return t, nil
}

func (m *Mapper) freeTable(t uintptr) {
	if err := m.arena.Free(t, 0); err != nil {
		m.log.Error("paging: free table", "table", fmt.Sprintf("%#x", t), "error", err)
	}
}

func (m *Mapper) empty(table uintptr) bool {
	for i := 0; i < entriesPerTable; i++ {
		if m.entry(table, i).Present() {
			return false
		}
	}
	return true
}

// Map maps count pages starting at virt to the frames starting at phys.
// Leaf entries get phys|flags. Either every page is mapped, or, if a table
// cannot be allocated, the pages mapped by this call are unmapped again and
// the error is returned.
func (m *Mapper) Map(virt, phys uintptr, count int, flags Flags) error {
	if virt&(physmem.PageSize-1) != 0 || phys&(physmem.PageSize-1) != 0 {
		return fmt.Errorf("%w: virt=%#x phys=%#x", ErrUnaligned, virt, phys)
	}
	for i := 0; i < count; i++ {
		v := virt + uintptr(i)*physmem.PageSize
		p := phys + uintptr(i)*physmem.PageSize
		if err := m.mapPage(v, p, flags); err != nil {
			m.Unmap(virt, i)
			return fmt.Errorf("paging: map %#x -> %#x: %w", v, p, err)
		}
	}
	return nil
}

// newTable records a table allocated while mapping one page.
type newTable struct {
	parent uintptr
	idx    int
	table  uintptr
}

func (m *Mapper) mapPage(virt, phys uintptr, flags Flags) error {
	var fresh [levelPML4]newTable
	n := 0

	table := m.root
	for level := levelPML4; level > levelPT; level-- {
		idx := Index(level, virt)
		e := m.entry(table, idx)
		if e.Present() {
			if e.Huge() {
				m.dropTables(fresh[:n])
				return ErrHugePage
			}
			table = e.Addr()
			continue
		}
		t, err := m.allocTable()
		if err != nil {
			m.dropTables(fresh[:n])
			return err
		}
		m.setEntry(table, idx, MakeEntry(t, tableFlags))
		fresh[n] = newTable{parent: table, idx: idx, table: t}
		n++
		table = t
	}

	m.setEntry(table, Index(levelPT, virt), MakeEntry(phys, flags))
	m.mmu.Invalidate(virt)
	return nil
}

// dropTables releases tables installed for a page that failed to map, innermost first.
func (m *Mapper) dropTables(tables []newTable) {
	for i := len(tables) - 1; i >= 0; i-- {
		t := tables[i]
		m.setEntry(t.parent, t.idx, 0)
		m.freeTable(t.table)
	}
}

// Unmap removes the mappings of count pages starting at virt.
// virt is rounded down to its page, so an address inside a page unmaps that
// page. Map instead rejects unaligned addresses, since the offset would be
// lost from the frame it installs. Pages that are not mapped are skipped.
// Tables left empty are freed.
func (m *Mapper) Unmap(virt uintptr, count int) {
	virt &= physmem.PageMask
	for i := 0; i < count; i++ {
		m.unmapPage(virt + uintptr(i)*physmem.PageSize)
	}
}

func (m *Mapper) unmapPage(virt uintptr) {
	// tables[level] is the table of that level on the path to virt.
	var tables [levelPML4 + 1]uintptr

	tables[levelPML4] = m.root
	for level := levelPML4; level > levelPT; level-- {
		e := m.entry(tables[level], Index(level, virt))
		if !e.Present() || e.Huge() {
			return
		}
		tables[level-1] = e.Addr()
	}

	m.setEntry(tables[levelPT], Index(levelPT, virt), 0)
	m.mmu.Invalidate(virt)

	for level := levelPT; level < levelPML4; level++ {
		if !m.empty(tables[level]) {
			break
		}
		m.setEntry(tables[level+1], Index(level+1, virt), 0)
		m.freeTable(tables[level])
	}
}

// Lookup returns the entry that maps virt: a PT entry, or a large page PD or PDP entry.
func (m *Mapper) Lookup(virt uintptr) (Entry, int, bool) {
	table := m.root
	for level := levelPML4; level >= levelPT; level-- {
		e := m.entry(table, Index(level, virt))
		if !e.Present() {
			return 0, 0, false
		}
		if level == levelPT || (e.Huge() && level <= levelPDP) {
			return e, level, true
		}
		table = e.Addr()
	}
	return 0, 0, false
}

// Translate returns the physical address virt is mapped to.
// Large pages at the PD (2MB) and PDP (1GB) levels are honored.
func (m *Mapper) Translate(virt uintptr) (uintptr, bool) {
	e, level, ok := m.Lookup(virt)
	if !ok {
		return 0, false
	}
	mask := pageSizeAt(level) - 1
	return e.Addr()&^mask | virt&mask, true
}
