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

// MMU is the paging hardware seen by the mapper.
type MMU interface {
	// Root returns the physical address of the top level table (CR3).
	Root() uintptr
	// SetRoot installs a new top level table.
	SetRoot(phys uintptr)
	// Invalidate drops the translation cache entry of one page (INVLPG).
	Invalidate(virt uintptr)
}

// SoftMMU is an MMU without hardware behind it.
// It keeps the root and records every invalidated page.
type SoftMMU struct {
	root        uintptr
	invalidated []uintptr
}

// NewSoftMMU returns a SoftMMU whose root is the given table, 0 for none.
func NewSoftMMU(root uintptr) *SoftMMU {
	return &SoftMMU{root: root}
}

func (m *SoftMMU) Root() uintptr { return m.root }

func (m *SoftMMU) SetRoot(phys uintptr) { m.root = phys }

func (m *SoftMMU) Invalidate(virt uintptr) {
	m.invalidated = append(m.invalidated, virt)
}

// Invalidated returns the pages invalidated so far, in order.
func (m *SoftMMU) Invalidated() []uintptr { return m.invalidated }
