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

package slab

import (
	"bytes"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/kmem/buddy"
	"github.com/cloudwego/kmem/physmem"
)

const testBase = 0x100000

func TestNewCache(t *testing.T) {
	tests := []struct {
		name        string
		size        int
		wantSize    int
		wantOrder   int
		wantPerSlab int
		wantErr     bool
	}{
		{"too_small", 8, 0, 0, 0, true},
		{"too_large", physmem.PageSize + 1, 0, 0, 0, true},
		{"min", 16, 16, 0, 255, false},
		{"rounded", 17, 24, 0, 170, false},
		{"24", 24, 24, 0, 170, false},
		{"256", 256, 256, 1, 31, false},
		{"2048", 2048, 2048, 4, 31, false},
		{"max", physmem.PageSize, physmem.PageSize, 5, 31, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			region, arena := newTestMemory(t, 1<<20, buddy.DefaultMaxOrder)
			c, err := NewCache(region, arena, tt.name, tt.size, nil)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSize)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.name, c.Name())
			assert.Equal(t, tt.wantSize, c.ObjectSize())
			assert.Equal(t, tt.wantOrder, c.Order())
			assert.Equal(t, tt.wantPerSlab, c.ObjectsPerSlab())
			assert.GreaterOrEqual(t, c.ObjectsPerSlab(), minObjectsPerSlab)
		})
	}
}

func TestNewCacheBoundedOrder(t *testing.T) {
	region, arena := newTestMemory(t, 1<<20, 0)

	c, err := NewCache(region, arena, "small-order", 2048, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Order())
	assert.Equal(t, 1, c.ObjectsPerSlab())

	_, err = NewCache(region, arena, "no-fit", physmem.PageSize, nil)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestAllocFree(t *testing.T) {
	region, arena := newTestMemory(t, 1<<20, buddy.DefaultMaxOrder)
	c := newTestCache(t, region, arena, "test-32", 32, nil)
	initial := arena.FreePages()

	obj, err := c.Alloc()
	require.NoError(t, err)
	assert.Equal(t, initial-1, arena.FreePages())
	assert.True(t, c.Owns(obj))

	// the slab header sits at the block base
	base := obj &^ (arena.BlockSize(c.Order()) - 1)
	assert.Equal(t, slabMagic, region.Load32(base))
	assert.Equal(t, base+headerSize, obj)

	// data integrity
	data := region.Bytes(obj, 32)
	for i := range data {
		data[i] = byte(i)
	}
	obj2, err := c.Alloc()
	require.NoError(t, err)
	assert.NotEqual(t, obj, obj2)
	for i, b := range region.Bytes(obj, 32) {
		assert.Equal(t, byte(i), b)
	}

	st := c.Stats()
	assert.Equal(t, 1, st.PartialSlabs)
	assert.Equal(t, 2, st.ActiveObjects)
	assert.Equal(t, c.ObjectsPerSlab(), st.Objects)
	assert.Equal(t, 1, st.Pages)

	require.NoError(t, c.Free(obj))
	require.NoError(t, c.Free(obj2))
	st = c.Stats()
	assert.Equal(t, 0, st.PartialSlabs)
	assert.Equal(t, 1, st.FreeSlabs)
	assert.Equal(t, 0, st.ActiveObjects)
	assert.NoError(t, c.Verify())

	// the free slab is reused before growing
	obj3, err := c.Alloc()
	require.NoError(t, err)
	assert.Equal(t, initial-1, arena.FreePages())
	assert.Equal(t, obj2, obj3, "LIFO free list")
}

func TestSlabListTransitions(t *testing.T) {
	region, arena := newTestMemory(t, 1<<20, buddy.DefaultMaxOrder)
	c := newTestCache(t, region, arena, "test-1024", 1024, nil)
	n := c.ObjectsPerSlab()

	objs := make([]uintptr, 0, n)
	for i := 0; i < n; i++ {
		obj, err := c.Alloc()
		require.NoError(t, err)
		objs = append(objs, obj)
		require.NoError(t, c.Verify())
	}
	st := c.Stats()
	assert.Equal(t, 1, st.FullSlabs)
	assert.Equal(t, 0, st.PartialSlabs)

	// full -> partial
	require.NoError(t, c.Free(objs[0]))
	st = c.Stats()
	assert.Equal(t, 0, st.FullSlabs)
	assert.Equal(t, 1, st.PartialSlabs)

	// partial -> full
	obj, err := c.Alloc()
	require.NoError(t, err)
	assert.Equal(t, objs[0], obj)
	assert.Equal(t, 1, c.Stats().FullSlabs)

	// a second slab is grown once the first is full
	extra, err := c.Alloc()
	require.NoError(t, err)
	st = c.Stats()
	assert.Equal(t, 1, st.FullSlabs)
	assert.Equal(t, 1, st.PartialSlabs)
	assert.False(t, extra&^(arena.BlockSize(c.Order())-1) == obj&^(arena.BlockSize(c.Order())-1))

	for _, o := range objs {
		require.NoError(t, c.Free(o))
	}
	require.NoError(t, c.Free(extra))
	st = c.Stats()
	assert.Equal(t, 2, st.FreeSlabs)
	assert.NoError(t, c.Verify())
}

func TestSlabListInvariantRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	region, arena := newTestMemory(t, 4<<20, buddy.DefaultMaxOrder)
	c := newTestCache(t, region, arena, "test-128", 128, nil)

	var live []uintptr
	for i := 0; i < 20000; i++ {
		if len(live) == 0 || rng.Intn(5) < 3 {
			obj, err := c.Alloc()
			require.NoError(t, err)
			live = append(live, obj)
		} else {
			idx := rng.Intn(len(live))
			require.NoError(t, c.Free(live[idx]))
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
		}
		if i%500 == 0 {
			require.NoError(t, c.Verify())
		}
	}
	assert.Equal(t, len(live), c.Stats().ActiveObjects)

	seen := make(map[uintptr]bool, len(live))
	for _, obj := range live {
		assert.False(t, seen[obj], "object %#x handed out twice", obj)
		seen[obj] = true
	}
	for _, obj := range live {
		require.NoError(t, c.Free(obj))
	}
	assert.NoError(t, c.Verify())
	assert.Equal(t, 0, c.Stats().ActiveObjects)
}

func TestFreeWrongCache(t *testing.T) {
	var logs bytes.Buffer
	opt := &Option{Logger: slog.New(slog.NewTextHandler(&logs, nil))}
	region, arena := newTestMemory(t, 1<<20, buddy.DefaultMaxOrder)
	c1 := newTestCache(t, region, arena, "one", 64, opt)
	c2 := newTestCache(t, region, arena, "two", 64, opt)

	obj, err := c1.Alloc()
	require.NoError(t, err)

	assert.ErrorIs(t, c2.Free(obj), ErrWrongCache)
	assert.Contains(t, logs.String(), "wrong cache")
	// the free was dropped
	assert.Equal(t, 1, c1.Stats().ActiveObjects)
	assert.False(t, c2.Owns(obj))

	owner, ok := Lookup(arena, obj)
	require.True(t, ok)
	assert.Same(t, c1, owner)
	require.NoError(t, c1.Free(obj))
}

func TestFreeInvalid(t *testing.T) {
	var logs bytes.Buffer
	opt := &Option{Logger: slog.New(slog.NewTextHandler(&logs, nil))}
	region, arena := newTestMemory(t, 1<<20, buddy.DefaultMaxOrder)
	c := newTestCache(t, region, arena, "test-64", 64, opt)

	obj, err := c.Alloc()
	require.NoError(t, err)
	base := obj &^ (arena.BlockSize(c.Order()) - 1)

	t.Run("NotSlab", func(t *testing.T) {
		page, err := arena.Alloc(0)
		require.NoError(t, err)
		assert.ErrorIs(t, c.Free(page), ErrNotSlab)
		assert.ErrorIs(t, c.Free(0), ErrNotSlab)
		_, ok := Lookup(arena, page)
		assert.False(t, ok)
		require.NoError(t, arena.Free(page, 0))
	})

	t.Run("BadAddress", func(t *testing.T) {
		assert.ErrorIs(t, c.Free(obj+1), ErrBadAddress)
		assert.ErrorIs(t, c.Free(base), ErrBadAddress)
	})

	t.Run("DoubleFree", func(t *testing.T) {
		obj2, err := c.Alloc()
		require.NoError(t, err)
		require.NoError(t, c.Free(obj2))
		assert.ErrorIs(t, c.Free(obj2), ErrDoubleFree)
		assert.Contains(t, logs.String(), "double free")
		// never allocated slot
		assert.ErrorIs(t, c.Free(obj+uintptr(10*c.ObjectSize())), ErrDoubleFree)
		assert.NoError(t, c.Verify())
	})

	t.Run("CorruptedHeader", func(t *testing.T) {
		region.Store32(base, 0)
		assert.ErrorIs(t, c.Free(obj), ErrCorrupted)
		assert.Contains(t, logs.String(), "corrupted")
		region.Store32(base, slabMagic)
		assert.NoError(t, c.Free(obj))
	})
}

func TestCorruptedFreeList(t *testing.T) {
	tests := []struct {
		name string
		link func(used uintptr) uint64
	}{
		{"garbage", func(uintptr) uint64 { return 0xdeadbeef }},
		{"zeroed", func(uintptr) uint64 { return 0 }},
		{"points_at_used_slot", func(used uintptr) uint64 { return uint64(used) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			opt := &Option{Logger: slog.New(slog.NewTextHandler(&logs, nil))}
			region, arena := newTestMemory(t, 1<<20, buddy.DefaultMaxOrder)
			c := newTestCache(t, region, arena, "test-16", 16, opt)

			keep, err := c.Alloc()
			require.NoError(t, err)
			obj, err := c.Alloc()
			require.NoError(t, err)
			require.NoError(t, c.Free(obj))

			// use after free clobbers the link
			region.Store64(obj, tt.link(keep))

			seen := map[uintptr]bool{keep: true}
			for i := 0; i < c.ObjectsPerSlab()-1; i++ {
				a, err := c.Alloc()
				require.NoError(t, err)
				require.False(t, seen[a], "object %#x handed out twice", a)
				seen[a] = true
				assert.True(t, c.Owns(a))
			}
			assert.True(t, seen[obj])
			assert.Equal(t, 1, c.Stats().FullSlabs)
			assert.Contains(t, logs.String(), "corrupted free list")
			assert.NoError(t, c.Verify())
		})
	}
}

func TestGrowNoMemory(t *testing.T) {
	region, arena := newTestMemory(t, physmem.PageSize, 0)
	c := newTestCache(t, region, arena, "test-16", 16, nil)

	for i := 0; i < c.ObjectsPerSlab(); i++ {
		_, err := c.Alloc()
		require.NoError(t, err)
	}
	_, err := c.Alloc()
	assert.ErrorIs(t, err, buddy.ErrNoMemory)
	assert.NoError(t, c.Verify())
}

func TestShrinkDestroy(t *testing.T) {
	region, arena := newTestMemory(t, 1<<20, buddy.DefaultMaxOrder)
	initial := arena.Stats()
	c := newTestCache(t, region, arena, "test-512", 512, nil)

	var objs []uintptr
	for i := 0; i < 3*c.ObjectsPerSlab(); i++ {
		obj, err := c.Alloc()
		require.NoError(t, err)
		objs = append(objs, obj)
	}
	assert.Equal(t, 3, c.Stats().FullSlabs)

	// empty one slab
	for _, obj := range objs[:c.ObjectsPerSlab()] {
		require.NoError(t, c.Free(obj))
	}
	assert.Equal(t, 1, c.Stats().FreeSlabs)

	released, err := c.Shrink()
	require.NoError(t, err)
	assert.Equal(t, 1<<c.Order(), released)
	assert.Equal(t, 0, c.Stats().FreeSlabs)
	assert.NoError(t, c.Verify())

	require.NoError(t, c.Destroy())
	st := c.Stats()
	assert.Equal(t, 0, st.FullSlabs+st.PartialSlabs+st.FreeSlabs)
	assert.Equal(t, 0, st.Pages)
	assert.Equal(t, 0, st.ActiveObjects)
	assert.Equal(t, initial, arena.Stats())
	assert.NoError(t, arena.Verify())

	// page descriptors no longer point at the slabs
	_, ok := Lookup(arena, objs[len(objs)-1])
	assert.False(t, ok)
}

// helpers

func newTestMemory(t *testing.T, size, maxOrder int) (*physmem.Region, *buddy.Arena) {
	t.Helper()
	region, err := physmem.New(testBase, size)
	require.NoError(t, err)
	arena, err := buddy.New(testBase, size, &buddy.Option{MaxOrder: maxOrder})
	require.NoError(t, err)
	return region, arena
}

func newTestCache(t *testing.T, region *physmem.Region, arena *buddy.Arena, name string, size int, opt *Option) *Cache {
	t.Helper()
	c, err := NewCache(region, arena, name, size, opt)
	require.NoError(t, err)
	return c
}

// benchmarks

func BenchmarkAllocFree(b *testing.B) {
	region, _ := physmem.New(testBase, 16<<20)
	arena, _ := buddy.New(testBase, 16<<20, nil)
	c, _ := NewCache(region, arena, "bench-64", 64, nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		obj, err := c.Alloc()
		if err == nil {
			_ = c.Free(obj)
		}
	}
}
