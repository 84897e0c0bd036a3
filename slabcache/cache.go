// Package slabcache provides the lower-level slab arena that a size-class
// allocator partitions into per-size-class mempools: fixed, power-of-two
// sized blocks ("slabs") recycled per slab-order, plus a direct path for
// allocations too large for any slab.
//
// This is the "external collaborator" the small-object allocator in package
// smalloc is built on top of. It owns no size-class logic of its own.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package slabcache

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/smallalloc/small/debug"
)

const deadBEEF = "DEADBEEF"

// Slab is one whole, power-of-two sized memory block. Once handed out of
// the arena it is owned by whichever mempool is subdividing it; Owner is
// opaque to slabcache (it is set and read by package mempool only) so that
// this package never has to import its own consumer.
type Slab struct {
	order int
	Mem   []byte
	Owner any
}

func (s *Slab) Order() int { return s.order }

// Cache is an arena of Slabs grouped by slab-order, plus an unpooled path
// for large direct allocations. Orders are geometric: OrderSize(o) ==
// baseOrderSize << o.
type Cache struct {
	baseOrderSize uint
	maxOrder      int
	maxBytes      uint64 // 0 == unbounded; otherwise Get/GetLarge fail past this quota
	free          [][]*Slab // free[order] = stack of released whole slabs
	used          int64     // bytes currently checked out via Get
	largeUsed     int64     // bytes currently checked out via GetLarge
}

// New constructs an arena whose order-0 slab is baseOrderSize bytes (must be
// a power of two) and whose largest order is maxOrder (inclusive). maxBytes
// bounds the arena's total outstanding bytes (slabs + large allocations); 0
// means unbounded. Exceeding the quota is how this arena simulates OOM.
func New(baseOrderSize uint, maxOrder int, maxBytes uint64) *Cache {
	debug.Assert(baseOrderSize > 0 && baseOrderSize&(baseOrderSize-1) == 0)
	debug.Assert(maxOrder >= 0)
	c := &Cache{baseOrderSize: baseOrderSize, maxOrder: maxOrder, maxBytes: maxBytes}
	c.free = make([][]*Slab, maxOrder+1)
	return c
}

// OrderSize returns the size in bytes of every slab at the given order.
func (c *Cache) OrderSize(order int) uint {
	debug.Assert(order >= 0 && order <= c.maxOrder)
	return c.baseOrderSize << uint(order)
}

// OrderOf returns the smallest order whose slabs are at least size bytes,
// or ok == false if size exceeds the largest order this arena serves.
func (c *Cache) OrderOf(size uint64) (order int, ok bool) {
	for o := 0; o <= c.maxOrder; o++ {
		if uint64(c.OrderSize(o)) >= size {
			return o, true
		}
	}
	return 0, false
}

func (c *Cache) MaxOrder() int { return c.maxOrder }

// Get returns a slab of the given order, reusing a released one if
// available, otherwise growing the arena. Returns nil if handing out the
// slab would exceed the arena's byte quota (OOM).
func (c *Cache) Get(order int) *Slab {
	debug.Assert(order >= 0 && order <= c.maxOrder)
	size := c.OrderSize(order)
	if c.overQuota(uint64(size)) {
		return nil
	}
	stack := c.free[order]
	if n := len(stack); n > 0 {
		s := stack[n-1]
		c.free[order] = stack[:n-1]
		c.used += int64(len(s.Mem))
		return s
	}
	s := &Slab{order: order, Mem: make([]byte, size)}
	c.used += int64(len(s.Mem))
	if glog.V(4) {
		glog.Infof("slabcache: grew order %d (size %d)", order, size)
	}
	return s
}

func (c *Cache) overQuota(want uint64) bool {
	if c.maxBytes == 0 {
		return false
	}
	return uint64(c.used)+uint64(c.largeUsed)+want > c.maxBytes
}

// Put releases a slab back to the arena for reuse. The slab must have no
// live objects (callers in package mempool only call this once a slab's
// object count reaches zero).
func (c *Cache) Put(s *Slab) {
	debug.Assert(s.Owner == nil)
	c.used -= int64(len(s.Mem))
	debug.Assert(c.used >= 0)
	if debug.Enabled {
		for i := 0; i < len(s.Mem); i += len(deadBEEF) {
			copy(s.Mem[i:], deadBEEF)
		}
	}
	c.free[s.order] = append(c.free[s.order], s)
}

// GetLarge allocates size bytes directly, bypassing the slab rings. Used by
// the allocator facade for requests above its largest size class. Returns
// nil if doing so would exceed the arena's byte quota (OOM).
func (c *Cache) GetLarge(size uint64) []byte {
	if c.overQuota(size) {
		return nil
	}
	c.largeUsed += int64(size)
	return make([]byte, size)
}

// PutLarge releases a large direct allocation obtained via GetLarge.
func (c *Cache) PutLarge(buf []byte) {
	c.largeUsed -= int64(cap(buf))
	debug.Assert(c.largeUsed >= 0)
}

// Stats reports the arena's current in-use byte counts.
type Stats struct {
	SlabBytesUsed  int64
	LargeBytesUsed int64
}

func (c *Cache) Stats() Stats {
	return Stats{SlabBytesUsed: c.used, LargeBytesUsed: c.largeUsed}
}

func (c *Cache) String() string {
	return fmt.Sprintf("slabcache(base=%d, orders=%d, used=%d, large=%d)",
		c.baseOrderSize, c.maxOrder+1, c.used, c.largeUsed)
}
