// Package mempool implements a fixed-size free-list allocator over slabs of
// a single slab-order: the unit the small-object allocator in package
// smalloc routes individual allocate/free requests to.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package mempool

import (
	"github.com/smallalloc/small/debug"
	"github.com/smallalloc/small/slabcache"
)

// Ptr is a handle to one allocated object. Go cannot recover an enclosing
// block from a bare pointer by masking address bits, so Ptr carries its
// owning slab directly instead.
type Ptr struct {
	Buf  []byte
	slab *slabcache.Slab
}

func (p Ptr) Slab() *slabcache.Slab { return p.slab }

// PoolOf recovers the mempool.Pool currently subdividing slab. It is how
// smalloc.smfree identifies the *actual* pool that served an object,
// regardless of which sibling pool originally routed the request there.
func PoolOf(slab *slabcache.Slab) *Pool {
	if slab == nil || slab.Owner == nil {
		return nil
	}
	return slab.Owner.(*slabState).pool
}

// slabState is the bookkeeping mempool attaches to a slab for as long as
// the slab is being subdivided: how many of its objects are currently live.
type slabState struct {
	pool *Pool
	slab *slabcache.Slab
	live int
}

// PoolStats is the per-pool stats surface exposed to callers.
type PoolStats struct {
	ObjSize   uint64
	ObjCount  int // objects per slab
	SlabSize  uint64
	SlabCount int
	Used      int64 // live objects
	Total     int64 // live + free objects across all slabs this pool owns
}

// Pool allocates fixed-size objects out of slabs of a single order acquired
// from a slabcache.Cache. OwningSmallPool is an opaque back-reference set by
// package smalloc to the SmallPool that created this mempool.
type Pool struct {
	cache   *slabcache.Cache
	order   int
	objsize uint64
	perSlab int

	free   []Ptr        // free-list of available object slots, LIFO
	slabs  []*slabState // every slab currently owned by this pool

	OwningSmallPool any

	used      int64
	slabCount int
}

// NewPool constructs a pool of objsize-byte objects, each carved out of
// slabs acquired from cache at the given slab-order.
func NewPool(cache *slabcache.Cache, order int, objsize uint64) *Pool {
	debug.Assert(objsize > 0)
	perSlab := int(cache.OrderSize(order) / uint(objsize))
	debug.Assert(perSlab >= 1)
	return &Pool{cache: cache, order: order, objsize: objsize, perSlab: perSlab}
}

func (p *Pool) ObjSize() uint64 { return p.objsize }
func (p *Pool) SlabOrder() int  { return p.order }

// Alloc returns one object, acquiring and partitioning a new slab if the
// pool's free-list is empty. ok is false only on OOM (the underlying cache
// could not provide a slab); no bookkeeping changes happen in that case.
func (p *Pool) Alloc() (ptr Ptr, ok bool) {
	if n := len(p.free); n > 0 {
		ptr = p.free[n-1]
		p.free = p.free[:n-1]
		p.grant(ptr.slab)
		return ptr, true
	}
	slab := p.cache.Get(p.order)
	if slab == nil {
		return Ptr{}, false
	}
	st := &slabState{pool: p, slab: slab}
	slab.Owner = st
	p.slabs = append(p.slabs, st)
	p.slabCount++

	for i := 0; i < p.perSlab; i++ {
		off := uint64(i) * p.objsize
		p.free = append(p.free, Ptr{Buf: slab.Mem[off : off+p.objsize], slab: slab})
	}
	n := len(p.free)
	ptr = p.free[n-1]
	p.free = p.free[:n-1]
	p.grant(slab)
	return ptr, true
}

func (p *Pool) grant(slab *slabcache.Slab) {
	slab.Owner.(*slabState).live++
	p.used++
}

// FreeSlab returns ptr, known to live in slab, to this pool. slab and ptr
// need not have originated from this exact pool instance in the routing
// sense (the caller -- smalloc -- is expected to call FreeSlab on whichever
// Pool actually owns the slab, recovered via PoolOf); once the slab's live
// count reaches zero it is released back to the cache.
func (p *Pool) FreeSlab(slab *slabcache.Slab, ptr Ptr) {
	st := slab.Owner.(*slabState)
	debug.Assert(st.pool == p)
	debug.Assertf(st.live > 0, "double free on pool objsize=%d", p.objsize)
	st.live--
	p.used--
	p.free = append(p.free, ptr)
	if st.live == 0 {
		p.releaseSlab(st)
	}
}

func (p *Pool) releaseSlab(st *slabState) {
	// drop every free-list entry belonging to this slab
	kept := p.free[:0]
	for _, f := range p.free {
		if f.slab != st.slab {
			kept = append(kept, f)
		}
	}
	p.free = kept

	for i, s := range p.slabs {
		if s == st {
			p.slabs = append(p.slabs[:i], p.slabs[i+1:]...)
			break
		}
	}
	p.slabCount--
	st.slab.Owner = nil
	p.cache.Put(st.slab)
}

// Destroy asserts the pool has no live objects and drops its bookkeeping.
func (p *Pool) Destroy() {
	debug.Assertf(p.used == 0, "destroy of non-empty pool objsize=%d used=%d", p.objsize, p.used)
	for _, st := range append([]*slabState(nil), p.slabs...) {
		p.releaseSlab(st)
	}
	p.free = nil
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		ObjSize:   p.objsize,
		ObjCount:  p.perSlab,
		SlabSize:  uint64(p.cache.OrderSize(p.order)),
		SlabCount: p.slabCount,
		Used:      p.used,
		Total:     int64(p.slabCount * p.perSlab),
	}
}
