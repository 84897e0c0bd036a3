// Package smalloc implements a small-object slab allocator: it partitions
// the whole slabs handed out by package slabcache into per-size-class
// mempools (package mempool) and routes individual allocate/free requests
// to the right one, bounding the waste incurred when a size class has no
// slab of its own by redirecting to a wider sibling and activating that
// sibling once the redirected waste crosses a threshold.
//
// An allocator instance is single-threaded: Alloc, Free, FreeDelayed and
// SetOption must all be called from the same goroutine.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package smalloc

import (
	"os"
	"strconv"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/smallalloc/small/debug"
	"github.com/smallalloc/small/mempool"
	"github.com/smallalloc/small/sizeclass"
	"github.com/smallalloc/small/slabcache"
)

// ErrOOM is returned by Alloc when the underlying slab cache cannot satisfy
// a new slab or large allocation. It is the only runtime-recoverable error
// this package produces; every other misuse (double free, size/class
// mismatch, destroying a non-empty allocator) is a programming error and is
// reported via debug.Assert, which panics.
var ErrOOM = errors.New("smalloc: out of memory")

// minObjectsPerSlab bounds how thin a slab may be sliced: the slab-order
// chosen for a size class is the smallest one giving it at least this many
// objects per slab, capped at the cache's largest order.
const minObjectsPerSlab = 8

// BatchSize is the bounded amount of delayed-free work one GC step performs:
// "100" is the historical constant this allocator inherits.
const BatchSize = 100

const gcBatchEnv = "SMALLOC_GC_BATCH"

// FreeMode is the allocator's delayed-free/GC state.
type FreeMode int

const (
	Free FreeMode = iota
	DelayedFree
	CollectGarbage
)

func (m FreeMode) String() string {
	switch m {
	case Free:
		return "free"
	case DelayedFree:
		return "delayed-free"
	case CollectGarbage:
		return "collect-garbage"
	default:
		return "unknown"
	}
}

// Option identifies a tunable passed to SetOption.
type Option int

const DelayedFreeMode Option = iota

// Ptr is the opaque handle Alloc returns and Free/FreeDelayed consume. It
// is either backed by a small-object slot (mempool.Ptr) or a direct large
// allocation.
type Ptr struct {
	buf     []byte
	mp      mempool.Ptr
	isLarge bool
}

func (p Ptr) Bytes() []byte { return p.buf }

// SmallAlloc is one allocator instance: an ordered array of size-class
// pools, the groups that partition them, and the delayed-free/GC state.
type SmallAlloc struct {
	classifier *sizeclass.Class
	cache      *slabcache.Cache

	pools      []*SmallPool
	groups     []*Group
	objsizeMax uint64

	freeMode     FreeMode
	delayedPools []*SmallPool // allocator-wide LIFO of pools with pending delayed frees
	delayedLarge [][]byte     // LIFO of large allocations awaiting reclamation
	gcBatch      int
}

// Create builds a complete allocator: size classes, one mempool per class,
// and the pool groups that route between them. It reports the realised
// growth factor alongside the allocator, since it may differ from
// requestedFactor (sizeclass.New picks the closest 2^(1/2^k)).
func Create(cache *slabcache.Cache, minObj, granularity uint64, requestedFactor float64) (*SmallAlloc, float64, error) {
	cls, err := sizeclass.New(granularity, minObj, requestedFactor)
	if err != nil {
		return nil, 0, err
	}

	al := &SmallAlloc{classifier: cls, cache: cache, gcBatch: BatchSize}
	if v := os.Getenv(gcBatchEnv); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			al.gcBatch = n
		}
	}

	maxOrderSize := cache.OrderSize(cache.MaxOrder())
	al.objsizeMax = uint64(maxOrderSize) / 4
	numClasses := cls.ClassOf(al.objsizeMax) + 1

	al.pools = make([]*SmallPool, 0, numClasses)
	order := 0
	var prevSize uint64
	for c := 0; c < numClasses; c++ {
		objsize := cls.Size(c)
		for order < cache.MaxOrder() && uint64(cache.OrderSize(order))/minObjectsPerSlab < objsize {
			order++
		}
		p := &SmallPool{
			idx:        c,
			objsize:    objsize,
			objsizeMin: prevSize + 1,
			slabOrder:  order,
			pool:       mempool.NewPool(cache, order, objsize),
		}
		p.pool.OwningSmallPool = p
		al.pools = append(al.pools, p)
		prevSize = objsize
	}

	al.buildGroups()

	glog.V(4).Infof("smalloc: created %d pools in %d groups, actual_factor=%.5f, objsize_max=%d",
		len(al.pools), len(al.groups), cls.ActualFactor(), al.objsizeMax)

	return al, cls.ActualFactor(), nil
}

// ObjSizeMax is the largest size served by any pool; requests above it fall
// through to a direct large-slab allocation.
func (al *SmallAlloc) ObjSizeMax() uint64 { return al.objsizeMax }

func (al *SmallAlloc) NumPools() int { return len(al.pools) }

func (al *SmallAlloc) Pool(i int) *SmallPool { return al.pools[i] }

func (al *SmallAlloc) FreeMode() FreeMode { return al.freeMode }

// Alloc returns a pointer to at least size bytes, or ErrOOM. It performs at
// most one bounded GC batch first.
func (al *SmallAlloc) Alloc(size uint64) (Ptr, error) {
	debug.Assert(size > 0)
	if al.freeMode == CollectGarbage {
		al.gcStep()
	}

	if size > al.objsizeMax {
		buf := al.cache.GetLarge(size)
		if buf == nil {
			return Ptr{}, errors.Wrapf(ErrOOM, "large alloc of %d bytes", size)
		}
		return Ptr{buf: buf, isLarge: true}, nil
	}

	cls := al.classifier.ClassOf(size)
	p := al.pools[cls]
	target := p.usedPool
	mp, ok := target.pool.Alloc()
	if !ok {
		return Ptr{}, errors.Wrapf(ErrOOM, "class %d (objsize=%d)", cls, p.objsize)
	}
	if target != p {
		p.waste += int64(target.objsize - p.objsize)
		if p.waste >= p.group.wasteMax {
			al.activate(p)
		}
	}
	return Ptr{buf: mp.Buf, mp: mp}, nil
}

// Free synchronously releases ptr, allocated with the given size, back to
// its pool (or to the slab cache, if it was a large allocation),
// reconciling waste if a sibling pool actually served the request.
func (al *SmallAlloc) Free(ptr Ptr, size uint64) {
	if ptr.isLarge {
		al.cache.PutLarge(ptr.buf)
		return
	}
	cls := al.classifier.ClassOf(size)
	debug.Assertf(cls < len(al.pools), "free size %d maps past objsize_max", size)
	p := al.pools[cls]
	actual := al.ownerOf(ptr.mp)
	debug.Assertf(actual.group == p.group && actual.objsize >= p.objsize,
		"free size %d does not match the size class the object was allocated with", size)
	if actual != p {
		p.waste -= int64(actual.objsize - p.objsize)
	}
	actual.pool.FreeSlab(ptr.mp.Slab(), ptr.mp)
}

func (al *SmallAlloc) ownerOf(mp mempool.Ptr) *SmallPool {
	return mempool.PoolOf(mp.Slab()).OwningSmallPool.(*SmallPool)
}

// SetOption transitions the allocator's free mode. Turning delayed-free off
// does not synchronously drain it -- it enters CollectGarbage and drains
// incrementally, one bounded batch per subsequent Alloc.
func (al *SmallAlloc) SetOption(opt Option, on bool) {
	switch opt {
	case DelayedFreeMode:
		if on {
			al.freeMode = DelayedFree
		} else {
			al.freeMode = CollectGarbage
		}
	default:
		panic("smalloc: unknown option")
	}
}

// Destroy releases every pool (each must be empty) and drains any pending
// large delayed frees.
func (al *SmallAlloc) Destroy() {
	for _, p := range al.pools {
		p.pool.Destroy()
	}
	for _, buf := range al.delayedLarge {
		al.cache.PutLarge(buf)
	}
	al.delayedLarge = nil
	glog.V(4).Infof("smalloc: destroyed")
}
