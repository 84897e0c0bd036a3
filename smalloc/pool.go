package smalloc

import "github.com/smallalloc/small/mempool"

// SmallPool is one size class's routing state: the exact size it serves,
// which pool in its Group currently handles its requests (usedPool), and
// how much waste it has accumulated by being redirected there.
type SmallPool struct {
	idx        int // index into SmallAlloc.pools
	objsize    uint64
	objsizeMin uint64
	slabOrder  int

	group      *Group
	idxInGroup int // bit position within group.activeMask / appropriateMask

	pool *mempool.Pool

	usedPool        *SmallPool
	appropriateMask uint32
	waste           int64

	delayed    []mempool.Ptr // this pool's own LIFO of quarantined frees
	registered bool          // true while this pool sits on SmallAlloc.delayedPools
}

func (p *SmallPool) ObjSize() uint64     { return p.objsize }
func (p *SmallPool) ObjSizeMin() uint64  { return p.objsizeMin }
func (p *SmallPool) SlabOrder() int      { return p.slabOrder }
func (p *SmallPool) Waste() int64        { return p.waste }
func (p *SmallPool) UsedPool() *SmallPool { return p.usedPool }
func (p *SmallPool) Group() *Group       { return p.group }

func (p *SmallPool) Stats() PoolStat {
	s := p.pool.Stats()
	return PoolStat{
		ObjSize:   s.ObjSize,
		ObjCount:  s.ObjCount,
		SlabSize:  s.SlabSize,
		SlabCount: s.SlabCount,
		Used:      s.Used,
		Total:     s.Total,
	}
}
