package smalloc

import "math/bits"

// Group is a contiguous run of up to 32 size classes sharing a slab-order:
// the unit of routing and activation. Pools are identified within a group
// by their position (0..size-1), which doubles as the bit index into
// activeMask and each member's appropriateMask.
type Group struct {
	first, last int // indices into SmallAlloc.pools
	slabOrder   int
	activeMask  uint32
	wasteMax    int64
}

func (g *Group) Size() int { return g.last - g.first + 1 }

func (g *Group) ActiveMask() uint32 { return g.activeMask }

// buildGroups partitions al.pools into contiguous same-slab-order chunks of
// at most 32 pools each, and initializes every pool's routing state: the
// largest pool in each group starts activated and every member routes to
// it.
func (al *SmallAlloc) buildGroups() {
	const maxGroupSize = 32

	i := 0
	for i < len(al.pools) {
		j := i + 1
		for j < len(al.pools) && j-i < maxGroupSize && al.pools[j].slabOrder == al.pools[i].slabOrder {
			j++
		}
		g := &Group{
			first:     i,
			last:      j - 1,
			slabOrder: al.pools[i].slabOrder,
		}
		g.wasteMax = int64(al.cache.OrderSize(g.slabOrder)) / 4

		size := g.Size()
		allOnes := uint32(1)<<uint(size) - 1
		for k := i; k < j; k++ {
			p := al.pools[k]
			p.group = g
			p.idxInGroup = k - i
			p.appropriateMask = (^uint32(0) << uint(p.idxInGroup)) & allOnes
		}
		g.activeMask = uint32(1) << uint(size-1)
		last := al.pools[j-1]
		for k := i; k < j; k++ {
			al.pools[k].usedPool = last
		}

		al.groups = append(al.groups, g)
		i = j
	}
}

// activate promotes p to serve its own requests: it sets p's bit in its
// group's active mask, then re-routes every pool at or below p's index in
// the group to the narrowest now-active pool that can serve it. Pools with
// a larger objsize are unaffected.
func (al *SmallAlloc) activate(p *SmallPool) {
	g := p.group
	g.activeMask |= 1 << uint(p.idxInGroup)

	for k := g.first; k <= g.first+p.idxInGroup; k++ {
		q := al.pools[k]
		candidates := g.activeMask & q.appropriateMask
		bit := bits.TrailingZeros32(candidates)
		q.usedPool = al.pools[g.first+bit]
	}
}
