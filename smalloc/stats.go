package smalloc

// PoolStat is a per-pool snapshot: objsize, objcount, slabsize, slabcount,
// used, total.
type PoolStat struct {
	ObjSize   uint64
	ObjCount  int
	SlabSize  uint64
	SlabCount int
	Used      int64
	Total     int64
}

// Totals is the aggregate across every pool.
type Totals struct {
	Used  int64
	Total int64
}

// Stats walks the pools in index order, summing Used/Total and invoking cb
// for each one; cb returning non-zero stops the walk early.
func (al *SmallAlloc) Stats(cb func(idx int, s PoolStat) int) Totals {
	var totals Totals
	for i, p := range al.pools {
		s := p.Stats()
		totals.Used += s.Used
		totals.Total += s.Total
		if cb != nil && cb(i, s) != 0 {
			break
		}
	}
	return totals
}
