package smalloc_test

import (
	"bytes"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/smallalloc/small/slabcache"
	"github.com/smallalloc/small/smalloc"
)

// newAllocator builds a small test allocator: 8-byte granularity, 16-byte
// minimum, 1.1 requested growth factor, over an unbounded 64-byte-based
// cache with five slab orders -- small enough to keep groups multi-pool
// without needing a huge arena.
func newAllocator() (*smalloc.SmallAlloc, float64) {
	cache := slabcache.New(64, 4, 0)
	al, actual, err := smalloc.Create(cache, 16, 8, 1.1)
	Expect(err).NotTo(HaveOccurred())
	return al, actual
}

var _ = Describe("basic allocate/free", func() {
	// a round trip through every size class returns a buffer at least
	// as large as requested, and all pools settle back to zero used.
	It("serves and reclaims a spread of sizes", func() {
		al, actual := newAllocator()
		Expect(actual).To(BeNumerically(">", 1))

		sizes := []uint64{1, 15, 16, 17, 40, 63, 100, 200}
		ptrs := make([]smalloc.Ptr, len(sizes))
		for i, size := range sizes {
			ptr, err := al.Alloc(size)
			Expect(err).NotTo(HaveOccurred())
			Expect(len(ptr.Bytes())).To(BeNumerically(">=", size))
			ptrs[i] = ptr
		}
		for i, size := range sizes {
			al.Free(ptrs[i], size)
		}

		totals := al.Stats(nil)
		Expect(totals.Used).To(Equal(int64(0)))
	})

	It("rejects a zero-sized request as a programming error", func() {
		al, _ := newAllocator()
		Expect(func() { al.Alloc(0) }).To(Panic())
	})
})

var _ = Describe("large allocation fallthrough", func() {
	// requests past ObjSizeMax bypass every pool and go straight to the
	// cache's unpooled path.
	It("serves oversized requests directly from the cache", func() {
		al, _ := newAllocator()

		big := al.ObjSizeMax() + 1
		ptr, err := al.Alloc(big)
		Expect(err).NotTo(HaveOccurred())
		Expect(len(ptr.Bytes())).To(Equal(int(big)))

		totals := al.Stats(nil)
		Expect(totals.Used).To(Equal(int64(0)), "a large allocation must not touch any pool")

		al.Free(ptr, big)
	})

	It("fails with ErrOOM once the cache's byte quota is exhausted", func() {
		cache := slabcache.New(64, 4, 100)
		al, _, err := smalloc.Create(cache, 16, 8, 1.1)
		Expect(err).NotTo(HaveOccurred())

		big := al.ObjSizeMax() + 1000
		_, err = al.Alloc(big)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("pool group routing", func() {
	// a pool that isn't the widest in its group is initially redirected to
	// that widest sibling; waste accrues on every redirected allocation
	// until it crosses the group's threshold, at which point the narrower
	// pool activates and begins serving its own requests.
	It("accumulates waste on a redirected pool and activates it once waste crosses the group threshold", func() {
		al, _ := newAllocator()

		var p *smalloc.SmallPool
		for i := 0; i < al.NumPools(); i++ {
			cand := al.Pool(i)
			if cand.Group().Size() > 1 && cand.UsedPool() != cand {
				p = cand
				break
			}
		}
		Expect(p).NotTo(BeNil(), "expected at least one pool redirected to a wider sibling at creation")
		Expect(p.Waste()).To(Equal(int64(0)))

		const iterationCap = 1 << 16
		activated := false
		for i := 0; i < iterationCap; i++ {
			_, err := al.Alloc(p.ObjSize())
			Expect(err).NotTo(HaveOccurred())
			if p.UsedPool() == p {
				activated = true
				break
			}
		}
		Expect(activated).To(BeTrue(), "pool should activate once its redirected waste crosses the group's threshold")
		Expect(p.Waste()).To(BeNumerically(">=", int64(0)))

		// once active, it routes to itself
		ptr, err := al.Alloc(p.ObjSize())
		Expect(err).NotTo(HaveOccurred())
		Expect(p.UsedPool()).To(BeIdenticalTo(p))
		al.Free(ptr, p.ObjSize())
	})

	It("reconciles a redirected pool's waste on free", func() {
		al, _ := newAllocator()

		var p *smalloc.SmallPool
		for i := 0; i < al.NumPools(); i++ {
			cand := al.Pool(i)
			if cand.Group().Size() > 1 && cand.UsedPool() != cand {
				p = cand
				break
			}
		}
		Expect(p).NotTo(BeNil())

		ptr, err := al.Alloc(p.ObjSize())
		Expect(err).NotTo(HaveOccurred())
		before := p.Waste()
		Expect(before).To(BeNumerically(">", int64(0)))

		al.Free(ptr, p.ObjSize())
		Expect(p.Waste()).To(Equal(int64(0)))
	})
})

var _ = Describe("delayed free and incremental garbage collection", func() {
	// while delayed-free is on, frees are quarantined rather than returned;
	// turning it off drains the backlog incrementally, one bounded batch
	// per subsequent Alloc, and the allocator returns to plain Free mode
	// once the backlog is empty.
	It("quarantines frees while delayed-free is enabled, then reclaims them once it's turned off", func() {
		al, _ := newAllocator()
		al.SetOption(smalloc.DelayedFreeMode, true)
		Expect(al.FreeMode()).To(Equal(smalloc.DelayedFree))

		const n = 5
		size := uint64(20)
		ptrs := make([]smalloc.Ptr, n)
		for i := 0; i < n; i++ {
			ptr, err := al.Alloc(size)
			Expect(err).NotTo(HaveOccurred())
			ptrs[i] = ptr
		}
		for i := 0; i < n; i++ {
			al.FreeDelayed(ptrs[i], size)
		}

		al.SetOption(smalloc.DelayedFreeMode, false)
		Expect(al.FreeMode()).To(Equal(smalloc.CollectGarbage))

		// n (5) delayed items fit in a single batch (BatchSize == 100), so
		// the very next Alloc should drain the whole backlog and fall back
		// to plain Free mode in that same call.
		_, err := al.Alloc(size)
		Expect(err).NotTo(HaveOccurred())
		Expect(al.FreeMode()).To(Equal(smalloc.Free))
	})

	It("quarantines large frees the same way", func() {
		al, _ := newAllocator()
		al.SetOption(smalloc.DelayedFreeMode, true)

		big := al.ObjSizeMax() + 1
		ptr, err := al.Alloc(big)
		Expect(err).NotTo(HaveOccurred())
		al.FreeDelayed(ptr, big)

		al.SetOption(smalloc.DelayedFreeMode, false)
		_, err = al.Alloc(uint64(16))
		Expect(err).NotTo(HaveOccurred())
		Expect(al.FreeMode()).To(Equal(smalloc.Free))
	})
})

var _ = Describe("setting an unknown option", func() {
	It("panics", func() {
		al, _ := newAllocator()
		Expect(func() { al.SetOption(smalloc.Option(99), true) }).To(Panic())
	})
})

var _ = Describe("stats cross-check", func() {
	// Stats' running totals must equal the sum of every pool's own
	// Used/Total, and destroying a freshly drained allocator must not panic.
	It("matches the sum of per-pool stats", func() {
		al, _ := newAllocator()

		sizes := []uint64{16, 24, 32, 48, 64}
		ptrs := make([]smalloc.Ptr, len(sizes))
		for i, size := range sizes {
			ptr, err := al.Alloc(size)
			Expect(err).NotTo(HaveOccurred())
			ptrs[i] = ptr
		}

		var wantUsed, wantTotal int64
		for i := 0; i < al.NumPools(); i++ {
			s := al.Pool(i).Stats()
			wantUsed += s.Used
			wantTotal += s.Total
		}
		totals := al.Stats(nil)
		Expect(totals.Used).To(Equal(wantUsed))
		Expect(totals.Total).To(Equal(wantTotal))

		for i, size := range sizes {
			al.Free(ptrs[i], size)
		}
		Expect(al.Stats(nil).Used).To(Equal(int64(0)))
	})

	It("destroys cleanly once every pool is empty", func() {
		al, _ := newAllocator()
		ptr, err := al.Alloc(32)
		Expect(err).NotTo(HaveOccurred())
		al.Free(ptr, 32)
		al.Destroy()
	})

	It("panics on destroy of a non-empty allocator", func() {
		al, _ := newAllocator()
		_, err := al.Alloc(32)
		Expect(err).NotTo(HaveOccurred())
		Expect(func() { al.Destroy() }).To(Panic())
	})
})

var _ = Describe("scatter-gather buffer", func() {
	It("writes and reads back more bytes than one chunk holds", func() {
		al, _ := newAllocator()
		buf := smalloc.NewBuffer(al, 32)

		payload := make([]byte, 100)
		for i := range payload {
			payload[i] = byte(i)
		}
		n, err := buf.Write(payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(len(payload)))
		Expect(buf.Len()).To(Equal(int64(len(payload))))

		out := make([]byte, len(payload))
		total := 0
		for total < len(payload) {
			n, err := buf.Read(out[total:])
			if err != nil {
				break
			}
			total += n
		}
		Expect(out).To(Equal(payload))

		buf.Free()
	})

	It("fills itself from an io.Reader via ReadFrom", func() {
		al, _ := newAllocator()
		buf := smalloc.NewBuffer(al, 32)

		payload := make([]byte, 70)
		for i := range payload {
			payload[i] = byte(i + 1)
		}
		n, err := buf.ReadFrom(bytes.NewReader(payload))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(len(payload))))
		Expect(buf.Len()).To(Equal(int64(len(payload))))

		out := make([]byte, len(payload))
		total := 0
		for total < len(payload) {
			n, err := buf.Read(out[total:])
			if err != nil {
				break
			}
			total += n
		}
		Expect(out).To(Equal(payload))

		buf.Free()
	})
})
