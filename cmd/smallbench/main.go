// Command smallbench sweeps the small-object allocator across a slab-size
// and growth-factor grid and reports per-combination waste and throughput,
// the benchmark shape aistore's own bench/aisloader uses for its own sweeps
// (a flag-driven CLI with one run per combination).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"
	"github.com/vbauerster/mpb/v4"
	"github.com/vbauerster/mpb/v4/decor"

	"github.com/smallalloc/small/slabcache"
	"github.com/smallalloc/small/smalloc"
)

var defaultSlabSizesMiB = []uint{4, 8, 16}
var defaultFactors = []float64{1.01, 1.03, 1.05, 1.1, 1.3, 1.5}

func main() {
	app := cli.NewApp()
	app.Name = "smallbench"
	app.Usage = "sweep the small-object allocator across slab size x growth factor"
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "objects", Value: 50000, Usage: "objects allocated and freed per combination"},
		cli.Uint64Flag{Name: "minsize", Value: 16, Usage: "min_alloc passed to Create"},
		cli.Uint64Flag{Name: "granularity", Value: 8, Usage: "granularity passed to Create"},
	}
	app.Action = func(c *cli.Context) error {
		return run(c.Int("objects"), c.Uint64("minsize"), c.Uint64("granularity"))
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(objects int, minSize, granularity uint64) error {
	total := len(defaultSlabSizesMiB) * len(defaultFactors)
	progress := mpb.New(mpb.WithWidth(48))
	bar := progress.AddBar(int64(total),
		mpb.PrependDecorators(decor.Name("sweep", decor.WC{W: 8})),
		mpb.AppendDecorators(decor.Percentage()),
	)

	for _, mib := range defaultSlabSizesMiB {
		slabSize := uint(mib) * 1 << 20
		for _, factor := range defaultFactors {
			res, err := runOne(slabSize, factor, objects, minSize, granularity)
			if err != nil {
				return err
			}
			fmt.Printf("slab=%dMiB factor=%.2f -> actual=%.5f pools=%d elapsed=%s waste=%d bytes\n",
				mib, factor, res.actualFactor, res.numPools, res.elapsed, res.waste)
			bar.Increment()
		}
	}
	progress.Wait()
	return nil
}

type result struct {
	actualFactor float64
	numPools     int
	elapsed      time.Duration
	waste        int64
}

func runOne(slabSize uint, factor float64, objects int, minSize, granularity uint64) (result, error) {
	cache := slabcache.New(slabSize, 4, 0)
	al, actual, err := smalloc.Create(cache, minSize, granularity, factor)
	if err != nil {
		return result{}, err
	}

	sizes := sampleSizes(al.ObjSizeMax(), objects)
	ptrs := make([]smalloc.Ptr, objects)

	start := time.Now()
	for i, size := range sizes {
		ptr, err := al.Alloc(size)
		if err != nil {
			return result{}, err
		}
		ptrs[i] = ptr
	}
	// sampled while every object is live: each Free reconciles its waste
	var waste int64
	for i := 0; i < al.NumPools(); i++ {
		waste += al.Pool(i).Waste()
	}
	for i, size := range sizes {
		al.Free(ptrs[i], size)
	}
	elapsed := time.Since(start)

	al.Destroy()
	return result{actualFactor: actual, numPools: al.NumPools(), elapsed: elapsed, waste: waste}, nil
}

// sampleSizes generates a deterministic spread of sizes across [1,
// objsizeMax], cycling so every size class gets exercised repeatedly.
func sampleSizes(objsizeMax uint64, n int) []uint64 {
	sizes := make([]uint64, n)
	if objsizeMax == 0 {
		objsizeMax = 1
	}
	for i := range sizes {
		sizes[i] = 1 + uint64(i)%objsizeMax
	}
	return sizes
}
