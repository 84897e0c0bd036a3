// Package sizeclass computes the mapping between an object size and a
// size-class index used by a small-object slab allocator.
//
// Classes below `EffSize` grow by a constant additive step (`granularity`),
// the "incremental region". Classes at or above `EffSize` grow
// geometrically: class size doubles every `EffSize` classes, with the
// realised per-class growth factor (`ActualFactor`) chosen to be the
// closest value of the form 2^(1/2^k) to the caller's requested factor, so
// that every per-class size can be derived with shifts and integer
// multiplication alone — no table, no floating point on the hot path.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package sizeclass

import (
	"math"
	"math/bits"

	"github.com/pkg/errors"

	"github.com/smallalloc/small/debug"
)

// Class is an immutable size-class table, built once at allocator creation
// time from (granularity, minAlloc, requestedFactor).
type Class struct {
	granularity uint64
	minAlloc    uint64
	effSize     uint64 // 2^k, classes per geometric decade; also width of the incremental region
	k           uint
	base        uint64 // size(EffSize): first class size outside the incremental region
	actual      float64
	requested   float64
}

// New builds a Class table. granularity must be a power of two, minAlloc a
// multiple of granularity, and requestedFactor must lie in (1, 2].
func New(granularity, minAlloc uint64, requestedFactor float64) (*Class, error) {
	if granularity == 0 || granularity&(granularity-1) != 0 {
		return nil, errors.Errorf("granularity %d must be a power of two", granularity)
	}
	if minAlloc%granularity != 0 {
		return nil, errors.Errorf("min_alloc %d must be a multiple of granularity %d", minAlloc, granularity)
	}
	if requestedFactor <= 1 || requestedFactor > 2 {
		return nil, errors.Errorf("requested_factor %v must be in (1, 2]", requestedFactor)
	}

	k := int(math.Round(math.Log2(1 / math.Log2(requestedFactor))))
	if k < 0 {
		k = 0
	}
	effSize := uint64(1) << uint(k)
	actual := math.Pow(2, 1/float64(effSize))

	c := &Class{
		granularity: granularity,
		minAlloc:    minAlloc,
		effSize:     effSize,
		k:           uint(k),
		actual:      actual,
		requested:   requestedFactor,
	}
	c.base = c.minAlloc + c.effSize*c.granularity
	return c, nil
}

func (c *Class) Granularity() uint64      { return c.granularity }
func (c *Class) MinAlloc() uint64         { return c.minAlloc }
func (c *Class) EffSize() int             { return int(c.effSize) }
func (c *Class) ActualFactor() float64    { return c.actual }
func (c *Class) RequestedFactor() float64 { return c.requested }

// Size returns the exact object size served by class c (c >= 0).
func (c *Class) Size(class int) uint64 {
	debug.Assert(class >= 0)
	cc := uint64(class)
	if cc < c.effSize {
		return c.minAlloc + cc*c.granularity
	}
	d := (cc - c.effSize) / c.effSize
	r := (cc - c.effSize) % c.effSize
	// size = base * 2^d * (effSize+r) / effSize, all exact integer ops:
	// (effSize+r) fits in k+1 bits with the top bit always set.
	num := c.base * ((c.effSize + r) << d)
	return num >> c.k
}

// ClassOf returns the smallest class c such that Size(c) >= size. Sizes at
// or below MinAlloc map to class 0.
func (c *Class) ClassOf(size uint64) int {
	if size <= c.minAlloc {
		return 0
	}
	// candidate class assuming size falls in the incremental region
	inc := (size - c.minAlloc + c.granularity - 1) / c.granularity
	if inc < c.effSize {
		return int(inc)
	}

	q := size / c.base
	if q == 0 {
		q = 1
	}
	d := uint64(bits.Len64(q) - 1)
	denom := c.base << d
	num := size * c.effSize
	rPlusEff := (num + denom - 1) / denom
	r := rPlusEff - c.effSize
	if r >= c.effSize {
		d++
		r = 0
	}
	class := c.effSize*(d+1) + r
	return int(class)
}
