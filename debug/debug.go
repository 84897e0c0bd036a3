// Package debug provides cheap, disable-able invariant checks in the style
// of assertions: a failed check panics, it never returns an error.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import "fmt"

// Enabled gates Assert/Assertf. It defaults to true so that misuse (double
// free, destroy-while-live, size/class mismatch) is caught in tests; set it
// to false to match a production build that trusts its callers.
var Enabled = true

func Assert(cond bool) {
	if Enabled && !cond {
		panic("assertion failed")
	}
}

func Assertf(cond bool, format string, args ...interface{}) {
	if Enabled && !cond {
		panic(fmt.Sprintf(format, args...))
	}
}

func AssertNoErr(err error) {
	if Enabled && err != nil {
		panic(err)
	}
}
