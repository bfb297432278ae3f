//go:build cgo

package engine

/*
#include <stdint.h>

typedef int64_t (*bpfjit_entry_fn)(void *);

static int64_t bpfjit_call_entry(uintptr_t fn, void *ctx) {
	return ((bpfjit_entry_fn)fn)(ctx);
}
*/
import "C"

import "unsafe"

// callNative runs the code at addr on the C stack with the SysV calling
// convention.
func callNative(addr uintptr, ctx unsafe.Pointer) int64 {
	return int64(C.bpfjit_call_entry(C.uintptr_t(addr), ctx))
}
