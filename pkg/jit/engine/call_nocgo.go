//go:build !cgo

package engine

import "unsafe"

func callNative(addr uintptr, ctx unsafe.Pointer) int64 {
	panic("engine: calling native code requires cgo")
}
