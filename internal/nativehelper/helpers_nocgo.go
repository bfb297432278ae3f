//go:build !cgo

package nativehelper

// Available reports whether the native helpers are linked in.
const Available = false

func addrs() Addrs {
	return Addrs{}
}
