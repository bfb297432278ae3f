package engine

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/fortiblox/bpfjit/pkg/jit/object"
)

// image is linked code in an anonymous mapping. The mapping is writable
// only while relocations are applied and executable afterwards.
type image struct {
	mem     []byte
	symbols map[string]uintptr
}

func pageAlign(n int) int {
	page := os.Getpagesize()
	return (n + page - 1) &^ (page - 1)
}

// link maps obj into memory and resolves its relocations against the
// object's own symbols and the external definitions.
func link(obj *object.Object, defs map[string]uintptr) (*image, error) {
	if len(obj.Text) == 0 {
		return nil, &LinkError{Op: "link", Err: fmt.Errorf("%w: empty text", object.ErrMalformed)}
	}
	mem, err := unix.Mmap(-1, 0, pageAlign(len(obj.Text)), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, &LinkError{Op: "mmap", Err: err}
	}
	copy(mem, obj.Text)
	base := uintptr(unsafe.Pointer(&mem[0]))

	img := &image{mem: mem, symbols: make(map[string]uintptr, len(obj.Symbols))}
	for _, s := range obj.Symbols {
		img.symbols[s.Name] = base + uintptr(s.Offset)
	}

	for _, r := range obj.Relocs {
		addr, ok := img.symbols[r.Symbol]
		if !ok {
			addr, ok = defs[r.Symbol]
		}
		if !ok || addr == 0 {
			_ = unix.Munmap(mem)
			return nil, &LinkError{Op: "link", Symbol: r.Symbol, Err: ErrUndefinedSymbol}
		}
		binary.LittleEndian.PutUint64(mem[r.Offset:], uint64(int64(addr)+r.Addend))
	}

	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, &LinkError{Op: "mprotect", Err: err}
	}
	for _, s := range obj.Symbols {
		if !s.Exported {
			delete(img.symbols, s.Name)
		}
	}
	return img, nil
}

func (img *image) size() int {
	return len(img.mem)
}

func (img *image) release() error {
	if img.mem == nil {
		return nil
	}
	err := unix.Munmap(img.mem)
	img.mem = nil
	img.symbols = nil
	return err
}
