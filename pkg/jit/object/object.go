// Package object implements the relocatable object format produced by the
// code generators and stored in the AOT cache.
//
// Layout:
//
//	magic[8] "BPFJITOB"
//	version  uint16 LE
//	flags    uint16 LE
//	length   uint32 LE  body length
//	checksum [32]byte   BLAKE3-256 of the body
//	body     CBOR
package object

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// FormatVersion is the current container version.
const FormatVersion = 1

// HeaderSize is the size of the fixed header.
const HeaderSize = 8 + 2 + 2 + 4 + 32

// CompressThreshold is the text size above which text is compressed.
const CompressThreshold = 1024

const flagCompressedText = 1 << 0

var magic = [8]byte{'B', 'P', 'F', 'J', 'I', 'T', 'O', 'B'}

// Errors.
var (
	ErrTruncated = errors.New("object truncated")
	ErrBadMagic  = errors.New("not a bpfjit object")
	ErrVersion   = errors.New("unsupported object version")
	ErrChecksum  = errors.New("object checksum mismatch")
	ErrMalformed = errors.New("malformed object")
)

// RelocKind identifies a relocation type.
type RelocKind uint8

const (
	// RelocAbs64 patches 8 bytes with the absolute symbol address plus
	// addend.
	RelocAbs64 RelocKind = 1
)

// Symbol is a function defined in the text section.
type Symbol struct {
	Name     string `cbor:"1,keyasint"`
	Offset   uint64 `cbor:"2,keyasint"`
	Size     uint64 `cbor:"3,keyasint"`
	Exported bool   `cbor:"4,keyasint"`
}

// Reloc is a fixup applied at link time.
type Reloc struct {
	Offset uint64    `cbor:"1,keyasint"`
	Symbol string    `cbor:"2,keyasint"`
	Kind   RelocKind `cbor:"3,keyasint"`
	Addend int64     `cbor:"4,keyasint"`
}

// Object is a relocatable code object.
type Object struct {
	Triple         string   `cbor:"1,keyasint"`
	CPU            string   `cbor:"2,keyasint"`
	DataLayout     string   `cbor:"3,keyasint"`
	BackendVersion string   `cbor:"4,keyasint"`
	Text           []byte   `cbor:"5,keyasint"`
	Symbols        []Symbol `cbor:"6,keyasint"`
	Relocs         []Reloc  `cbor:"7,keyasint"`
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("object: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Symbol returns the symbol with the given name.
func (o *Object) Symbol(name string) (Symbol, bool) {
	for _, s := range o.Symbols {
		if s.Name == name {
			return s, true
		}
	}
	return Symbol{}, false
}

// Undefined returns the symbols referenced by relocations that the object
// does not define itself.
func (o *Object) Undefined() []string {
	var out []string
	seen := make(map[string]bool)
	for _, r := range o.Relocs {
		if seen[r.Symbol] {
			continue
		}
		seen[r.Symbol] = true
		if _, ok := o.Symbol(r.Symbol); !ok {
			out = append(out, r.Symbol)
		}
	}
	return out
}

// Validate checks that symbols and relocations lie inside the text.
func (o *Object) Validate() error {
	size := uint64(len(o.Text))
	names := make(map[string]bool, len(o.Symbols))
	for _, s := range o.Symbols {
		if s.Name == "" {
			return fmt.Errorf("%w: unnamed symbol", ErrMalformed)
		}
		if names[s.Name] {
			return fmt.Errorf("%w: duplicate symbol %s", ErrMalformed, s.Name)
		}
		names[s.Name] = true
		if s.Offset > size || s.Size > size-s.Offset {
			return fmt.Errorf("%w: symbol %s outside text", ErrMalformed, s.Name)
		}
	}
	for _, r := range o.Relocs {
		if r.Kind != RelocAbs64 {
			return fmt.Errorf("%w: unknown relocation kind %d", ErrMalformed, r.Kind)
		}
		if size < 8 || r.Offset > size-8 {
			return fmt.Errorf("%w: relocation at %d outside text", ErrMalformed, r.Offset)
		}
	}
	return nil
}

// Marshal encodes o.
func Marshal(o *Object) ([]byte, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	body := *o
	var flags uint16
	if len(o.Text) > CompressThreshold {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		body.Text = enc.EncodeAll(o.Text, nil)
		enc.Close()
		flags |= flagCompressedText
	}
	payload, err := encMode.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("object: marshal: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(HeaderSize + len(payload))
	buf.Write(magic[:])
	var hdr [8]byte
	binary.LittleEndian.PutUint16(hdr[0:], FormatVersion)
	binary.LittleEndian.PutUint16(hdr[2:], flags)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(payload)))
	buf.Write(hdr[:])
	sum := blake3.Sum256(payload)
	buf.Write(sum[:])
	buf.Write(payload)
	return buf.Bytes(), nil
}

// Unmarshal decodes and validates an object.
func Unmarshal(data []byte) (*Object, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	if !bytes.Equal(data[:8], magic[:]) {
		return nil, ErrBadMagic
	}
	version := binary.LittleEndian.Uint16(data[8:])
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, version)
	}
	flags := binary.LittleEndian.Uint16(data[10:])
	length := binary.LittleEndian.Uint32(data[12:])
	payload := data[HeaderSize:]
	if uint64(len(payload)) != uint64(length) {
		return nil, fmt.Errorf("%w: body is %d bytes, header says %d", ErrTruncated, len(payload), length)
	}
	sum := blake3.Sum256(payload)
	if !bytes.Equal(sum[:], data[16:HeaderSize]) {
		return nil, ErrChecksum
	}

	var o Object
	if err := cbor.Unmarshal(payload, &o); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if flags&flagCompressedText != 0 {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		text, err := dec.DecodeAll(o.Text, nil)
		dec.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: text: %v", ErrMalformed, err)
		}
		o.Text = text
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &o, nil
}
