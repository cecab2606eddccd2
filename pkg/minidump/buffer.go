package minidump

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// DumpBuf is the in-memory image of a minidump file being written. Data is
// only ever appended, except for the space explicitly reserved with Reserve
// which can be filled later with WriteAt.
// Values are encoded as little endian using encoding/binary, they must have
// a fixed size.
type DumpBuf struct {
	buf bytes.Buffer
}

// Position returns the RVA of the next byte written.
func (b *DumpBuf) Position() uint32 {
	return uint32(b.buf.Len())
}

// Bytes returns the contents of the buffer.
func (b *DumpBuf) Bytes() []byte {
	return b.buf.Bytes()
}

// Write appends p to the buffer.
func (b *DumpBuf) Write(p []byte) (int, error) {
	return b.buf.Write(p)
}

// Reserve appends size zero bytes and returns their location.
func (b *DumpBuf) Reserve(size uint32) Location {
	loc := Location{DataSize: size, RVA: b.Position()}
	b.buf.Write(make([]byte, size))
	return loc
}

// WriteAt overwrites the data at loc with the encoding of v, which must
// have the same size as loc.
func (b *DumpBuf) WriteAt(loc Location, v interface{}) error {
	var enc bytes.Buffer
	if err := binary.Write(&enc, binary.LittleEndian, v); err != nil {
		return err
	}
	if uint32(enc.Len()) != loc.DataSize {
		return fmt.Errorf("value of type %T has size %#x, reserved location has size %#x", v, enc.Len(), loc.DataSize)
	}
	if uint64(loc.RVA)+uint64(loc.DataSize) > uint64(b.buf.Len()) {
		return fmt.Errorf("location %#x+%#x is past the end of the buffer", loc.RVA, loc.DataSize)
	}
	copy(b.buf.Bytes()[loc.RVA:], enc.Bytes())
	return nil
}

// AllocWithVal appends the encoding of v.
func (b *DumpBuf) AllocWithVal(v interface{}) (Location, error) {
	start := b.Position()
	if err := binary.Write(&b.buf, binary.LittleEndian, v); err != nil {
		b.buf.Truncate(int(start))
		return Location{}, err
	}
	return Location{DataSize: b.Position() - start, RVA: start}, nil
}

// AllocArray appends the encoding of every element of s.
func AllocArray[T any](b *DumpBuf, s []T) (Location, error) {
	if len(s) == 0 {
		return Location{RVA: b.Position()}, nil
	}
	return b.AllocWithVal(s)
}

// WriteString appends s as a MINIDUMP_STRING: the size in bytes of the
// UTF-16 encoded string, the string and a two byte terminator. The
// returned location covers the whole structure.
func (b *DumpBuf) WriteString(s string) (Location, error) {
	units := utf16.Encode([]rune(s))
	start := b.Position()
	if err := binary.Write(&b.buf, binary.LittleEndian, uint32(2*len(units))); err != nil {
		return Location{}, err
	}
	binary.Write(&b.buf, binary.LittleEndian, units)
	b.buf.Write([]byte{0, 0})
	return Location{DataSize: b.Position() - start, RVA: start}, nil
}
