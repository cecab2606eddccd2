package minidump

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// dumpReader decodes the minidumps produced by the tests, following the
// layout documented on MSDN rather than the Go structures used to write
// them.
type dumpReader struct {
	buf []byte
	off int
	err error
	ctx string
}

func (r *dumpReader) next(stride int) []byte {
	if r.err != nil {
		return make([]byte, stride)
	}
	if r.off+stride > len(r.buf) {
		r.err = fmt.Errorf("minidump truncated at offset %#x while %s", r.off, r.ctx)
		return make([]byte, stride)
	}
	b := r.buf[r.off : r.off+stride]
	r.off += stride
	return b
}

func (r *dumpReader) u16() uint16 { return binary.LittleEndian.Uint16(r.next(2)) }
func (r *dumpReader) u32() uint32 { return binary.LittleEndian.Uint32(r.next(4)) }
func (r *dumpReader) u64() uint64 { return binary.LittleEndian.Uint64(r.next(8)) }

func (r *dumpReader) location() Location {
	sz := r.u32()
	return Location{DataSize: sz, RVA: r.u32()}
}

func (r *dumpReader) at(off uint32, ctx string) *dumpReader {
	return &dumpReader{buf: r.buf, off: int(off), ctx: ctx}
}

func (r *dumpReader) str(off uint32) string {
	sr := r.at(off, "reading string")
	sz := sr.u32()
	raw := sr.next(int(sz))
	if term := sr.u16(); term != 0 && sr.err == nil {
		sr.err = fmt.Errorf("string at %#x not terminated", off)
	}
	if sr.err != nil {
		r.err = sr.err
		return ""
	}
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return string(utf16.Decode(units))
}

type parsedHeader struct {
	signature uint32
	version   uint32
	streamNum uint32
	streamOff uint32
	checksum  uint32
	timestamp uint32
	flags     uint64
	directory []Directory
}

func (r *dumpReader) header() parsedHeader {
	r.ctx = "reading minidump header"
	var hdr parsedHeader
	hdr.signature = r.u32()
	hdr.version = r.u32()
	hdr.streamNum = r.u32()
	hdr.streamOff = r.u32()
	hdr.checksum = r.u32()
	hdr.timestamp = r.u32()
	hdr.flags = r.u64()

	dr := r.at(hdr.streamOff, "reading stream directory")
	for i := uint32(0); i < hdr.streamNum; i++ {
		typ := StreamType(dr.u32())
		hdr.directory = append(hdr.directory, Directory{StreamType: typ, Location: dr.location()})
	}
	if dr.err != nil {
		r.err = dr.err
	}
	return hdr
}

type parsedModule struct {
	base      uint64
	size      uint32
	name      string
	version   VSFixedFileInfo
	cvSig     uint32
	cvGUID    [16]byte
	cvAge     uint32
	cvName    string
	cvRecord  Location
	recordRVA uint32
}

func (r *dumpReader) moduleList(loc Location) []parsedModule {
	mr := r.at(loc.RVA, "reading module list")
	n := mr.u32()
	if want := 4 + n*moduleSize; want != loc.DataSize {
		r.err = fmt.Errorf("module list of %d modules has size %#x, expected %#x", n, loc.DataSize, want)
		return nil
	}
	mods := make([]parsedModule, n)
	for i := range mods {
		mr.ctx = fmt.Sprintf("reading module list entry %d", i)
		m := &mods[i]
		m.recordRVA = uint32(mr.off)
		m.base = mr.u64()
		m.size = mr.u32()
		mr.u32() // checksum
		mr.u32() // timestamp
		nameOff := mr.u32()

		vi := make([]uint32, 13)
		for j := range vi {
			vi[j] = mr.u32()
		}
		m.version = VSFixedFileInfo{
			Signature: vi[0], StructVersion: vi[1],
			FileVersionHi: vi[2], FileVersionLo: vi[3],
			ProductVersionHi: vi[4], ProductVersionLo: vi[5],
			FileFlagsMask: vi[6], FileFlags: vi[7], FileOS: vi[8],
			FileType: vi[9], FileSubtype: vi[10], FileDateHi: vi[11], FileDateLo: vi[12],
		}
		m.cvRecord = mr.location()
		mr.location() // misc record
		mr.u64()      // reserved0
		mr.u64()      // reserved1

		m.name = r.str(nameOff)

		cr := r.at(m.cvRecord.RVA, "reading codeview record")
		m.cvSig = cr.u32()
		copy(m.cvGUID[:], cr.next(16))
		m.cvAge = cr.u32()
		cvName := cr.next(int(m.cvRecord.DataSize) - cvInfoPdb70Size)
		if len(cvName) == 0 || cvName[len(cvName)-1] != 0 {
			r.err = fmt.Errorf("codeview name of module %d is not terminated", i)
			return nil
		}
		m.cvName = string(cvName[:len(cvName)-1])
		if cr.err != nil {
			r.err = cr.err
		}
	}
	if mr.err != nil {
		r.err = mr.err
	}
	return mods
}
