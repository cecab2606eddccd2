package taskdump

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macho/types"
)

const (
	// machHeader64Size is the size of mach_header_64, the load commands
	// start right after it.
	machHeader64Size = 32

	loadCmdHeaderSize = 8
)

// LoadCommand is a decoded load command, one of *SegmentCommand,
// *DylibIDCommand, *UUIDCommand or *OtherCommand.
type LoadCommand interface {
	Command() types.LoadCmd
}

// SegmentCommand is a LC_SEGMENT_64 command.
type SegmentCommand struct {
	types.Segment64
}

func (*SegmentCommand) Command() types.LoadCmd { return types.LC_SEGMENT_64 }

// SegName returns the name of the segment.
func (seg *SegmentCommand) SegName() string {
	return fixedCString(seg.Name[:])
}

// DylibIDCommand is a LC_ID_DYLIB command, the identification of a dynamic
// library. The main executable does not have one.
type DylibIDCommand struct {
	types.DylibCmd
}

func (*DylibIDCommand) Command() types.LoadCmd { return types.LC_ID_DYLIB }

// UUIDCommand is a LC_UUID command.
type UUIDCommand struct {
	types.UUIDCmd
}

func (*UUIDCommand) Command() types.LoadCmd { return types.LC_UUID }

// OtherCommand is a load command that isn't interpreted.
type OtherCommand struct {
	Cmd  types.LoadCmd
	Size uint32
}

func (c *OtherCommand) Command() types.LoadCmd { return c.Cmd }

// LoadCommands is the raw load command area of an image.
type LoadCommands struct {
	Buffer []byte
	Count  uint32
}

// Iter returns an iterator over the load commands.
func (lc LoadCommands) Iter() *LoadCommandIter {
	return &LoadCommandIter{buf: lc.Buffer, remaining: lc.Count}
}

// LoadCommandError describes a malformed load command.
type LoadCommandError struct {
	Offset int
	Cmd    types.LoadCmd
	Size   uint32
	Reason string
}

func (err *LoadCommandError) Error() string {
	return fmt.Sprintf("malformed load command %#x (size %#x) at offset %#x: %s", uint32(err.Cmd), err.Size, err.Offset, err.Reason)
}

// LoadCommandIter walks a LoadCommands buffer, each command is decoded on
// demand and the iterator advances by the size declared by the command.
type LoadCommandIter struct {
	buf       []byte
	off       int
	remaining uint32
	err       error
}

// Next returns the next load command, the second return value is false
// when there are no more commands or the buffer is malformed, use Err to
// distinguish the two cases.
func (it *LoadCommandIter) Next() (LoadCommand, bool) {
	if it.err != nil || it.remaining == 0 {
		return nil, false
	}
	if it.off+loadCmdHeaderSize > len(it.buf) {
		it.err = &LoadCommandError{Offset: it.off, Reason: "truncated load command header"}
		return nil, false
	}
	cmd := types.LoadCmd(binary.LittleEndian.Uint32(it.buf[it.off:]))
	size := binary.LittleEndian.Uint32(it.buf[it.off+4:])
	if size < loadCmdHeaderSize {
		it.err = &LoadCommandError{Offset: it.off, Cmd: cmd, Size: size, Reason: "size smaller than the load command header"}
		return nil, false
	}
	if uint64(it.off)+uint64(size) > uint64(len(it.buf)) {
		it.err = &LoadCommandError{Offset: it.off, Cmd: cmd, Size: size, Reason: "extends past the end of the load commands"}
		return nil, false
	}
	raw := it.buf[it.off : it.off+int(size)]

	var lc LoadCommand
	switch cmd {
	case types.LC_SEGMENT_64:
		lc = new(SegmentCommand)
	case types.LC_ID_DYLIB:
		lc = new(DylibIDCommand)
	case types.LC_UUID:
		lc = new(UUIDCommand)
	default:
		lc = &OtherCommand{Cmd: cmd, Size: size}
	}
	if _, other := lc.(*OtherCommand); !other {
		if binary.Size(lc) > len(raw) {
			it.err = &LoadCommandError{Offset: it.off, Cmd: cmd, Size: size, Reason: "too small for its type"}
			return nil, false
		}
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, lc); err != nil {
			it.err = &LoadCommandError{Offset: it.off, Cmd: cmd, Size: size, Reason: err.Error()}
			return nil, false
		}
	}

	it.off += int(size)
	it.remaining--
	return lc, true
}

// Err returns the error that stopped the iteration, if any.
func (it *LoadCommandIter) Err() error {
	return it.err
}

func fixedCString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
