package faketask

import (
	"bytes"
	"encoding/binary"

	"github.com/blacktop/go-macho/types"
)

const machHeader64Size = 32

// Segment describes a LC_SEGMENT_64 command of an Image.
type Segment struct {
	Name     string
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
}

// RawCommand is a load command that is copied verbatim into the image.
type RawCommand struct {
	Cmd  types.LoadCmd
	Body []byte
	// Size overrides the declared cmdsize when it isn't zero.
	Size uint32
}

// Image describes a synthetic mach-o image, only the header and the load
// commands are generated.
type Image struct {
	// Magic defaults to MH_MAGIC_64.
	Magic types.Magic

	Segments []Segment

	// Dylib adds a LC_ID_DYLIB command with DylibVersion as its current
	// version.
	Dylib        bool
	DylibName    string
	DylibVersion uint32

	// UUID adds a LC_UUID command.
	UUID *[16]byte

	// Raw commands are emitted before every other command, Trailing
	// commands after them.
	Raw      []RawCommand
	Trailing []RawCommand
}

func le(buf *bytes.Buffer, vs ...interface{}) {
	for _, v := range vs {
		binary.Write(buf, binary.LittleEndian, v)
	}
}

func align8(buf *bytes.Buffer) {
	for buf.Len()%8 != 0 {
		buf.WriteByte(0)
	}
}

func writeRaw(buf *bytes.Buffer, raw RawCommand) {
	size := raw.Size
	if size == 0 {
		size = uint32(8 + len(raw.Body))
	}
	le(buf, raw.Cmd, size)
	buf.Write(raw.Body)
}

// RawUUID returns a LC_UUID command, for use in Raw or Trailing.
func RawUUID(uuid [16]byte) RawCommand {
	return RawCommand{Cmd: types.LC_UUID, Body: uuid[:]}
}

// Bytes returns the mach header followed by the load commands.
func (img Image) Bytes() []byte {
	var cmds bytes.Buffer
	ncmds := uint32(0)

	for _, raw := range img.Raw {
		writeRaw(&cmds, raw)
		ncmds++
	}

	for _, seg := range img.Segments {
		cmd := types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Len:     72,
			Addr:    seg.VMAddr,
			Memsz:   seg.VMSize,
			Offset:  seg.FileOff,
			Filesz:  seg.FileSize,
			Maxprot: types.VmProtection(5),
			Prot:    types.VmProtection(5),
		}
		copy(cmd.Name[:], seg.Name)
		le(&cmds, cmd)
		ncmds++
	}

	if img.Dylib {
		var body bytes.Buffer
		// name offset, timestamp, current and compatibility version
		le(&body, uint32(24), uint32(2), img.DylibVersion, uint32(0x10000))
		body.WriteString(img.DylibName)
		body.WriteByte(0)
		align8(&body)
		le(&cmds, types.LC_ID_DYLIB, uint32(8+body.Len()))
		cmds.Write(body.Bytes())
		ncmds++
	}

	if img.UUID != nil {
		le(&cmds, types.UUIDCmd{LoadCmd: types.LC_UUID, Len: 24, UUID: types.UUID(*img.UUID)})
		ncmds++
	}

	for _, raw := range img.Trailing {
		writeRaw(&cmds, raw)
		ncmds++
	}

	magic := img.Magic
	if magic == 0 {
		magic = types.Magic64
	}
	fileType := types.MH_EXECUTE
	if img.Dylib {
		fileType = types.MH_DYLIB
	}

	var out bytes.Buffer
	le(&out, types.FileHeader{
		Magic:        magic,
		CPU:          types.CPUArm64,
		Type:         fileType,
		NCommands:    ncmds,
		SizeCommands: uint32(cmds.Len()),
	})
	for out.Len() < machHeader64Size {
		out.WriteByte(0)
	}
	out.Write(cmds.Bytes())
	return out.Bytes()
}
