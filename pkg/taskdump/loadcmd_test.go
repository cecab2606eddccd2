package taskdump_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/blacktop/go-macho/types"

	"github.com/go-delve/machdump/pkg/taskdump"
	"github.com/go-delve/machdump/pkg/taskdump/faketask"
)

func readLoadCommands(t *testing.T, img faketask.Image) (taskdump.LoadCommands, error) {
	t.Helper()
	const base = 0x100000000
	task := faketask.New(pageSize)
	task.Map(base, img.Bytes())
	td := taskdump.New(task)
	return td.ReadLoadCommands(taskdump.ImageInfo{LoadAddress: base})
}

func TestReadLoadCommands(t *testing.T) {
	uuid := [16]byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	img := faketask.Image{
		Raw: []faketask.RawCommand{
			{Cmd: types.LC_SYMTAB, Body: make([]byte, 16)},
		},
		Segments: []faketask.Segment{
			{Name: "__PAGEZERO", VMSize: 0x100000000},
			{Name: "__TEXT", VMAddr: 0x100000000, VMSize: 0x4000, FileSize: 0x4000},
		},
		Dylib:        true,
		DylibName:    "/usr/lib/libfoo.dylib",
		DylibVersion: 0x00020105,
		UUID:         &uuid,
	}

	lcs, err := readLoadCommands(t, img)
	if err != nil {
		t.Fatal(err)
	}
	if lcs.Count != 5 {
		t.Fatalf("expected 5 load commands; but was %d", lcs.Count)
	}

	var (
		segs  []string
		dylib *taskdump.DylibIDCommand
		id    *taskdump.UUIDCommand
		other int
	)
	it := lcs.Iter()
	for lc, ok := it.Next(); ok; lc, ok = it.Next() {
		switch lc := lc.(type) {
		case *taskdump.SegmentCommand:
			segs = append(segs, lc.SegName())
		case *taskdump.DylibIDCommand:
			dylib = lc
		case *taskdump.UUIDCommand:
			id = lc
		case *taskdump.OtherCommand:
			if lc.Command() != types.LC_SYMTAB || lc.Size != 24 {
				t.Fatalf("unexpected command %#x size %d", uint32(lc.Cmd), lc.Size)
			}
			other++
		}
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}

	if len(segs) != 2 || segs[0] != "__PAGEZERO" || segs[1] != "__TEXT" {
		t.Fatalf("unexpected segments %q", segs)
	}
	if other != 1 {
		t.Fatalf("expected one uninterpreted command; but was %d", other)
	}
	if dylib == nil || uint32(dylib.CurrentVersion) != 0x00020105 {
		t.Fatalf("unexpected dylib command %#v", dylib)
	}
	if id == nil || [16]byte(id.UUID) != uuid {
		t.Fatalf("unexpected uuid command %#v", id)
	}
}

func TestReadLoadCommandsInvalidMagic(t *testing.T) {
	for _, magic := range []types.Magic{types.Magic32, types.MagicFat, 0xcefaedfe} {
		_, err := readLoadCommands(t, faketask.Image{Magic: magic})
		if !errors.Is(err, taskdump.ErrInvalidMachHeader) {
			t.Fatalf("magic %#x: expected ErrInvalidMachHeader; but was <%v>", magic, err)
		}
	}
}

func cmdBytes(cmds ...[2]uint32) []byte {
	var buf []byte
	for _, c := range cmds {
		buf = binary.LittleEndian.AppendUint32(buf, c[0])
		buf = binary.LittleEndian.AppendUint32(buf, c[1])
		for i := uint32(8); i < c[1]; i++ {
			buf = append(buf, 0)
		}
	}
	return buf
}

func TestLoadCommandIterMalformed(t *testing.T) {
	for _, tc := range []struct {
		name string
		lcs  taskdump.LoadCommands
		good int
	}{
		{"size smaller than header", taskdump.LoadCommands{Buffer: cmdBytes([2]uint32{0x2, 16}, [2]uint32{0x2, 4}), Count: 2}, 1},
		{"past the end", taskdump.LoadCommands{Buffer: cmdBytes([2]uint32{0x2, 16})[:12], Count: 1}, 0},
		{"truncated header", taskdump.LoadCommands{Buffer: cmdBytes([2]uint32{0x2, 8}), Count: 2}, 1},
		{"uuid too small", taskdump.LoadCommands{Buffer: cmdBytes([2]uint32{uint32(types.LC_UUID), 16}), Count: 1}, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			it := tc.lcs.Iter()
			n := 0
			for _, ok := it.Next(); ok; _, ok = it.Next() {
				n++
			}
			if n != tc.good {
				t.Fatalf("expected %d commands before the error; but was %d", tc.good, n)
			}
			var lcErr *taskdump.LoadCommandError
			if !errors.As(it.Err(), &lcErr) {
				t.Fatalf("expected a *LoadCommandError; but was <%v>", it.Err())
			}
		})
	}
}

func TestLoadCommandIterStopsAtCount(t *testing.T) {
	// trailing garbage after the declared commands is ignored
	lcs := taskdump.LoadCommands{Buffer: append(cmdBytes([2]uint32{0x2, 16}), 0xff, 0xff), Count: 1}
	it := lcs.Iter()
	n := 0
	for _, ok := it.Next(); ok; _, ok = it.Next() {
		n++
	}
	if n != 1 || it.Err() != nil {
		t.Fatalf("expected one command and no error; but was %d <%v>", n, it.Err())
	}
}
