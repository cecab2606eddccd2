package minidump

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/go-delve/machdump/pkg/logflags"
	"github.com/go-delve/machdump/pkg/taskdump"
)

// ErrNoExecutableImage is returned when none of the images loaded in the
// task is an executable, i.e. they all have a LC_ID_DYLIB load command.
var ErrNoExecutableImage = errors.New("no main executable image found")

// MissingFieldError is returned when an image lacks a load command needed
// to describe it.
type MissingFieldError struct {
	Field       string
	LoadAddress uint64
}

func (err *MissingFieldError) Error() string {
	return fmt.Sprintf("image at %#x has no %s", err.LoadAddress, err.Field)
}

const unknownModuleName = "<Unknown>"

// ModuleInfo describes an image loaded in the task.
type ModuleInfo struct {
	Base uint64
	Size uint32
	// Path is the full path of the image, empty if it could not be read.
	Path string
	// Name is the last component of Path.
	Name string
	// Version is the current version of a dylib, nil for executables.
	Version *uint32
	UUID    [16]byte

	MainExecutable bool
}

// DylibVersion converts a dylib version, which has the form
// <16 bits>.<8 bits>.<8 bits>, to the most and least significant halves of
// a VS_FIXEDFILEINFO version:
//   - the upper 16 bits become the lower 16 bits of hi
//   - the next 8 bits become the upper 16 bits of lo
//   - the lowest 8 bits become the lower 16 bits of lo
func DylibVersion(v uint32) (hi, lo uint32) {
	return v >> 16, ((v & 0xff00) << 8) | (v & 0xff)
}

// displayName returns the name used in the CodeView record of a module.
func displayName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	if path == "" {
		return unknownModuleName
	}
	return path
}

var textSegmentName = []byte("__TEXT\x00")

// ReadLoadedModules returns the images loaded in the task. The main
// executable is the first module, the others are sorted by base address.
func ReadLoadedModules(td *taskdump.TaskDumper) ([]ModuleInfo, error) {
	images, err := td.ReadImages()
	if err != nil {
		return nil, fmt.Errorf("could not read the image list: %w", err)
	}

	// dyld may list the same image more than once.
	slices.SortStableFunc(images, func(a, b taskdump.ImageInfo) int {
		return cmp.Compare(a.LoadAddress, b.LoadAddress)
	})
	images = slices.CompactFunc(images, func(a, b taskdump.ImageInfo) bool {
		return a.LoadAddress == b.LoadAddress
	})

	var mains, others []ModuleInfo
	for _, img := range images {
		mod, err := readModule(td, img)
		if err != nil {
			if logflags.Minidump() {
				logflags.MinidumpLogger().Debugf("skipping image %#x: %v", img.LoadAddress, err)
			}
			continue
		}
		if mod.MainExecutable {
			mains = append(mains, mod)
		} else {
			others = append(others, mod)
		}
	}

	if len(mains) == 0 {
		return nil, ErrNoExecutableImage
	}
	if len(mains) > 1 {
		logflags.MinidumpLogger().Warnf("%d images without LC_ID_DYLIB, using the one at %#x as the main executable", len(mains), mains[0].Base)
		others = append(others, mains[1:]...)
	}

	// The main executable goes first, the bases of the other modules don't
	// follow their load addresses when the text segment isn't slid.
	slices.SortStableFunc(others, func(a, b ModuleInfo) int {
		return cmp.Compare(a.Base, b.Base)
	})
	return append([]ModuleInfo{mains[0]}, others...), nil
}

func readModule(td *taskdump.TaskDumper, img taskdump.ImageInfo) (ModuleInfo, error) {
	lcs, err := td.ReadLoadCommands(img)
	if err != nil {
		return ModuleInfo{}, err
	}

	var (
		text    *taskdump.SegmentCommand
		dylib   *taskdump.DylibIDCommand
		uuidCmd *taskdump.UUIDCommand
	)

	it := lcs.Iter()
	for lc, ok := it.Next(); ok; lc, ok = it.Next() {
		switch lc := lc.(type) {
		case *taskdump.SegmentCommand:
			if text == nil && bytes.Equal(lc.Name[:len(textSegmentName)], textSegmentName) {
				text = lc
			}
		case *taskdump.DylibIDCommand:
			if dylib == nil {
				dylib = lc
			}
		case *taskdump.UUIDCommand:
			if uuidCmd == nil {
				uuidCmd = lc
			}
		}
		if text != nil && dylib != nil && uuidCmd != nil {
			break
		}
	}
	if err := it.Err(); err != nil {
		return ModuleInfo{}, err
	}

	if text == nil {
		return ModuleInfo{}, &MissingFieldError{Field: "__TEXT segment", LoadAddress: img.LoadAddress}
	}
	if uuidCmd == nil {
		return ModuleInfo{}, &MissingFieldError{Field: "LC_UUID", LoadAddress: img.LoadAddress}
	}

	// The slide is only meaningful when the text segment maps the beginning
	// of the file, which contains the mach header.
	var slide uint64
	if text.Offset == 0 && text.Filesz != 0 {
		slide = img.LoadAddress - text.Addr
	}

	mod := ModuleInfo{
		Base:           text.Addr + slide,
		Size:           uint32(text.Memsz),
		UUID:           [16]byte(uuidCmd.UUID),
		MainExecutable: dylib == nil,
	}
	if dylib != nil {
		v := uint32(dylib.CurrentVersion)
		mod.Version = &v
	}

	if img.FilePath != 0 {
		path, ok, err := td.ReadString(img.FilePath)
		switch {
		case err != nil:
			if logflags.Minidump() {
				logflags.MinidumpLogger().Debugf("could not read path of image %#x: %v", img.LoadAddress, err)
			}
		case ok:
			mod.Path = path
		}
	}
	mod.Name = displayName(mod.Path)

	return mod, nil
}

// writeModule writes the name and CodeView record of mod to buf and
// returns its module list entry.
func writeModule(buf *DumpBuf, mod *ModuleInfo) (RawModule, error) {
	nameLoc, err := buf.WriteString(mod.Path)
	if err != nil {
		return RawModule{}, err
	}

	raw := RawModule{
		BaseOfImage:   mod.Base,
		SizeOfImage:   mod.Size,
		ModuleNameRVA: nameLoc.RVA,
	}

	// Executables have no LC_ID_DYLIB and therefore no version.
	if mod.Version != nil {
		raw.VersionInfo.Signature = vsFFISignature
		raw.VersionInfo.StructVersion = vsFFIStructVersion
		raw.VersionInfo.FileVersionHi, raw.VersionInfo.FileVersionLo = DylibVersion(*mod.Version)
	}

	cvLoc, err := buf.AllocWithVal(CvInfoPdb70{
		CvSignature: cvSignaturePdb70,
		Signature:   guidFromUUID(mod.UUID),
	})
	if err != nil {
		return RawModule{}, err
	}
	// The name in the CodeView record is an 8bit string stored inline.
	buf.Write([]byte(mod.Name))
	buf.Write([]byte{0})
	cvLoc.DataSize += uint32(len(mod.Name)) + 1
	raw.CvRecord = cvLoc

	return raw, nil
}

// WriteModuleList writes the module list stream of the task to buf and
// returns its directory entry.
// A task whose images can not be listed gets an empty module list, the
// rest of the dump is still useful. ErrNoExecutableImage is returned when
// the images were listed but none of them is an executable.
func WriteModuleList(buf *DumpBuf, td *taskdump.TaskDumper) (Directory, error) {
	modules, err := ReadLoadedModules(td)
	if err != nil {
		if errors.Is(err, ErrNoExecutableImage) {
			return Directory{}, err
		}
		logflags.MinidumpLogger().Warnf("writing an empty module list: %v", err)
		modules = nil
	}

	raws := make([]RawModule, 0, len(modules))
	for i := range modules {
		raw, err := writeModule(buf, &modules[i])
		if err != nil {
			return Directory{}, err
		}
		raws = append(raws, raw)
	}

	hdr, err := buf.AllocWithVal(uint32(len(raws)))
	if err != nil {
		return Directory{}, err
	}
	dirent := Directory{StreamType: ModuleListStream, Location: hdr}

	if len(raws) > 0 {
		list, err := AllocArray(buf, raws)
		if err != nil {
			return Directory{}, err
		}
		dirent.Location.DataSize += list.DataSize
	}

	if logflags.Minidump() {
		logflags.MinidumpLogger().Debugf("module list with %d modules at %#x", len(raws), dirent.Location.RVA)
	}
	return dirent, nil
}
