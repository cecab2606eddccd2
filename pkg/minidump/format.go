// Package minidump writes minidump files describing a mach task.
//
// Only the streams needed to identify the code loaded in the task are
// produced: the module list and the misc info stream carrying the process
// id.
//
// The file format is described on MSDN starting at:
//
//	https://docs.microsoft.com/en-us/windows/desktop/api/minidumpapiset/ns-minidumpapiset-_minidump_header
//
// and in chromium-breakpad's minidump_format.h.
package minidump

const (
	minidumpSignature = 0x504d444d // 'MDMP'
	minidumpVersion   = 0xa793

	headerSize         = 32
	directorySize      = 12
	moduleSize         = 108
	cvInfoPdb70Size    = 24
	miscInfoSize       = 24
	vsFFISignature     = 0xfeef04bd
	vsFFIStructVersion = 0x00010000

	// cvSignaturePdb70 is 'RSDS'.
	cvSignaturePdb70 = 0x53445352

	miscInfoProcessID = 0x1
)

// StreamType is the type of a stream listed in the minidump directory.
type StreamType uint32

const (
	UnusedStream              StreamType = 0
	ReservedStream0           StreamType = 1
	ReservedStream1           StreamType = 2
	ThreadListStream          StreamType = 3
	ModuleListStream          StreamType = 4
	MemoryListStream          StreamType = 5
	ExceptionStream           StreamType = 6
	SystemInfoStream          StreamType = 7
	ThreadExListStream        StreamType = 8
	Memory64ListStream        StreamType = 9
	CommentStreamA            StreamType = 10
	CommentStreamW            StreamType = 11
	HandleDataStream          StreamType = 12
	FunctionTableStream       StreamType = 13
	UnloadedModuleStream      StreamType = 14
	MiscInfoStream            StreamType = 15
	MemoryInfoListStream      StreamType = 16
	ThreadInfoListStream      StreamType = 17
	HandleOperationListStream StreamType = 18
)

// Location is MINIDUMP_LOCATION_DESCRIPTOR, a subregion of the file.
type Location struct {
	DataSize uint32
	RVA      uint32
}

// Directory is MINIDUMP_DIRECTORY, an entry of the stream directory.
type Directory struct {
	StreamType StreamType
	Location   Location
}

// Header is MINIDUMP_HEADER.
type Header struct {
	Signature          uint32
	Version            uint32
	NumberOfStreams    uint32
	StreamDirectoryRVA uint32
	Checksum           uint32
	TimeDateStamp      uint32
	Flags              uint64
}

// VSFixedFileInfo: Visual Studio Fixed File Info.
// See: https://docs.microsoft.com/en-us/windows/desktop/api/verrsrc/ns-verrsrc-tagvs_fixedfileinfo
type VSFixedFileInfo struct {
	Signature        uint32
	StructVersion    uint32
	FileVersionHi    uint32
	FileVersionLo    uint32
	ProductVersionHi uint32
	ProductVersionLo uint32
	FileFlagsMask    uint32
	FileFlags        uint32
	FileOS           uint32
	FileType         uint32
	FileSubtype      uint32
	FileDateHi       uint32
	FileDateLo       uint32
}

// RawModule is MINIDUMP_MODULE, an entry of the module list stream.
// See: https://docs.microsoft.com/en-us/windows/desktop/api/minidumpapiset/ns-minidumpapiset-_minidump_module
type RawModule struct {
	BaseOfImage   uint64
	SizeOfImage   uint32
	Checksum      uint32
	TimeDateStamp uint32
	ModuleNameRVA uint32
	VersionInfo   VSFixedFileInfo

	// CvRecord points to a CvInfoPdb70 followed by the name of the module.
	CvRecord Location

	MiscRecord Location
	Reserved0  uint64
	Reserved1  uint64
}

// GUID is the windows GUID structure, the first three fields are stored
// little endian.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// guidFromUUID converts a mach-o uuid, which is a big endian byte
// sequence, to a GUID.
func guidFromUUID(uuid [16]byte) GUID {
	g := GUID{
		Data1: uint32(uuid[0])<<24 | uint32(uuid[1])<<16 | uint32(uuid[2])<<8 | uint32(uuid[3]),
		Data2: uint16(uuid[4])<<8 | uint16(uuid[5]),
		Data3: uint16(uuid[6])<<8 | uint16(uuid[7]),
	}
	copy(g.Data4[:], uuid[8:])
	return g
}

// CvInfoPdb70 is the CodeView record identifying a PDB 7.0 file. In the
// file it is immediately followed by the NUL terminated name of the module.
type CvInfoPdb70 struct {
	CvSignature uint32
	Signature   GUID
	Age         uint32
}

// MiscInfo is MINIDUMP_MISC_INFO.
type MiscInfo struct {
	SizeOfInfo        uint32
	Flags1            uint32
	ProcessID         uint32
	ProcessCreateTime uint32
	ProcessUserTime   uint32
	ProcessKernelTime uint32
}
