package minidump

import (
	"io"
	"time"

	"github.com/go-delve/machdump/pkg/logflags"
	"github.com/go-delve/machdump/pkg/taskdump"
)

// Writer produces the minidump of a task.
type Writer struct {
	td  *taskdump.TaskDumper
	pid int

	// Now returns the time recorded in the header, defaults to time.Now.
	Now func() time.Time
}

// NewWriter returns a Writer for the task of process pid.
func NewWriter(td *taskdump.TaskDumper, pid int) *Writer {
	return &Writer{td: td, pid: pid, Now: time.Now}
}

type streamWriter func(buf *DumpBuf) (Directory, error)

// Dump writes the minidump to w.
func (mw *Writer) Dump(w io.Writer) error {
	streams := []streamWriter{
		func(buf *DumpBuf) (Directory, error) { return WriteModuleList(buf, mw.td) },
		mw.writeMiscInfo,
	}

	buf := new(DumpBuf)
	hdrLoc := buf.Reserve(headerSize)
	dirLoc := buf.Reserve(uint32(len(streams)) * directorySize)

	dirents := make([]Directory, 0, len(streams))
	for _, stream := range streams {
		dirent, err := stream(buf)
		if err != nil {
			return err
		}
		dirents = append(dirents, dirent)
	}

	if err := buf.WriteAt(dirLoc, dirents); err != nil {
		return err
	}
	hdr := Header{
		Signature:          minidumpSignature,
		Version:            minidumpVersion,
		NumberOfStreams:    uint32(len(dirents)),
		StreamDirectoryRVA: dirLoc.RVA,
		TimeDateStamp:      uint32(mw.Now().Unix()),
	}
	if err := buf.WriteAt(hdrLoc, hdr); err != nil {
		return err
	}

	if logflags.Minidump() {
		logflags.MinidumpLogger().Debugf("writing minidump of %d (%#x bytes, %d streams)", mw.pid, len(buf.Bytes()), len(dirents))
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func (mw *Writer) writeMiscInfo(buf *DumpBuf) (Directory, error) {
	loc, err := buf.AllocWithVal(MiscInfo{
		SizeOfInfo: miscInfoSize,
		Flags1:     miscInfoProcessID,
		ProcessID:  uint32(mw.pid),
	})
	if err != nil {
		return Directory{}, err
	}
	return Directory{StreamType: MiscInfoStream, Location: loc}, nil
}
