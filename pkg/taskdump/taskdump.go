// Package taskdump reads the state of a mach task (a macOS process) from
// the outside: its memory, virtual memory layout, thread registers, task
// information and the list of images loaded by dyld.
//
// The task is expected to be stopped for as long as a TaskDumper is in use,
// nothing here detects concurrent modifications of the target.
package taskdump

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/blacktop/go-macho/types"

	"github.com/go-delve/machdump/pkg/logflags"
)

// ErrInvalidMachHeader is returned by ReadLoadCommands when the image does
// not start with a 64bit mach header.
var ErrInvalidMachHeader = errors.New("detected an invalid mach image header")

// TextDecodeError is returned by ReadString when the bytes read are not
// valid UTF-8.
type TextDecodeError struct {
	Addr uint64
}

func (err *TextDecodeError) Error() string {
	return fmt.Sprintf("string at %#x is not valid utf-8", err.Addr)
}

// TaskDumper provides access to the memory, threads and loaded images of a
// task.
type TaskDumper struct {
	kernel   Kernel
	pageSize uint64
}

// New returns a TaskDumper for the task behind k.
func New(k Kernel) *TaskDumper {
	return &TaskDumper{kernel: k, pageSize: k.PageSize()}
}

// PageSize returns the page size used to align reads.
func (td *TaskDumper) PageSize() uint64 {
	return td.pageSize
}

// withMapping maps the pages covering [addr, addr+length) and calls fn
// with the length bytes starting at addr. The mapping is released when fn
// returns, fn must not retain the slice.
func (td *TaskDumper) withMapping(addr uint64, length uint64, fn func(data []byte) error) error {
	end := addr + length
	if end < addr {
		return &KernelError{Call: "mach_vm_read", Status: KernInvalidAddress}
	}
	mask := td.pageSize - 1
	pageAddr := addr &^ mask
	lastPageAddr := (end + mask) &^ mask
	if lastPageAddr < end {
		// the last page wraps around the address space
		return &KernelError{Call: "mach_vm_read", Status: KernInvalidAddress}
	}

	m, kr := td.kernel.VMRead(pageAddr, lastPageAddr-pageAddr)
	if err := machCall("mach_vm_read", kr); err != nil {
		return err
	}
	defer td.release(m)

	off := addr - pageAddr
	if uint64(len(m.Data)) < off+length {
		return &KernelError{Call: "mach_vm_read", Status: KernInvalidAddress}
	}
	return fn(m.Data[off : off+length])
}

func (td *TaskDumper) release(m Mapping) {
	// We already copied what we needed, a failure here only leaks the
	// mapping.
	if err := machCall("mach_vm_deallocate", td.kernel.VMDeallocate(m)); err != nil {
		if logflags.TaskDump() {
			logflags.TaskDumpLogger().Debugf("could not release mapping at %#x: %v", m.Addr, err)
		}
	}
}

// ReadBytes reads length bytes of task memory starting at addr. The
// address does not need to be page aligned.
func (td *TaskDumper) ReadBytes(addr uint64, length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("invalid read length %d", length)
	}
	if length == 0 {
		return []byte{}, nil
	}
	var buf []byte
	err := td.withMapping(addr, uint64(length), func(data []byte) error {
		buf = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if logflags.TaskDump() {
		logflags.TaskDumpLogger().Debugf("read %#x bytes at %#x", length, addr)
	}
	return buf, nil
}

// ReadTaskMemory reads count consecutive values of type T from task memory
// starting at addr. T must have a fixed size as defined by encoding/binary,
// values are decoded as little endian.
func ReadTaskMemory[T any](td *TaskDumper, addr uint64, count int) ([]T, error) {
	var zero T
	size := binary.Size(zero)
	if size <= 0 {
		return nil, fmt.Errorf("can not read values of type %T from task memory", zero)
	}
	raw, err := td.ReadBytes(addr, size*count)
	if err != nil {
		return nil, err
	}
	out := make([]T, count)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, out); err != nil {
		return nil, err
	}
	return out, nil
}

// stringSearchThreshold is the distance from the end of a region under
// which ReadString also looks into the following region.
const stringSearchThreshold = 4 * 1024

// ReadString reads the NUL terminated string starting at addr.
// Since the length of the string isn't known in advance the read extends to
// the end of the VM region containing addr and, if less than 4k are left
// there, into the next region as long as it is contiguous.
// The returned bool is false if addr is not mapped.
func (td *TaskDumper) ReadString(addr uint64) (string, bool, error) {
	size, ok := td.stringReadSize(addr)
	if !ok {
		return "", false, nil
	}

	var s []byte
	err := td.withMapping(addr, size, func(data []byte) error {
		if i := bytes.IndexByte(data, 0); i >= 0 {
			data = data[:i]
		}
		s = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if !utf8.Valid(s) {
		return "", false, &TextDecodeError{Addr: addr}
	}
	return string(s), true, nil
}

func (td *TaskDumper) stringReadSize(addr uint64) (uint64, bool) {
	region, err := td.GetVMRegion(addr)
	if err != nil || !region.Contains(addr) {
		if logflags.TaskDump() {
			logflags.TaskDumpLogger().Debugf("no region for string at %#x: %v", addr, err)
		}
		return 0, false
	}

	sizeToEnd := region.End - addr
	if sizeToEnd < stringSearchThreshold {
		next, err := td.GetVMRegion(region.End)
		if err == nil && next.Start == region.End {
			sizeToEnd += next.Size()
		}
	}
	return sizeToEnd, true
}

// GetVMRegion returns the VM region containing addr or, if addr is not
// mapped, the closest region after addr.
func (td *TaskDumper) GetVMRegion(addr uint64) (VMRegionInfo, error) {
	region, kr := td.kernel.VMRegionRecurse(addr, 0)
	if err := machCall("mach_vm_region_recurse", kr); err != nil {
		return VMRegionInfo{}, err
	}
	return region, nil
}

// ReadThreadState returns the register state of a thread of the task.
func (td *TaskDumper) ReadThreadState(thread uint32) (*ThreadState, error) {
	state := make([]uint32, threadStateCount)
	n, kr := td.kernel.ThreadGetState(thread, threadStateFlavor, state)
	if err := machCall("thread_get_state", kr); err != nil {
		return nil, err
	}
	if int(n) < len(state) {
		state = state[:n]
	}
	return &ThreadState{State: state}, nil
}

// Threads returns the thread ports of the task.
func (td *TaskDumper) Threads() ([]uint32, error) {
	threads, kr := td.kernel.TaskThreads()
	if err := machCall("task_threads", kr); err != nil {
		return nil, err
	}
	return threads, nil
}

// TaskInfoKind is implemented by the structures that can be retrieved with
// TaskInfo, the flavor is the task_flavor_t passed to task_info.
type TaskInfoKind interface {
	TaskInfoFlavor() int32
}

// TaskDyldInfoFlavor is TASK_DYLD_INFO.
const TaskDyldInfoFlavor = 17

// TaskDyldInfo is task_dyld_info.
type TaskDyldInfo struct {
	AllImageInfoAddr   uint64
	AllImageInfoSize   uint64
	AllImageInfoFormat int32
}

func (TaskDyldInfo) TaskInfoFlavor() int32 { return TaskDyldInfoFlavor }

// TaskInfo reads the task information described by T.
func TaskInfo[T TaskInfoKind](td *TaskDumper) (T, error) {
	var info T
	size := binary.Size(info)
	if size <= 0 {
		return info, fmt.Errorf("can not read task info of type %T", info)
	}
	words := make([]uint32, (size+3)/4)
	n, kr := td.kernel.TaskInfo(info.TaskInfoFlavor(), words)
	if err := machCall("task_info", kr); err != nil {
		return info, err
	}
	if int(n) < len(words) {
		// the kernel returned an older, shorter, version of the structure
		for i := int(n); i < len(words); i++ {
			words[i] = 0
		}
	}
	raw := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(raw[i*4:], w)
	}
	if err := binary.Read(bytes.NewReader(raw[:size]), binary.LittleEndian, &info); err != nil {
		return info, err
	}
	return info, nil
}

// ImageInfo is dyld_image_info, an entry of the list of images loaded by
// dyld. Two ImageInfo are the same image if their load address is the same,
// dyld may list an image more than once.
type ImageInfo struct {
	LoadAddress uint64
	FilePath    uint64
	FileModDate uint64
}

// allImageInfos is the beginning of dyld_all_image_infos, as defined in
// mach-o/dyld_images.h.
type allImageInfos struct {
	Version        uint32
	InfoArrayCount uint32
	InfoArrayAddr  uint64
}

// ReadImages returns all the images loaded in the task. The same image may
// appear more than once.
func (td *TaskDumper) ReadImages() ([]ImageInfo, error) {
	dyldInfo, err := TaskInfo[TaskDyldInfo](td)
	if err != nil {
		return nil, err
	}

	// This assumes that dyld is loaded at the same address in the target
	// task and in this process, which is almost always true.
	all, err := ReadTaskMemory[allImageInfos](td, dyldInfo.AllImageInfoAddr, 1)
	if err != nil {
		return nil, fmt.Errorf("could not read dyld_all_image_infos: %w", err)
	}

	if logflags.TaskDump() {
		logflags.TaskDumpLogger().Debugf("dyld_all_image_infos version %d, %d images at %#x", all[0].Version, all[0].InfoArrayCount, all[0].InfoArrayAddr)
	}

	return ReadTaskMemory[ImageInfo](td, all[0].InfoArrayAddr, int(all[0].InfoArrayCount))
}

// ReadLoadCommands returns the load commands of the image.
func (td *TaskDumper) ReadLoadCommands(img ImageInfo) (LoadCommands, error) {
	hdr, err := ReadTaskMemory[types.FileHeader](td, img.LoadAddress, 1)
	if err != nil {
		return LoadCommands{}, err
	}
	if hdr[0].Magic != types.Magic64 {
		return LoadCommands{}, ErrInvalidMachHeader
	}

	// The load commands immediately follow the header and vary in size, the
	// caller steps through them using the size of each command.
	buf, err := td.ReadBytes(img.LoadAddress+machHeader64Size, int(hdr[0].SizeCommands))
	if err != nil {
		return LoadCommands{}, err
	}
	return LoadCommands{Buffer: buf, Count: hdr[0].NCommands}, nil
}
