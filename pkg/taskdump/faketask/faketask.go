// Package faketask implements taskdump.Kernel over a simulated, stopped,
// task. Memory is organized in page aligned regions, like a real task,
// and VMRead refuses windows that are not page aligned so that the page
// arithmetic of its callers is exercised.
package faketask

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/blacktop/go-macho/types"

	"github.com/go-delve/machdump/pkg/taskdump"
)

type region struct {
	start uint64
	data  []byte
	prot  types.VmProtection
}

func (r *region) end() uint64 {
	return r.start + uint64(len(r.data))
}

// Task is a simulated task.
type Task struct {
	pageSize uint64
	regions  []*region

	dyldInfo    *taskdump.TaskDyldInfo
	threads     []uint32
	threadState map[uint32][]uint32

	nextLocal   uint64
	outstanding map[uint64]int

	// Reads counts the calls to VMRead.
	Reads int
	// Deallocations counts the calls to VMDeallocate.
	Deallocations int

	// FailRead, FailDeallocate, FailRegion and FailTaskInfo, when not
	// KernSuccess, are returned by the corresponding calls.
	FailRead       taskdump.KernReturn
	FailDeallocate taskdump.KernReturn
	FailRegion     taskdump.KernReturn
	FailTaskInfo   taskdump.KernReturn

	// ShortRead makes VMRead return one page less than requested.
	ShortRead bool
}

// New returns an empty task with the given page size.
func New(pageSize uint64) *Task {
	return &Task{
		pageSize:    pageSize,
		threadState: make(map[uint32][]uint32),
		nextLocal:   0x7f0000000000,
		outstanding: make(map[uint64]int),
	}
}

func (t *Task) roundUp(n uint64) uint64 {
	return (n + t.pageSize - 1) &^ (t.pageSize - 1)
}

// Map creates a read/write region starting at the page aligned address
// addr and containing data, the region is padded with zeroes to a whole
// number of pages. Adjacent calls to Map create contiguous regions.
func (t *Task) Map(addr uint64, data []byte) {
	t.MapProt(addr, data, taskdump.VMProtRead|taskdump.VMProtWrite)
}

// MapProt is like Map with an explicit protection.
func (t *Task) MapProt(addr uint64, data []byte, prot types.VmProtection) {
	if addr%t.pageSize != 0 {
		panic(fmt.Sprintf("unaligned region address %#x", addr))
	}
	size := t.roundUp(uint64(len(data)))
	if size == 0 {
		size = t.pageSize
	}
	r := &region{start: addr, data: make([]byte, size), prot: prot}
	copy(r.data, data)
	for _, other := range t.regions {
		if r.start < other.end() && other.start < r.end() {
			panic(fmt.Sprintf("region %#x-%#x overlaps %#x-%#x", r.start, r.end(), other.start, other.end()))
		}
	}
	t.regions = append(t.regions, r)
	sort.Slice(t.regions, func(i, j int) bool { return t.regions[i].start < t.regions[j].start })
}

// Poke writes data at addr, which must be already mapped.
func (t *Task) Poke(addr uint64, data []byte) {
	for i := range data {
		r := t.find(addr + uint64(i))
		if r == nil {
			panic(fmt.Sprintf("write to unmapped address %#x", addr+uint64(i)))
		}
		r.data[addr+uint64(i)-r.start] = data[i]
	}
}

// Write encodes v as little endian and writes it at addr.
func (t *Task) Write(addr uint64, v interface{}) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		panic(err)
	}
	t.Poke(addr, buf.Bytes())
}

func (t *Task) find(addr uint64) *region {
	for _, r := range t.regions {
		if addr >= r.start && addr < r.end() {
			return r
		}
	}
	return nil
}

// SetDyldInfo sets the address returned by TASK_DYLD_INFO.
func (t *Task) SetDyldInfo(allImageInfoAddr uint64) {
	t.dyldInfo = &taskdump.TaskDyldInfo{AllImageInfoAddr: allImageInfoAddr, AllImageInfoSize: 16, AllImageInfoFormat: 1}
}

// SetImageList maps a dyld_all_image_infos header at allInfoAddr and the
// image array at arrayAddr, both addresses must be page aligned.
func (t *Task) SetImageList(allInfoAddr, arrayAddr uint64, images []taskdump.ImageInfo) {
	var hdr bytes.Buffer
	binary.Write(&hdr, binary.LittleEndian, uint32(1))
	binary.Write(&hdr, binary.LittleEndian, uint32(len(images)))
	binary.Write(&hdr, binary.LittleEndian, arrayAddr)
	t.Map(allInfoAddr, hdr.Bytes())

	var arr bytes.Buffer
	binary.Write(&arr, binary.LittleEndian, images)
	t.Map(arrayAddr, arr.Bytes())

	t.SetDyldInfo(allInfoAddr)
}

// AddThread adds a thread with the given register state.
func (t *Task) AddThread(port uint32, state []uint32) {
	t.threads = append(t.threads, port)
	t.threadState[port] = state
}

// Outstanding returns the number of mappings returned by VMRead that were
// not released.
func (t *Task) Outstanding() int {
	n := 0
	for _, cnt := range t.outstanding {
		n += cnt
	}
	return n
}

func (t *Task) PageSize() uint64 {
	return t.pageSize
}

func (t *Task) VMRead(addr, size uint64) (taskdump.Mapping, taskdump.KernReturn) {
	t.Reads++
	if t.FailRead != taskdump.KernSuccess {
		return taskdump.Mapping{}, t.FailRead
	}
	if addr%t.pageSize != 0 || size%t.pageSize != 0 || size == 0 {
		return taskdump.Mapping{}, taskdump.KernInvalidArgument
	}
	for off := uint64(0); off < size; off += t.pageSize {
		if t.find(addr+off) == nil {
			return taskdump.Mapping{}, taskdump.KernInvalidAddress
		}
	}
	data := make([]byte, size)
	for off := uint64(0); off < size; off += t.pageSize {
		r := t.find(addr + off)
		copy(data[off:off+t.pageSize], r.data[addr+off-r.start:])
	}
	if t.ShortRead {
		data = data[:size-t.pageSize]
	}
	local := t.nextLocal
	t.nextLocal += size + t.pageSize
	t.outstanding[local]++
	return taskdump.Mapping{Addr: local, Data: data}, taskdump.KernSuccess
}

func (t *Task) VMDeallocate(m taskdump.Mapping) taskdump.KernReturn {
	t.Deallocations++
	if t.outstanding[m.Addr] == 0 {
		return taskdump.KernInvalidAddress
	}
	t.outstanding[m.Addr]--
	if t.outstanding[m.Addr] == 0 {
		delete(t.outstanding, m.Addr)
	}
	return t.FailDeallocate
}

func (t *Task) VMRegionRecurse(addr uint64, depth uint32) (taskdump.VMRegionInfo, taskdump.KernReturn) {
	if t.FailRegion != taskdump.KernSuccess {
		return taskdump.VMRegionInfo{}, t.FailRegion
	}
	for _, r := range t.regions {
		if r.end() > addr {
			return taskdump.VMRegionInfo{
				Start:         r.start,
				End:           r.end(),
				Protection:    r.prot,
				MaxProtection: taskdump.VMProtRead | taskdump.VMProtWrite | taskdump.VMProtExecute,
				Depth:         depth,
			}, taskdump.KernSuccess
		}
	}
	return taskdump.VMRegionInfo{}, taskdump.KernInvalidAddress
}

func (t *Task) ThreadGetState(thread uint32, flavor int32, state []uint32) (uint32, taskdump.KernReturn) {
	regs, ok := t.threadState[thread]
	if !ok {
		return 0, taskdump.KernInvalidArgument
	}
	n := copy(state, regs)
	return uint32(n), taskdump.KernSuccess
}

func (t *Task) TaskInfo(flavor int32, info []uint32) (uint32, taskdump.KernReturn) {
	if t.FailTaskInfo != taskdump.KernSuccess {
		return 0, t.FailTaskInfo
	}
	if flavor != taskdump.TaskDyldInfoFlavor || t.dyldInfo == nil {
		return 0, taskdump.KernInvalidArgument
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, t.dyldInfo)
	raw := buf.Bytes()
	n := 0
	for ; n < len(info) && 4*n+4 <= len(raw); n++ {
		info[n] = binary.LittleEndian.Uint32(raw[4*n:])
	}
	return uint32(n), taskdump.KernSuccess
}

func (t *Task) TaskThreads() ([]uint32, taskdump.KernReturn) {
	return append([]uint32(nil), t.threads...), taskdump.KernSuccess
}
