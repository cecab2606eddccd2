package taskdump

import "github.com/blacktop/go-macho/types"

// Kernel is the set of task-relative mach primitives used by TaskDumper.
// Every method reports the kern_return_t of the underlying call, TaskDumper
// turns those into errors.
type Kernel interface {
	// PageSize returns the page size of the inspecting process.
	PageSize() uint64

	// VMRead maps size bytes of the task's memory starting at addr into the
	// inspecting process (mach_vm_read). Both addr and size are multiples of
	// the page size.
	VMRead(addr, size uint64) (Mapping, KernReturn)

	// VMDeallocate releases a mapping returned by VMRead
	// (mach_vm_deallocate on mach_task_self).
	VMDeallocate(m Mapping) KernReturn

	// VMRegionRecurse returns the region containing addr or, if addr is not
	// mapped, the first region after it (mach_vm_region_recurse).
	VMRegionRecurse(addr uint64, depth uint32) (VMRegionInfo, KernReturn)

	// ThreadGetState fills state with the register state of thread for the
	// given flavor and returns the number of words written.
	ThreadGetState(thread uint32, flavor int32, state []uint32) (uint32, KernReturn)

	// TaskInfo fills info with the task information of the given flavor and
	// returns the number of words written.
	TaskInfo(flavor int32, info []uint32) (uint32, KernReturn)

	// TaskThreads returns the thread ports of the task.
	TaskThreads() ([]uint32, KernReturn)
}

// Mapping is a window of task memory mapped into the inspecting process.
// Addr is the local address of the window, it is only meaningful to the
// Kernel that returned it.
type Mapping struct {
	Addr uint64
	Data []byte
}

// VMRegionInfo describes a region of virtual memory in the task, the range
// is [Start, End).
type VMRegionInfo struct {
	Start, End uint64

	Protection    types.VmProtection
	MaxProtection types.VmProtection
	ShareMode     uint32
	UserTag       uint32
	Depth         uint32
	IsSubmap      bool
}

// Contains returns true if addr is inside the region.
func (r VMRegionInfo) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Size returns the size of the region in bytes.
func (r VMRegionInfo) Size() uint64 {
	return r.End - r.Start
}

// VM protection bits of VMRegionInfo.Protection and MaxProtection.
const (
	VMProtRead    types.VmProtection = 0x1
	VMProtWrite   types.VmProtection = 0x2
	VMProtExecute types.VmProtection = 0x4
)
