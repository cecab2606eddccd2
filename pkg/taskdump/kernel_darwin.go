//go:build darwin && cgo

package taskdump

/*
#include <mach/mach.h>
#include <mach/mach_vm.h>

static kern_return_t md_task_for_pid(int pid, mach_port_t *task) {
	return task_for_pid(mach_task_self(), pid, task);
}

static kern_return_t md_port_deallocate(mach_port_t port) {
	return mach_port_deallocate(mach_task_self(), port);
}

static kern_return_t md_vm_read(mach_port_t task, mach_vm_address_t addr, mach_vm_size_t size, vm_offset_t *data, mach_msg_type_number_t *count) {
	return mach_vm_read(task, addr, size, data, count);
}

static kern_return_t md_vm_deallocate(mach_vm_address_t addr, mach_vm_size_t size) {
	return mach_vm_deallocate(mach_task_self(), addr, size);
}

static kern_return_t md_vm_region_recurse(mach_port_t task, mach_vm_address_t *addr, mach_vm_size_t *size, natural_t *depth, vm_region_submap_info_data_64_t *info) {
	mach_msg_type_number_t count = VM_REGION_SUBMAP_INFO_COUNT_64;
	return mach_vm_region_recurse(task, addr, size, depth, (vm_region_recurse_info_t)info, &count);
}

static kern_return_t md_thread_get_state(mach_port_t thread, int flavor, natural_t *state, mach_msg_type_number_t *count) {
	return thread_get_state(thread, flavor, (thread_state_t)state, count);
}

static kern_return_t md_task_info(mach_port_t task, int flavor, integer_t *info, mach_msg_type_number_t *count) {
	return task_info(task, flavor, (task_info_t)info, count);
}

static kern_return_t md_task_threads(mach_port_t task, thread_act_array_t *list, mach_msg_type_number_t *count) {
	return task_threads(task, list, count);
}

static mach_port_t md_thread_at(thread_act_array_t list, int i) {
	return list[i];
}

static void md_free_thread_list(thread_act_array_t list, mach_msg_type_number_t count) {
	vm_deallocate(mach_task_self(), (vm_address_t)list, count * sizeof(thread_act_t));
}
*/
import "C"
import (
	"unsafe"

	"github.com/blacktop/go-macho/types"
	sys "golang.org/x/sys/unix"
)

// MachTask is the Kernel for a task acquired with task_for_pid.
type MachTask struct {
	task     C.mach_port_t
	pageSize uint64
}

// AttachPid acquires the task port of pid. This requires the
// com.apple.security.cs.debugger entitlement or root privileges.
func AttachPid(pid int) (*MachTask, error) {
	var task C.mach_port_t
	kr := C.md_task_for_pid(C.int(pid), &task)
	if err := machCall("task_for_pid", KernReturn(kr)); err != nil {
		return nil, err
	}
	return &MachTask{task: task, pageSize: uint64(sys.Getpagesize())}, nil
}

// Close releases the task port.
func (t *MachTask) Close() error {
	return machCall("mach_port_deallocate", KernReturn(C.md_port_deallocate(t.task)))
}

func (t *MachTask) PageSize() uint64 {
	return t.pageSize
}

func (t *MachTask) VMRead(addr, size uint64) (Mapping, KernReturn) {
	var (
		data  C.vm_offset_t
		count C.mach_msg_type_number_t
	)
	kr := C.md_vm_read(t.task, C.mach_vm_address_t(addr), C.mach_vm_size_t(size), &data, &count)
	if kr != C.KERN_SUCCESS {
		return Mapping{}, KernReturn(kr)
	}
	return Mapping{
		Addr: uint64(data),
		Data: unsafe.Slice((*byte)(unsafe.Pointer(uintptr(data))), int(count)),
	}, KernSuccess
}

func (t *MachTask) VMDeallocate(m Mapping) KernReturn {
	return KernReturn(C.md_vm_deallocate(C.mach_vm_address_t(m.Addr), C.mach_vm_size_t(len(m.Data))))
}

func (t *MachTask) VMRegionRecurse(addr uint64, depth uint32) (VMRegionInfo, KernReturn) {
	var (
		base  = C.mach_vm_address_t(addr)
		size  C.mach_vm_size_t
		level = C.natural_t(depth)
		info  C.vm_region_submap_info_data_64_t
	)
	kr := C.md_vm_region_recurse(t.task, &base, &size, &level, &info)
	if kr != C.KERN_SUCCESS {
		return VMRegionInfo{}, KernReturn(kr)
	}
	return VMRegionInfo{
		Start:         uint64(base),
		End:           uint64(base) + uint64(size),
		Protection:    types.VmProtection(info.protection),
		MaxProtection: types.VmProtection(info.max_protection),
		ShareMode:     uint32(info.share_mode),
		UserTag:       uint32(info.user_tag),
		Depth:         uint32(level),
		IsSubmap:      info.is_submap != 0,
	}, KernSuccess
}

func (t *MachTask) ThreadGetState(thread uint32, flavor int32, state []uint32) (uint32, KernReturn) {
	if len(state) == 0 {
		return 0, KernInvalidArgument
	}
	count := C.mach_msg_type_number_t(len(state))
	kr := C.md_thread_get_state(C.mach_port_t(thread), C.int(flavor), (*C.natural_t)(unsafe.Pointer(&state[0])), &count)
	return uint32(count), KernReturn(kr)
}

func (t *MachTask) TaskInfo(flavor int32, info []uint32) (uint32, KernReturn) {
	if len(info) == 0 {
		return 0, KernInvalidArgument
	}
	count := C.mach_msg_type_number_t(len(info))
	kr := C.md_task_info(t.task, C.int(flavor), (*C.integer_t)(unsafe.Pointer(&info[0])), &count)
	return uint32(count), KernReturn(kr)
}

func (t *MachTask) TaskThreads() ([]uint32, KernReturn) {
	var (
		list  C.thread_act_array_t
		count C.mach_msg_type_number_t
	)
	kr := C.md_task_threads(t.task, &list, &count)
	if kr != C.KERN_SUCCESS {
		return nil, KernReturn(kr)
	}
	defer C.md_free_thread_list(list, count)
	threads := make([]uint32, count)
	for i := range threads {
		threads[i] = uint32(C.md_thread_at(list, C.int(i)))
	}
	return threads, KernSuccess
}
