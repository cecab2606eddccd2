//go:build !darwin || !cgo

package taskdump

import "errors"

// ErrUnsupported is returned by AttachPid on systems without mach or when
// built without cgo.
var ErrUnsupported = errors.New("task inspection is only supported on darwin with cgo enabled")

// MachTask is only usable on darwin.
type MachTask struct{}

func AttachPid(pid int) (*MachTask, error) {
	return nil, ErrUnsupported
}

func (t *MachTask) Close() error { return ErrUnsupported }

func (t *MachTask) PageSize() uint64 { return 4096 }

func (t *MachTask) VMRead(addr, size uint64) (Mapping, KernReturn) {
	return Mapping{}, KernNotSupported
}

func (t *MachTask) VMDeallocate(m Mapping) KernReturn { return KernNotSupported }

func (t *MachTask) VMRegionRecurse(addr uint64, depth uint32) (VMRegionInfo, KernReturn) {
	return VMRegionInfo{}, KernNotSupported
}

func (t *MachTask) ThreadGetState(thread uint32, flavor int32, state []uint32) (uint32, KernReturn) {
	return 0, KernNotSupported
}

func (t *MachTask) TaskInfo(flavor int32, info []uint32) (uint32, KernReturn) {
	return 0, KernNotSupported
}

func (t *MachTask) TaskThreads() ([]uint32, KernReturn) { return nil, KernNotSupported }
