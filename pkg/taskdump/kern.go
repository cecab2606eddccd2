package taskdump

import (
	"fmt"

	"github.com/go-delve/machdump/pkg/logflags"
)

// KernReturn is a mach kern_return_t.
type KernReturn int32

const (
	KernSuccess           KernReturn = 0
	KernInvalidAddress    KernReturn = 1
	KernProtectionFailure KernReturn = 2
	KernNoSpace           KernReturn = 3
	KernInvalidArgument   KernReturn = 4
	KernFailure           KernReturn = 5
	KernResourceShortage  KernReturn = 6
	KernNoAccess          KernReturn = 8
	KernMemoryFailure     KernReturn = 9
	KernMemoryError       KernReturn = 10
	KernAborted           KernReturn = 14
	KernInvalidName       KernReturn = 15
	KernInvalidTask       KernReturn = 16
	KernInvalidRight      KernReturn = 17
	KernInvalidValue      KernReturn = 18
	KernInvalidCapability KernReturn = 20
	KernInvalidHost       KernReturn = 22
	KernInvalidObject     KernReturn = 29
	KernTerminated        KernReturn = 37
	KernNotSupported      KernReturn = 46
	KernOperationTimedOut KernReturn = 49
	KernCodesignError     KernReturn = 50

	MachSendInvalidDest KernReturn = 0x10000003
)

var kernReturnNames = map[KernReturn]string{
	KernSuccess:           "KERN_SUCCESS",
	KernInvalidAddress:    "KERN_INVALID_ADDRESS",
	KernProtectionFailure: "KERN_PROTECTION_FAILURE",
	KernNoSpace:           "KERN_NO_SPACE",
	KernInvalidArgument:   "KERN_INVALID_ARGUMENT",
	KernFailure:           "KERN_FAILURE",
	KernResourceShortage:  "KERN_RESOURCE_SHORTAGE",
	KernNoAccess:          "KERN_NO_ACCESS",
	KernMemoryFailure:     "KERN_MEMORY_FAILURE",
	KernMemoryError:       "KERN_MEMORY_ERROR",
	KernAborted:           "KERN_ABORTED",
	KernInvalidName:       "KERN_INVALID_NAME",
	KernInvalidTask:       "KERN_INVALID_TASK",
	KernInvalidRight:      "KERN_INVALID_RIGHT",
	KernInvalidValue:      "KERN_INVALID_VALUE",
	KernInvalidCapability: "KERN_INVALID_CAPABILITY",
	KernInvalidHost:       "KERN_INVALID_HOST",
	KernInvalidObject:     "KERN_INVALID_OBJECT",
	KernTerminated:        "KERN_TERMINATED",
	KernNotSupported:      "KERN_NOT_SUPPORTED",
	KernOperationTimedOut: "KERN_OPERATION_TIMED_OUT",
	KernCodesignError:     "KERN_CODESIGN_ERROR",
	MachSendInvalidDest:   "MACH_SEND_INVALID_DEST",
}

func (kr KernReturn) String() string {
	if name, ok := kernReturnNames[kr]; ok {
		return name
	}
	return fmt.Sprintf("kern_return_t(%#x)", int32(kr))
}

// KernelError is returned when a mach call does not return KERN_SUCCESS.
type KernelError struct {
	Call   string
	Status KernReturn
}

func (err *KernelError) Error() string {
	return fmt.Sprintf("kernel error %s %s", err.Call, err.Status)
}

// machCall converts the status returned by the named mach call into an
// error.
func machCall(call string, kr KernReturn) error {
	if logflags.Kernel() {
		logflags.KernelLogger().Debugf("%s: %s", call, kr)
	}
	if kr == KernSuccess {
		return nil
	}
	return &KernelError{Call: call, Status: kr}
}
