package taskdump

// ARM_THREAD_STATE64, arm_thread_state64_t is x0-x28, fp, lr, sp, pc, cpsr
// and a padding word.
const (
	threadStateFlavor = 6
	threadStateCount  = 68

	threadStateSP = 31
	threadStatePC = 32
)
