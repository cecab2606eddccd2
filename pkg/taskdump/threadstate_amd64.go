package taskdump

// x86_THREAD_STATE64, x86_thread_state64_t is 21 64bit registers starting
// with rax, rbx, rcx, rdx, rdi, rsi, rbp, rsp, r8-r15, rip.
const (
	threadStateFlavor = 4
	threadStateCount  = 42

	threadStateSP = 7
	threadStatePC = 16
)
