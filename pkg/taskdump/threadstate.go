package taskdump

// ThreadState is the register state of a thread as returned by
// thread_get_state, its layout depends on the architecture.
type ThreadState struct {
	State []uint32
}

// reg returns the i-th 64bit register of the state.
func (ts *ThreadState) reg(i int) uint64 {
	if 2*i+1 >= len(ts.State) {
		return 0
	}
	return uint64(ts.State[2*i]) | uint64(ts.State[2*i+1])<<32
}

// PC returns the program counter.
func (ts *ThreadState) PC() uint64 {
	return ts.reg(threadStatePC)
}

// SP returns the stack pointer.
func (ts *ThreadState) SP() uint64 {
	return ts.reg(threadStateSP)
}
