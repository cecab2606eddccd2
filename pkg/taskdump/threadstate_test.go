package taskdump

import "testing"

func TestThreadStateRegisters(t *testing.T) {
	if threadStateCount == 0 {
		t.Skip("thread state not supported on this architecture")
	}
	ts := &ThreadState{State: make([]uint32, threadStateCount)}
	ts.State[2*threadStatePC] = 0x1000
	ts.State[2*threadStatePC+1] = 0x1
	ts.State[2*threadStateSP] = 0x7ff0
	ts.State[2*threadStateSP+1] = 0x16f

	if pc := ts.PC(); pc != 0x100001000 {
		t.Fatalf("expected pc 0x100001000; but was %#x", pc)
	}
	if sp := ts.SP(); sp != 0x16f00007ff0 {
		t.Fatalf("expected sp 0x16f00007ff0; but was %#x", sp)
	}

	short := &ThreadState{State: ts.State[:2*threadStatePC]}
	if pc := short.PC(); pc != 0 {
		t.Fatalf("expected 0 for a truncated state; but was %#x", pc)
	}
}
