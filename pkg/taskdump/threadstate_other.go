//go:build !amd64 && !arm64

package taskdump

// Only amd64 and arm64 tasks are supported, on other architectures
// thread_get_state is asked for an invalid flavor and fails.
const (
	threadStateFlavor = -1
	threadStateCount  = 0

	threadStateSP = 0
	threadStatePC = 0
)
