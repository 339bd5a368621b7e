// Package exitcodes defines the process exit codes of op-harness.
package exitcodes

// Exit code constants used by op-harness:
//
// * Success (0): the run completed and every test passed
// * TestFailure (1): the run completed with failed or system-generated failures
// * RuntimeErr (2): the run faulted (agent stall, dialog dismiss failure,
// translation flood, cancellation) or an agent failed to launch
const (
	Success     = 0 // All tests pass
	TestFailure = 1 // Test failures
	RuntimeErr  = 2 // Faulted runs, launch failures and other runtime errors
)
