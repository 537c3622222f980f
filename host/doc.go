// Package host embeds a guest runtime in the host process and drives its lifecycle.
//
// A Runtime owns the single guest runtime handle and its state machine:
//
//	uninitialized -> starting -> running -> stopping -> uninitialized
//
// Start, Run and Stop check and change the state under one lock and call
// the native boundary outside it. Starting and Stopping act as barrier
// states: overlapping lifecycle calls fail fast instead of blocking.
// Run calls hold a reference on the handle; Stop waits for them to drain
// before tearing the guest down.
//
// The package-level Start, Run and Stop functions operate on a process-wide
// default Runtime. At most one guest runtime is live per process: a Runtime
// claims a process-wide slot when it starts and gives it back when it
// returns to uninitialized, and Start on any other Runtime meanwhile
// returns errors.ErrAlreadyRunning.
//
// A crash inside native code the boundary cannot contain (for a wazero
// bridge, only engine bugs; guest traps are recovered) is outside what this
// package can handle.
package host
