package wasmfixture

import (
	"github.com/tetratelabs/wazero/api"
)

// Phases selected by the TrapOn and ExitOn globals.
const (
	PhaseNone  int32 = 0
	PhaseStart int32 = 1
	PhaseRun   int32 = 2
	PhaseStop  int32 = 3
)

// Exported global names of the recording guest.
const (
	GlobalHeap        = "heap"
	GlobalAllocs      = "allocs"
	GlobalFrees       = "frees"
	GlobalHomePtr     = "home_ptr"
	GlobalSearchPtr   = "search_ptr"
	GlobalBridgePtr   = "bridge_ptr"
	GlobalScriptPtr   = "script_ptr"
	GlobalStartCode   = "start_rc"
	GlobalRunCode     = "run_rc"
	GlobalStarts      = "starts"
	GlobalRuns        = "runs"
	GlobalStops       = "stops"
	GlobalTrapOn      = "trap_on"
	GlobalExitOn      = "exit_on"
	GlobalExitCode    = "exit_code"
	GlobalLogLen      = "log_len"
	GlobalInitialized = "initialized"
)

// HeapBase is the first address handed out by allocate.
const HeapBase = 1024

// GuestOptions shapes the recording guest.
type GuestOptions struct {
	// OmitExport leaves out the named function export.
	OmitExport string
	// StartCode and RunCode are the initial return codes.
	StartCode int32
	RunCode   int32
	// Pages is the memory size; defaults to 4.
	Pages uint32
}

// Guest returns a module implementing the bridge ABI that records every call
// in exported mutable globals:
//
//   - allocate bumps "heap" and counts "allocs"; deallocate counts "frees".
//   - runtime_start stores its arguments in home_ptr, search_ptr and
//     bridge_ptr and returns start_rc.
//   - runtime_run stores script_ptr and returns run_rc. When log_len is
//     non-zero it logs log_len bytes of the script at info level.
//   - trap_on and exit_on select a phase that traps or calls proc_exit(exit_code).
//   - _initialize sets "initialized".
func Guest(opts GuestOptions) []byte {
	if opts.Pages == 0 {
		opts.Pages = 4
	}

	i32 := api.ValueTypeI32
	b := New()

	procExit := b.ImportFunc("wasi_snapshot_preview1", "proc_exit", []api.ValueType{i32}, nil)
	logMessage := b.ImportFunc("guest_host", "log_message", []api.ValueType{i32, i32, i32}, nil)

	g := map[string]uint32{}
	for _, n := range []string{
		GlobalAllocs, GlobalFrees, GlobalHomePtr, GlobalSearchPtr, GlobalBridgePtr,
		GlobalScriptPtr, GlobalStarts, GlobalRuns, GlobalStops,
		GlobalTrapOn, GlobalExitOn, GlobalExitCode, GlobalLogLen, GlobalInitialized,
	} {
		g[n] = b.Global(0)
	}
	g[GlobalHeap] = b.Global(HeapBase)
	g[GlobalStartCode] = b.Global(opts.StartCode)
	g[GlobalRunCode] = b.Global(opts.RunCode)

	failOn := func(phase int32) []byte {
		return cat(
			GlobalGet(g[GlobalTrapOn]), I32Const(phase), Eq(), If(Unreachable()),
			GlobalGet(g[GlobalExitOn]), I32Const(phase), Eq(), If(GlobalGet(g[GlobalExitCode]), Call(procExit)),
		)
	}

	funcs := map[string]uint32{}

	funcs["allocate"] = b.Func([]api.ValueType{i32}, []api.ValueType{i32},
		GlobalGet(g[GlobalHeap]),
		GlobalGet(g[GlobalHeap]), LocalGet(0), Add(), GlobalSet(g[GlobalHeap]),
		Incr(g[GlobalAllocs]),
	)

	funcs["deallocate"] = b.Func([]api.ValueType{i32, i32}, nil,
		Incr(g[GlobalFrees]),
	)

	funcs["runtime_start"] = b.Func([]api.ValueType{i32, i32, i32}, []api.ValueType{i32},
		LocalGet(0), GlobalSet(g[GlobalHomePtr]),
		LocalGet(1), GlobalSet(g[GlobalSearchPtr]),
		LocalGet(2), GlobalSet(g[GlobalBridgePtr]),
		Incr(g[GlobalStarts]),
		failOn(PhaseStart),
		GlobalGet(g[GlobalStartCode]),
	)

	funcs["runtime_run"] = b.Func([]api.ValueType{i32}, []api.ValueType{i32},
		LocalGet(0), GlobalSet(g[GlobalScriptPtr]),
		Incr(g[GlobalRuns]),
		failOn(PhaseRun),
		GlobalGet(g[GlobalLogLen]), If(I32Const(1), LocalGet(0), GlobalGet(g[GlobalLogLen]), Call(logMessage)),
		GlobalGet(g[GlobalRunCode]),
	)

	funcs["runtime_stop"] = b.Func(nil, nil,
		Incr(g[GlobalStops]),
		failOn(PhaseStop),
	)

	funcs["_initialize"] = b.Func(nil, nil,
		I32Const(1), GlobalSet(g[GlobalInitialized]),
	)

	b.Memory(opts.Pages)
	b.ExportMemory("memory")
	for _, n := range []string{"allocate", "deallocate", "runtime_start", "runtime_run", "runtime_stop", "_initialize"} {
		if n != opts.OmitExport {
			b.ExportFunc(n, funcs[n])
		}
	}
	for n, idx := range g {
		b.ExportGlobal(n, idx)
	}
	return b.Build()
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
