// Package wazero implements the native boundary on top of the wazero
// WebAssembly runtime.
//
// The bridge library is a WebAssembly module. Its exports are the native
// entry points and its linear memory carries the marshaled arguments:
//
//	memory                                 exported linear memory
//	allocate(size i32) -> i32              reserve size bytes, return address
//	deallocate(ptr i32, size i32)          release a buffer from allocate
//	runtime_start(home, path, lib i32) -> i32
//	runtime_run(script i32) -> i32
//	runtime_stop()
//	_initialize()                          optional reactor initializer
//
// String arguments are addresses of NUL-terminated strings; address 0 means
// "use default". The host module "guest_host" provides
//
//	log_message(level i32, ptr i32, len i32)
//
// which routes guest log lines to the bridge's zap logger.
//
// # Basic Usage
//
//	loader := &wazero.FileLoader{
//	    Path:    "guest.wasm",
//	    Options: []wazero.BridgeOption{wazero.WithLogger(logger)},
//	}
//	rt := host.New(host.WithLoader(loader), host.WithLogger(logger))
//	defer rt.Close(ctx)
//
// A guest calling proc_exit inside an entry point ends its instance. The
// exit code is reported as the entry point's status; later calls fail until
// stop, after which the next start gets a fresh instance. An exit during
// start needs no stop: the next start gets a fresh instance directly, and
// exit code 0 there is reported as ErrGuestExited rather than success.
package wazero
