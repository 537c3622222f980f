package wazero

import (
	"io"

	"go.uber.org/zap"
)

// Default export and module names of the bridge ABI.
const (
	DefaultModuleName     = "guest"
	DefaultHostModuleName = "guest_host"
	DefaultMaxLogMessage  = 64 * 1024
)

// Exports names the guest exports that implement the bridge ABI.
type Exports struct {
	Allocate   string
	Deallocate string
	Start      string
	Run        string
	Stop       string
}

// DefaultExports returns the standard export names.
func DefaultExports() Exports {
	return Exports{
		Allocate:   "allocate",
		Deallocate: "deallocate",
		Start:      "runtime_start",
		Run:        "runtime_run",
		Stop:       "runtime_stop",
	}
}

// Mount exposes a host directory inside the guest filesystem.
type Mount struct {
	HostPath  string
	GuestPath string
	ReadOnly  bool
}

// bridgeConfig holds configuration for a Bridge.
type bridgeConfig struct {
	logger         *zap.Logger
	stdout         io.Writer
	stderr         io.Writer
	env            map[string]string
	moduleName     string
	hostModuleName string
	exports        Exports
	mounts         []Mount
	maxLogMessage  uint32
	closeOnDone    bool
}

func defaultBridgeConfig() bridgeConfig {
	return bridgeConfig{
		logger:         zap.NewNop(),
		moduleName:     DefaultModuleName,
		hostModuleName: DefaultHostModuleName,
		exports:        DefaultExports(),
		maxLogMessage:  DefaultMaxLogMessage,
	}
}

// BridgeOption configures a Bridge.
type BridgeOption func(*bridgeConfig)

// WithLogger sets the logger for bridge events and guest log lines.
func WithLogger(l *zap.Logger) BridgeOption {
	return func(c *bridgeConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithStdout connects the guest's stdout. Output is discarded by default.
func WithStdout(w io.Writer) BridgeOption {
	return func(c *bridgeConfig) {
		c.stdout = w
	}
}

// WithStderr connects the guest's stderr. Output is discarded by default.
func WithStderr(w io.Writer) BridgeOption {
	return func(c *bridgeConfig) {
		c.stderr = w
	}
}

// WithEnv adds an environment variable visible to the guest.
func WithEnv(key, value string) BridgeOption {
	return func(c *bridgeConfig) {
		if c.env == nil {
			c.env = make(map[string]string)
		}
		c.env[key] = value
	}
}

// WithMount exposes a host directory to the guest at guestPath.
func WithMount(m Mount) BridgeOption {
	return func(c *bridgeConfig) {
		c.mounts = append(c.mounts, m)
	}
}

// WithModuleName sets the guest module instance name (default: "guest").
func WithModuleName(name string) BridgeOption {
	return func(c *bridgeConfig) {
		c.moduleName = name
	}
}

// WithHostModuleName sets the name of the host module the guest imports (default: "guest_host").
func WithHostModuleName(name string) BridgeOption {
	return func(c *bridgeConfig) {
		c.hostModuleName = name
	}
}

// WithExports overrides the guest export names.
func WithExports(e Exports) BridgeOption {
	return func(c *bridgeConfig) {
		c.exports = e
	}
}

// WithMaxLogMessage limits the size of a single guest log line.
func WithMaxLogMessage(n uint32) BridgeOption {
	return func(c *bridgeConfig) {
		c.maxLogMessage = n
	}
}

// WithCloseOnContextDone makes guest execution abort when the call's context is done.
// Off by default: the lifecycle core treats native calls as uninterruptible.
func WithCloseOnContextDone(enabled bool) BridgeOption {
	return func(c *bridgeConfig) {
		c.closeOnDone = enabled
	}
}
