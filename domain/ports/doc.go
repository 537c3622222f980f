// Package ports defines the interfaces the lifecycle core depends on.
// The core never talks to a concrete guest engine; infrastructure adapters
// (the wazero bridge, test doubles) implement these interfaces.
package ports
