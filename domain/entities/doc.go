// Package entities provides the core domain types of the embedded guest runtime:
// lifecycle states, start configuration and status codes.
// These types carry no behavior beyond validation of their own invariants.
package entities
