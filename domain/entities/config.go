package entities

// StartConfig carries the environment overrides handed to the guest runtime at start.
//
// A nil field means "inherit from the host environment" (or, for the bridge
// library, "search the default path"). A non-nil empty string is a real value
// and is forwarded as such.
type StartConfig struct {
	// HomePath is the guest runtime's home directory.
	HomePath *string

	// SearchPath is the guest module search path.
	SearchPath *string

	// BridgeLibraryPath is the path of the integration library the guest
	// loads during its own startup.
	BridgeLibraryPath *string
}

// Some returns a pointer to s, for populating optional StartConfig fields.
func Some(s string) *string {
	return &s
}

// Clone returns a deep copy of the config.
func (c StartConfig) Clone() StartConfig {
	return StartConfig{
		HomePath:          clonePtr(c.HomePath),
		SearchPath:        clonePtr(c.SearchPath),
		BridgeLibraryPath: clonePtr(c.BridgeLibraryPath),
	}
}

func clonePtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
