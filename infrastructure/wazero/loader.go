package wazero

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	domainErrors "github.com/reglet-dev/reglet-embed/domain/errors"
	"github.com/reglet-dev/reglet-embed/domain/ports"
)

// ErrBridgeNotFound is returned when no candidate path holds the bridge module.
var ErrBridgeNotFound = errors.New("bridge module not found")

// FileLoader loads the bridge module from the filesystem.
//
// An absolute Path is used as is. A relative Path is resolved against each
// of Dirs in order, then against the working directory.
type FileLoader struct {
	Path    string
	Dirs    []string
	Options []BridgeOption
}

var _ ports.BridgeLoader = (*FileLoader)(nil)

// Load implements ports.BridgeLoader.
func (l *FileLoader) Load(ctx context.Context) (ports.NativeBoundary, error) {
	path, err := Locate(l.Path, l.Dirs)
	if err != nil {
		return nil, &domainErrors.LoaderError{Source: l.Path, Err: err}
	}

	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, &domainErrors.LoaderError{Source: path, Err: err}
	}

	b, err := NewBridge(ctx, wasm, l.Options...)
	if err != nil {
		return nil, &domainErrors.LoaderError{Source: path, Err: err}
	}
	return b, nil
}

// Locate resolves name to the first existing regular file.
func Locate(name string, dirs []string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty path", ErrBridgeNotFound)
	}
	if filepath.IsAbs(name) {
		if isFile(name) {
			return name, nil
		}
		return "", fmt.Errorf("%w: %s", ErrBridgeNotFound, name)
	}

	candidates := make([]string, 0, len(dirs)+1)
	for _, dir := range dirs {
		candidates = append(candidates, filepath.Join(dir, name))
	}
	candidates = append(candidates, name)

	for _, c := range candidates {
		if isFile(c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %s (searched %d locations)", ErrBridgeNotFound, name, len(candidates))
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// BytesLoader loads the bridge module from memory, e.g. an embedded file.
type BytesLoader struct {
	Name    string
	Wasm    []byte
	Options []BridgeOption
}

var _ ports.BridgeLoader = (*BytesLoader)(nil)

// Load implements ports.BridgeLoader.
func (l *BytesLoader) Load(ctx context.Context) (ports.NativeBoundary, error) {
	if len(l.Wasm) == 0 {
		return nil, &domainErrors.LoaderError{Source: l.Name, Err: errors.New("empty module")}
	}
	b, err := NewBridge(ctx, l.Wasm, l.Options...)
	if err != nil {
		return nil, &domainErrors.LoaderError{Source: l.Name, Err: err}
	}
	return b, nil
}
