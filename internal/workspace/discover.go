// ABOUTME: Workspace root discovery via an upward marker-file walk.
// ABOUTME: First marker hit in an ancestor directory wins; no match means no workspace hub.

package workspace

import (
	"errors"
	"os"
	"path/filepath"
)

// ErrNoWorkspace indicates no marker file was found in any ancestor directory.
var ErrNoWorkspace = errors.New("no workspace root found")

// DefaultMarkers is the ordered marker list consulted at each directory level.
var DefaultMarkers = []string{".conclave.yaml", ".conclave.yml", ".mcp.json"}

// Root is a discovered workspace: the directory holding the marker and the
// marker file itself.
type Root struct {
	Dir        string
	ConfigFile string
}

// Discover walks upward from start through each ancestor until the filesystem
// root, testing markers in order at each level. The first existing marker
// wins. Markers are ordered by priority within a level, so a higher-priority
// marker in the same directory beats a lower-priority one, and a closer
// directory always beats a farther one.
func Discover(start string, markers []string) (Root, error) {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	dir, err := filepath.Abs(start)
	if err != nil {
		return Root{}, err
	}

	for {
		for _, marker := range markers {
			candidate := filepath.Join(dir, marker)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return Root{Dir: dir, ConfigFile: candidate}, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Root{}, ErrNoWorkspace
		}
		dir = parent
	}
}
