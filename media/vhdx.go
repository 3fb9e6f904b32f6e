package media

import (
	"fmt"
	"os"

	"github.com/osforge/ffubuilder/utils"
)

// CreateVHDX allocates the scratch disk file at path with the given size.
// The file is created sparse; the hypervisor initializes the actual VHDX
// structures on first attach. An existing file is an error — a stale scratch
// disk means a broken earlier cleanup, and silently reusing it would corrupt
// the build.
func CreateVHDX(path string, sizeBytes int64) error {
	if utils.FileExists(path) {
		return fmt.Errorf("scratch disk %s already exists", path)
	}
	if sizeBytes <= 0 {
		return fmt.Errorf("invalid scratch disk size %d", sizeBytes)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644) //nolint:gosec // builder-managed path
	if err != nil {
		return fmt.Errorf("create scratch disk: %w", err)
	}
	if err := f.Truncate(sizeBytes); err != nil {
		f.Close()       //nolint:errcheck,gosec
		os.Remove(path) //nolint:errcheck,gosec
		return fmt.Errorf("size scratch disk: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path) //nolint:errcheck,gosec
		return fmt.Errorf("close scratch disk: %w", err)
	}
	return nil
}
