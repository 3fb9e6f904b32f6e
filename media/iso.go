package media

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kdomanski/iso9660"
)

// CreateISO builds an ISO9660 image at imagePath from the contents of
// sourceDir. A partially written image is removed on failure so nothing
// half-built survives under the final name.
func CreateISO(sourceDir, imagePath, volumeLabel string) error {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return fmt.Errorf("stat source directory %q: %w", sourceDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source path %q is not a directory", sourceDir)
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup() //nolint:errcheck

	if err := writer.AddLocalDirectory(sourceDir, "/"); err != nil {
		return fmt.Errorf("stage directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(imagePath), 0o750); err != nil {
		return fmt.Errorf("ensure image directory: %w", err)
	}
	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644) //nolint:gosec // builder-managed path
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}

	if err := writer.WriteTo(out, volumeLabel); err != nil {
		out.Close() //nolint:errcheck,gosec
		_ = os.Remove(imagePath)
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}
