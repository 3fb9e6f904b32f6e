package media

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/osforge/ffubuilder/utils"
)

// StageDeployment lays out the deployment media folder: the captured FFU
// image plus the downloaded drivers, ready to be burned to an ISO or copied
// to a USB stick.
func StageDeployment(deployDir, ffuPath, driversDir string) error {
	if !utils.ValidFile(ffuPath) {
		return fmt.Errorf("captured image %s missing or empty", ffuPath)
	}
	if err := utils.EnsureDirs(deployDir); err != nil {
		return err
	}
	if err := utils.CopyFile(ffuPath, filepath.Join(deployDir, filepath.Base(ffuPath))); err != nil {
		return fmt.Errorf("stage FFU image: %w", err)
	}
	if utils.DirExists(driversDir) {
		if err := utils.CopyTree(driversDir, filepath.Join(deployDir, "drivers")); err != nil {
			return fmt.Errorf("stage drivers: %w", err)
		}
	}
	return nil
}

// WriteUSBLayout copies the staged deployment folder onto a mounted USB
// target. The target must already exist (the stick is mounted by the
// operator); its previous contents are preserved except for colliding names.
func WriteUSBLayout(deployDir, usbRoot string) error {
	if !utils.DirExists(deployDir) {
		return fmt.Errorf("deployment folder %s missing", deployDir)
	}
	info, err := os.Stat(usbRoot)
	if err != nil {
		return fmt.Errorf("stat USB target %q: %w", usbRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("USB target %q is not a directory", usbRoot)
	}
	if err := utils.CopyTree(deployDir, usbRoot); err != nil {
		return fmt.Errorf("copy deployment media: %w", err)
	}
	return nil
}
