// Package servicing drives offline Windows image servicing through dism.exe.
// Only the narrow operations the build pipeline needs are exposed; dism
// command semantics stay behind this boundary.
package servicing

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/osforge/ffubuilder/cleanup"
	"github.com/osforge/ffubuilder/utils"
)

// DISM shells out to dism.exe. Mount points are registered with the
// cleanup registry for the whole time an image is mounted, so a failed or
// cancelled build always gets its mountpoints torn down.
type DISM struct {
	registry *cleanup.Registry
}

// compile-time check: DISM can back the registry's dismount fallback.
var _ cleanup.Dismounter = (*DISM)(nil)

// New creates the DISM servicer.
func New(registry *cleanup.Registry) *DISM {
	return &DISM{registry: registry}
}

// InjectDrivers mounts the scratch image, adds every driver under
// driversDir recursively, and commits.
func (d *DISM) InjectDrivers(ctx context.Context, vhdxPath, driversDir, mountDir string) error {
	return d.withMount(ctx, vhdxPath, mountDir, func() error {
		return d.run(ctx, "/Image:"+mountDir, "/Add-Driver", "/Driver:"+driversDir, "/Recurse")
	})
}

// ApplyUpdates mounts the scratch image, adds every update package under
// updatesDir, and commits.
func (d *DISM) ApplyUpdates(ctx context.Context, vhdxPath, updatesDir, mountDir string) error {
	return d.withMount(ctx, vhdxPath, mountDir, func() error {
		return d.run(ctx, "/Image:"+mountDir, "/Add-Package", "/PackagePath:"+updatesDir)
	})
}

// CaptureFFU captures the physical drive backing the serviced image into a
// sector-based FFU file.
func (d *DISM) CaptureFFU(ctx context.Context, sourceDrive, ffuPath, name string) error {
	return d.run(ctx,
		"/Capture-Ffu",
		"/ImageFile:"+ffuPath,
		"/CaptureDrive:"+sourceDrive,
		"/Name:"+name,
	)
}

// Dismount discards or commits a mounted image. Satisfies the cleanup
// registry's Dismounter so registered mounts can be undone.
func (d *DISM) Dismount(ctx context.Context, mountDir string, discard bool) error {
	mode := "/Commit"
	if discard {
		mode = "/Discard"
	}
	return d.run(ctx, "/Unmount-Image", "/MountDir:"+mountDir, mode)
}

// withMount mounts the image, registers the mountpoint for failure cleanup,
// runs fn, then commits the changes and unregisters. The cleanup entry is
// in place before the mount command returns control, so even a crash in fn
// leaves a registered undo.
func (d *DISM) withMount(ctx context.Context, vhdxPath, mountDir string, fn func() error) error {
	if err := utils.EnsureDirs(mountDir); err != nil {
		return err
	}
	cleanupID := d.registry.RegisterDISMMount(mountDir, d)

	if err := d.run(ctx, "/Mount-Image", "/ImageFile:"+vhdxPath, "/Index:1", "/MountDir:"+mountDir); err != nil {
		d.registry.Unregister(cleanupID)
		return err
	}
	if err := fn(); err != nil {
		// The registered entry dismounts with /Discard during cleanup.
		return err
	}
	if err := d.Dismount(ctx, mountDir, false); err != nil {
		return err
	}
	d.registry.Unregister(cleanupID)
	return nil
}

func (d *DISM) run(ctx context.Context, args ...string) error {
	log.WithFunc("servicing.run").Infof(ctx, "dism %s", strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, "dism", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("dism %s: %v: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
