package cleanup

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/uuid"
)

// VMRemover is the slice of the hypervisor the VM registrant needs: stop a
// VM if running and remove its definition.
type VMRemover interface {
	StopAndRemove(ctx context.Context, vmID string) error
}

// Dismounter is the slice of the imaging subsystem the DISM registrant
// needs.
type Dismounter interface {
	Dismount(ctx context.Context, mountPath string, discard bool) error
}

// RegisterVM records an undo for a created VM: stop it if running, then
// remove it.
func (r *Registry) RegisterVM(vmID string, remover VMRemover) uuid.UUID {
	return r.Register(fmt.Sprintf("remove VM %s", vmID), KindVM, vmID, func(ctx context.Context) error {
		return remover.StopAndRemove(ctx, vmID)
	})
}

// RegisterVHDX records an undo for a created virtual disk file.
func (r *Registry) RegisterVHDX(path string) uuid.UUID {
	return r.Register(fmt.Sprintf("delete VHDX %s", path), KindVHDX, path, removeFileAction(path))
}

// RegisterDISMMount records an undo for a mounted Windows image. The
// dismount discards pending changes; if it fails, a dism mountpoint cleanup
// is attempted as a fallback before reporting the failure.
func (r *Registry) RegisterDISMMount(mountPath string, d Dismounter) uuid.UUID {
	return r.Register(fmt.Sprintf("dismount image at %s", mountPath), KindDISM, mountPath, func(ctx context.Context) error {
		err := d.Dismount(ctx, mountPath, true)
		if err == nil {
			return nil
		}
		if fallbackErr := dismCleanupMountpoints(ctx); fallbackErr != nil {
			return fmt.Errorf("dismount %s: %w (mountpoint cleanup also failed: %v)", mountPath, err, fallbackErr)
		}
		return nil
	})
}

// RegisterISO records an undo for a generated ISO file.
func (r *Registry) RegisterISO(path string) uuid.UUID {
	return r.Register(fmt.Sprintf("delete ISO %s", path), KindISO, path, removeFileAction(path))
}

// RegisterTempFile records an undo for a temporary file.
func (r *Registry) RegisterTempFile(path string) uuid.UUID {
	return r.Register(fmt.Sprintf("delete temp file %s", path), KindTempFile, path, removeFileAction(path))
}

// RegisterTempDir records an undo for a temporary directory tree.
func (r *Registry) RegisterTempDir(path string) uuid.UUID {
	return r.Register(fmt.Sprintf("delete temp dir %s", path), KindTempFile, path, func(_ context.Context) error {
		return os.RemoveAll(path)
	})
}

// RegisterShare records an undo for a created network share.
func (r *Registry) RegisterShare(shareName string, remove Action) uuid.UUID {
	return r.Register(fmt.Sprintf("remove share %s", shareName), KindShare, shareName, remove)
}

// RegisterUser records an undo for a created local user account.
func (r *Registry) RegisterUser(userName string, remove Action) uuid.UUID {
	return r.Register(fmt.Sprintf("remove user %s", userName), KindUser, userName, remove)
}

func removeFileAction(path string) Action {
	return func(_ context.Context) error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
}

// dismCleanupMountpoints invokes dism's global mountpoint cleanup. Last
// resort when a targeted dismount failed.
func dismCleanupMountpoints(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "dism", "/Cleanup-Mountpoints")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("dism /Cleanup-Mountpoints: %v: %s", err, out)
	}
	return nil
}
