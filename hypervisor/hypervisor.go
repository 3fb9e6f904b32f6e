package hypervisor

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a VM name does not exist.
var ErrNotFound = errors.New("VM not found")

// VMSpec describes the build VM to create. The core hands this to the
// backend and never looks inside the hypervisor again.
type VMSpec struct {
	Name        string
	CPU         int
	MemoryBytes int64
	VHDXPath    string
	SwitchName  string
	// AppsISOPath is attached as a DVD drive when non-empty.
	AppsISOPath string
}

// Hypervisor is the narrow VM collaborator boundary. The orchestration core
// only needs lifecycle verbs; how a backend implements them is opaque.
type Hypervisor interface {
	Type() string

	Create(ctx context.Context, spec VMSpec) error
	Start(ctx context.Context, name string) error
	// Stop requests a guest shutdown and waits up to timeout before forcing
	// power-off.
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Remove(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
	// IsRunning reports whether the VM is powered on. Callers poll this to
	// detect a guest-initiated shutdown.
	IsRunning(ctx context.Context, name string) (bool, error)
}

// StopAndRemove tears a VM down for failure cleanup: best-effort stop, then
// remove. Satisfies the cleanup registry's VMRemover with any backend.
type StopAndRemover struct {
	Hyper       Hypervisor
	StopTimeout time.Duration
}

// StopAndRemove stops (ignoring errors from an already-stopped VM) and
// removes the named VM.
func (s StopAndRemover) StopAndRemove(ctx context.Context, name string) error {
	ok, err := s.Hyper.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	_ = s.Hyper.Stop(ctx, name, s.StopTimeout)
	return s.Hyper.Remove(ctx, name)
}
