package hyperv

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/osforge/ffubuilder/hypervisor"
)

const typ = "hyperv"

// pollInterval is how often Stop re-checks VM state after requesting a
// guest shutdown.
const pollInterval = 2 * time.Second

// compile-time interface check.
var _ hypervisor.Hypervisor = (*HyperV)(nil)

// HyperV drives the Hyper-V cmdlets through PowerShell. Generation-2 VMs
// only; the scratch VHDX is always the first boot device.
type HyperV struct {
	// Shell is the PowerShell binary, "powershell.exe" by default.
	Shell string
}

// New creates the Hyper-V backend.
func New() *HyperV {
	return &HyperV{Shell: "powershell.exe"}
}

func (h *HyperV) Type() string { return typ }

func (h *HyperV) Create(ctx context.Context, spec hypervisor.VMSpec) error {
	args := []string{
		"New-VM", "-Name", quote(spec.Name),
		"-MemoryStartupBytes", strconv.FormatInt(spec.MemoryBytes, 10),
		"-VHDPath", quote(spec.VHDXPath),
		"-Generation", "2",
	}
	if spec.SwitchName != "" {
		args = append(args, "-SwitchName", quote(spec.SwitchName))
	}
	if err := h.run(ctx, strings.Join(args, " ")); err != nil {
		return fmt.Errorf("create VM %s: %w", spec.Name, err)
	}
	if spec.CPU > 0 {
		if err := h.run(ctx, fmt.Sprintf("Set-VMProcessor -VMName %s -Count %d", quote(spec.Name), spec.CPU)); err != nil {
			return fmt.Errorf("set VM processors: %w", err)
		}
	}
	if spec.AppsISOPath != "" {
		if err := h.run(ctx, fmt.Sprintf("Add-VMDvdDrive -VMName %s -Path %s", quote(spec.Name), quote(spec.AppsISOPath))); err != nil {
			return fmt.Errorf("attach apps ISO: %w", err)
		}
	}
	return nil
}

func (h *HyperV) Start(ctx context.Context, name string) error {
	if err := h.run(ctx, "Start-VM -Name "+quote(name)); err != nil {
		return fmt.Errorf("start VM %s: %w", name, err)
	}
	return nil
}

// Stop asks the guest to shut down and polls until it reports Off. When the
// timeout fires the VM is turned off hard.
func (h *HyperV) Stop(ctx context.Context, name string, timeout time.Duration) error {
	logger := log.WithFunc("hyperv.Stop")

	if err := h.run(ctx, "Stop-VM -Name "+quote(name)+" -Force"); err != nil {
		logger.Warnf(ctx, "graceful stop of %s failed: %v — turning off", name, err)
		return h.turnOff(ctx, name)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		state, err := h.state(ctx, name)
		if err != nil {
			return err
		}
		if state == "Off" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	logger.Warnf(ctx, "VM %s did not shut down within %s — turning off", name, timeout)
	return h.turnOff(ctx, name)
}

func (h *HyperV) Remove(ctx context.Context, name string) error {
	if err := h.run(ctx, "Remove-VM -Name "+quote(name)+" -Force"); err != nil {
		return fmt.Errorf("remove VM %s: %w", name, err)
	}
	return nil
}

func (h *HyperV) Exists(ctx context.Context, name string) (bool, error) {
	out, err := h.output(ctx, "(Get-VM -Name "+quote(name)+" -ErrorAction SilentlyContinue) -ne $null")
	if err != nil {
		return false, fmt.Errorf("query VM %s: %w", name, err)
	}
	return strings.EqualFold(strings.TrimSpace(out), "true"), nil
}

func (h *HyperV) IsRunning(ctx context.Context, name string) (bool, error) {
	state, err := h.state(ctx, name)
	if err != nil {
		return false, err
	}
	return !strings.EqualFold(state, "Off"), nil
}

func (h *HyperV) turnOff(ctx context.Context, name string) error {
	if err := h.run(ctx, "Stop-VM -Name "+quote(name)+" -TurnOff -Force"); err != nil {
		return fmt.Errorf("turn off VM %s: %w", name, err)
	}
	return nil
}

func (h *HyperV) state(ctx context.Context, name string) (string, error) {
	out, err := h.output(ctx, "(Get-VM -Name "+quote(name)+").State")
	if err != nil {
		return "", fmt.Errorf("query VM %s state: %w", name, err)
	}
	return strings.TrimSpace(out), nil
}

func (h *HyperV) run(ctx context.Context, script string) error {
	_, err := h.output(ctx, script)
	return err
}

func (h *HyperV) output(ctx context.Context, script string) (string, error) {
	shell := h.Shell
	if shell == "" {
		shell = "powershell.exe"
	}
	cmd := exec.CommandContext(ctx, shell, "-NoProfile", "-NonInteractive", "-Command", script)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%v: %s", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// quote wraps a value in single quotes for PowerShell, escaping embedded
// quotes.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
