package builder

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/osforge/ffubuilder/download"
	"github.com/osforge/ffubuilder/hypervisor"
	"github.com/osforge/ffubuilder/media"
	"github.com/osforge/ffubuilder/phase"
	"github.com/osforge/ffubuilder/progress"
	"github.com/osforge/ffubuilder/storage"
	"github.com/osforge/ffubuilder/utils"
)

// guestPollInterval is how often the app installation phase re-checks
// whether the guest has powered itself off.
const guestPollInterval = 10 * time.Second

// guestTimeout bounds the unattended in-guest installation run.
const guestTimeout = 4 * time.Hour

// preflightTimeout bounds a single payload URL reachability probe.
const preflightTimeout = 30 * time.Second

// Servicer is the offline image servicing collaborator.
type Servicer interface {
	InjectDrivers(ctx context.Context, vhdxPath, driversDir, mountDir string) error
	ApplyUpdates(ctx context.Context, vhdxPath, updatesDir, mountDir string) error
}

// Capturer produces the final FFU image from the serviced scratch disk.
type Capturer interface {
	CaptureFFU(ctx context.Context, sourceDrive, ffuPath, name string) error
}

// Deps bundles the collaborators the default pipeline steps drive. The
// orchestrator itself never touches these; each step pulls what it needs.
type Deps struct {
	Hyper      hypervisor.Hypervisor
	Downloader *download.Downloader
	Servicer   Servicer
	Capturer   Capturer
	VMIndex    storage.Store[hypervisor.VMIndex]
	// Downloads receives per-payload download progress events. Optional.
	Downloads progress.Tracker
}

// DefaultSteps returns the full FFU pipeline, one Step per working phase
// between NotStarted and Completed.
func DefaultSteps(deps Deps) []Step {
	if deps.Downloads == nil {
		deps.Downloads = progress.Nop
	}
	return []Step{
		{Phase: phase.PreflightValidation, Run: deps.preflight},
		{Phase: phase.DriverDownload, Run: deps.downloadDrivers},
		{Phase: phase.UpdatesDownload, Run: deps.downloadUpdates},
		{Phase: phase.AppsPreparation, Run: deps.prepareApps},
		{Phase: phase.VHDXCreation, Run: deps.createVHDX},
		{Phase: phase.WindowsUpdates, Run: deps.serviceImage},
		{Phase: phase.VMSetup, Run: deps.setupVM},
		{Phase: phase.VMStart, Run: deps.startVM},
		{Phase: phase.AppInstallation, Run: deps.awaitGuest},
		{Phase: phase.VMShutdown, Run: deps.shutdownVM},
		{Phase: phase.FFUCapture, Run: deps.captureFFU},
		{Phase: phase.DeploymentMedia, Run: deps.deploymentMedia},
		{Phase: phase.USBCreation, Run: deps.usbCreation},
		{Phase: phase.Cleanup, Run: deps.cleanupScratch},
	}
}

// preflight fails fast before anything is created: the installation ISO
// must exist and every payload URL must answer a HEAD request. The probes
// run concurrently and the first failure wins.
func (d Deps) preflight(ctx context.Context, o *Orchestrator) error {
	conf := o.Config()
	if !utils.ValidFile(conf.ISOPath) {
		return fmt.Errorf("installation ISO %s does not exist or is empty", conf.ISOPath)
	}

	urls := make([]string, 0, len(conf.DriverURLs)+len(conf.UpdateURLs))
	urls = append(urls, conf.DriverURLs...)
	urls = append(urls, conf.UpdateURLs...)

	eg, egCtx := errgroup.WithContext(ctx)
	for _, rawURL := range urls {
		eg.Go(func() error {
			probeCtx, cancel := context.WithTimeout(egCtx, preflightTimeout)
			defer cancel()
			req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, rawURL, nil)
			if err != nil {
				return fmt.Errorf("payload URL %s: %w", rawURL, err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("payload URL %s unreachable: %w", rawURL, err)
			}
			defer resp.Body.Close() //nolint:errcheck
			if resp.StatusCode >= http.StatusBadRequest {
				return fmt.Errorf("payload URL %s answered %s", rawURL, resp.Status)
			}
			return nil
		})
	}
	return eg.Wait()
}

func (d Deps) downloadDrivers(ctx context.Context, o *Orchestrator) error {
	conf := o.Config()
	if len(conf.DriverURLs) == 0 {
		log.WithFunc("builder.downloadDrivers").Infof(ctx, "no driver URLs configured, nothing to fetch")
		return nil
	}
	if err := d.Downloader.FetchAll(ctx, conf.DriverURLs, conf.DriversDir(), d.Downloads); err != nil {
		return err
	}
	o.MarkArtifact("driversDownloaded", "DriversFolder", conf.DriversDir())
	return nil
}

func (d Deps) downloadUpdates(ctx context.Context, o *Orchestrator) error {
	conf := o.Config()
	if len(conf.UpdateURLs) == 0 {
		log.WithFunc("builder.downloadUpdates").Infof(ctx, "no update URLs configured, nothing to fetch")
		return nil
	}
	if err := d.Downloader.FetchAll(ctx, conf.UpdateURLs, conf.UpdatesDir(), d.Downloads); err != nil {
		return err
	}
	o.MarkArtifact("updatesDownloaded", "UpdatesFolder", conf.UpdatesDir())
	return nil
}

// prepareApps packs the configured installer directory into an ISO the
// build VM mounts as a DVD drive. No apps directory means no apps ISO.
func (d Deps) prepareApps(ctx context.Context, o *Orchestrator) error {
	conf := o.Config()
	if conf.AppsDir == "" {
		log.WithFunc("builder.prepareApps").Infof(ctx, "no apps directory configured, skipping apps ISO")
		return nil
	}
	if !utils.DirExists(conf.AppsDir) {
		return fmt.Errorf("apps directory %s does not exist", conf.AppsDir)
	}
	if err := media.CreateISO(conf.AppsDir, conf.AppsISOPath(), "FFUAPPS"); err != nil {
		return err
	}
	o.Registry().RegisterISO(conf.AppsISOPath())
	o.MarkArtifact("appsIsoCreated", "AppsISO", conf.AppsISOPath())
	return nil
}

func (d Deps) createVHDX(ctx context.Context, o *Orchestrator) error {
	conf := o.Config()
	size, err := conf.VHDXBytes()
	if err != nil {
		return err
	}
	// A leftover scratch disk from a discarded run blocks creation; a
	// resumed run never reaches this step.
	if utils.FileExists(conf.VHDXPath()) {
		if err := os.Remove(conf.VHDXPath()); err != nil {
			return fmt.Errorf("remove stale scratch disk: %w", err)
		}
	}
	if err := media.CreateVHDX(conf.VHDXPath(), size); err != nil {
		return err
	}
	o.Registry().RegisterVHDX(conf.VHDXPath())
	o.MarkArtifact("vhdxCreated", "VHDXPath", conf.VHDXPath())
	return nil
}

// serviceImage injects downloaded drivers and update packages into the
// scratch disk offline, before the VM ever boots.
func (d Deps) serviceImage(ctx context.Context, o *Orchestrator) error {
	conf := o.Config()
	if utils.DirExists(conf.DriversDir()) {
		if err := d.Servicer.InjectDrivers(ctx, conf.VHDXPath(), conf.DriversDir(), conf.MountDir()); err != nil {
			return fmt.Errorf("inject drivers: %w", err)
		}
	}
	if utils.DirExists(conf.UpdatesDir()) {
		if err := d.Servicer.ApplyUpdates(ctx, conf.VHDXPath(), conf.UpdatesDir(), conf.MountDir()); err != nil {
			return fmt.Errorf("apply updates: %w", err)
		}
	}
	return nil
}

func (d Deps) setupVM(ctx context.Context, o *Orchestrator) error {
	conf := o.Config()
	name := d.vmName(o)

	memory, err := conf.VM.MemoryBytes()
	if err != nil {
		return err
	}
	spec := hypervisor.VMSpec{
		Name:        name,
		CPU:         conf.VM.CPU,
		MemoryBytes: memory,
		VHDXPath:    conf.VHDXPath(),
		SwitchName:  conf.VM.SwitchName,
	}
	if utils.FileExists(conf.AppsISOPath()) {
		spec.AppsISOPath = conf.AppsISOPath()
	}
	if err := d.Hyper.Create(ctx, spec); err != nil {
		return err
	}
	if err := hypervisor.RecordVM(ctx, d.VMIndex, &hypervisor.VMRecord{
		Name:      name,
		BuildID:   o.BuildID(),
		VHDXPath:  conf.VHDXPath(),
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	o.Registry().RegisterVM(name, hypervisor.StopAndRemover{
		Hyper:       d.Hyper,
		StopTimeout: d.stopTimeout(o),
	})
	return nil
}

func (d Deps) startVM(ctx context.Context, o *Orchestrator) error {
	return d.Hyper.Start(ctx, d.vmName(o))
}

// awaitGuest waits for the unattended installation inside the guest to
// finish. The guest signals completion by powering itself off.
func (d Deps) awaitGuest(ctx context.Context, o *Orchestrator) error {
	name := d.vmName(o)
	logger := log.WithFunc("builder.awaitGuest")
	logger.Infof(ctx, "waiting for guest %s to finish installation and power off", name)

	return utils.WaitFor(ctx, guestTimeout, guestPollInterval, func() (bool, error) {
		running, err := d.Hyper.IsRunning(ctx, name)
		if err != nil {
			return false, err
		}
		return !running, nil
	})
}

// shutdownVM is a safety net: the guest normally powers itself off during
// the previous phase, and stopping a stopped VM is a no-op.
func (d Deps) shutdownVM(ctx context.Context, o *Orchestrator) error {
	name := d.vmName(o)
	running, err := d.Hyper.IsRunning(ctx, name)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}
	return d.Hyper.Stop(ctx, name, d.stopTimeout(o))
}

func (d Deps) captureFFU(ctx context.Context, o *Orchestrator) error {
	conf := o.Config()
	if err := d.Capturer.CaptureFFU(ctx, conf.VHDXPath(), conf.FFUPath(), "ffubuilder"); err != nil {
		return err
	}
	o.MarkArtifact("ffuCaptured", "FFUFile", conf.FFUPath())
	return nil
}

// deploymentMedia stages the captured FFU alongside its drivers and wraps
// the staging directory in a bootable deployment ISO.
func (d Deps) deploymentMedia(ctx context.Context, o *Orchestrator) error {
	conf := o.Config()
	if err := media.StageDeployment(conf.DeployDir(), conf.FFUPath(), conf.DriversDir()); err != nil {
		return err
	}
	return media.CreateISO(conf.DeployDir(), conf.DeployISOPath(), "FFUDEPLOY")
}

func (d Deps) usbCreation(ctx context.Context, o *Orchestrator) error {
	conf := o.Config()
	if conf.USBTarget == "" {
		log.WithFunc("builder.usbCreation").Infof(ctx, "no USB target configured, skipping")
		return nil
	}
	return media.WriteUSBLayout(conf.DeployDir(), conf.USBTarget)
}

// cleanupScratch removes the per-build intermediates that completed builds
// no longer need: the build VM, its index record, the scratch disk, the
// apps ISO, and stale in-flight downloads. The captured FFU and deployment
// media stay.
func (d Deps) cleanupScratch(ctx context.Context, o *Orchestrator) error {
	conf := o.Config()
	logger := log.WithFunc("builder.cleanupScratch")
	name := d.vmName(o)

	remover := hypervisor.StopAndRemover{Hyper: d.Hyper, StopTimeout: d.stopTimeout(o)}
	if err := remover.StopAndRemove(ctx, name); err != nil {
		return fmt.Errorf("remove build VM %s: %w", name, err)
	}
	if err := hypervisor.ForgetVM(ctx, d.VMIndex, name); err != nil {
		return err
	}
	for _, path := range []string{conf.VHDXPath(), conf.AppsISOPath()} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	for _, removed := range utils.RemoveStaleTemp(conf.TempDir(), download.TempPrefix) {
		logger.Infof(ctx, "removed stale temp file %s", removed)
	}
	// These intermediates are gone now; a later resume must not look for
	// them on disk.
	o.UnmarkArtifact("vhdxCreated", "VHDXPath")
	o.UnmarkArtifact("appsIsoCreated", "AppsISO")
	return nil
}

// vmName derives a stable per-build VM name unless one is configured.
func (d Deps) vmName(o *Orchestrator) string {
	if o.Config().VM.Name != "" {
		return o.Config().VM.Name
	}
	id := o.BuildID()
	if len(id) > 8 {
		id = id[:8]
	}
	return "ffubuilder-" + id
}

func (d Deps) stopTimeout(o *Orchestrator) time.Duration {
	return time.Duration(o.Config().StopTimeoutSeconds) * time.Second
}
