package builder

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/osforge/ffubuilder/checkpoint"
	"github.com/osforge/ffubuilder/cleanup"
	"github.com/osforge/ffubuilder/config"
	"github.com/osforge/ffubuilder/lock"
	"github.com/osforge/ffubuilder/lock/flock"
	"github.com/osforge/ffubuilder/phase"
	"github.com/osforge/ffubuilder/progress"
	buildProgress "github.com/osforge/ffubuilder/progress/build"
	"github.com/osforge/ffubuilder/utils"
)

// ErrCancelled is returned by Run when the user cancelled the build. It is
// a state transition, not a failure; callers report it as a warning.
var ErrCancelled = errors.New("build cancelled by user")

// ErrBuildLocked is returned when another build holds the build directory.
var ErrBuildLocked = errors.New("another build is already running in this directory")

// Step is one working phase of the pipeline. Run mutates the orchestrator's
// artifact inventory through MarkArtifact as it creates things.
type Step struct {
	Phase phase.Phase
	Run   func(ctx context.Context, o *Orchestrator) error
}

// Orchestrator advances the build phase by phase: after each phase it
// checks cancellation, writes a checkpoint, and lets collaborators
// register or unregister cleanup actions. On failure it drains the cleanup
// registry once, then propagates the original error.
type Orchestrator struct {
	conf     *config.Config
	store    *checkpoint.Store
	registry *cleanup.Registry
	bctx     *Context
	tracker  progress.Tracker
	lock     lock.Locker
	steps    []Step

	buildID       string
	configuration map[string]any
	artifacts     map[string]bool
	paths         map[string]string
}

// New creates an Orchestrator for the given config and steps. A nil build
// context disables cancellation; a nil tracker disables progress events.
func New(conf *config.Config, bctx *Context, tracker progress.Tracker, steps []Step) *Orchestrator {
	if tracker == nil {
		tracker = progress.Nop
	}
	return &Orchestrator{
		conf:          conf,
		store:         checkpoint.NewStore(conf.BuildDir),
		registry:      cleanup.Default,
		bctx:          bctx,
		tracker:       tracker,
		lock:          flock.New(conf.BuildLock()),
		steps:         steps,
		configuration: map[string]any{},
		artifacts:     map[string]bool{},
		paths:         map[string]string{},
	}
}

// Config returns the build configuration.
func (o *Orchestrator) Config() *config.Config { return o.conf }

// Registry returns the cleanup registry steps register undo actions with.
func (o *Orchestrator) Registry() *cleanup.Registry { return o.registry }

// BuildID returns the id of the running (or resumed) build.
func (o *Orchestrator) BuildID() string { return o.buildID }

// MarkArtifact records that an artifact now exists and where, for the next
// checkpoint and for artifact validation on a future resume.
func (o *Orchestrator) MarkArtifact(flag, pathKey, path string) {
	o.artifacts[flag] = true
	if pathKey != "" {
		o.paths[pathKey] = path
	}
}

// UnmarkArtifact withdraws an artifact that a later phase deliberately
// removed, so resume validation stops expecting it on disk.
func (o *Orchestrator) UnmarkArtifact(flag, pathKey string) {
	delete(o.artifacts, flag)
	if pathKey != "" {
		delete(o.paths, pathKey)
	}
}

// Run drives the pipeline to completion or first failure. On restart it
// loads the checkpoint, validates it structurally and against disk state,
// and skips every phase at or before the checkpointed one.
func (o *Orchestrator) Run(ctx context.Context) error {
	logger := log.WithFunc("builder.Run")

	if err := utils.EnsureDirs(o.store.Dir()); err != nil {
		return err
	}
	ok, err := o.lock.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("acquire build lock: %w", err)
	}
	if !ok {
		return ErrBuildLocked
	}
	defer o.lock.Unlock(ctx) //nolint:errcheck

	ckpt, err := o.resolveResume(ctx)
	if err != nil {
		return err
	}
	o.registry.Clear()

	for _, step := range o.steps {
		if ckpt != nil && phase.IsAtOrBefore(step.Phase, ckpt.LastCompletedPhase) {
			logger.Infof(ctx, "phase %s already completed, skipping", step.Phase)
			o.tracker.OnEvent(buildProgress.Event{Phase: buildProgress.PhaseSkip, Name: string(step.Phase), Percent: phase.PercentOf(step.Phase)})
			continue
		}

		if checkCancellation(ctx, o.bctx, step.Phase, true, o.registry) {
			return ErrCancelled
		}

		o.tracker.OnEvent(buildProgress.Event{Phase: buildProgress.PhaseStart, Name: string(step.Phase), Percent: phase.PercentOf(step.Phase)})
		logger.Infof(ctx, "phase %s starting", step.Phase)

		if err := step.Run(ctx, o); err != nil {
			if o.bctx != nil {
				o.bctx.SetState(StateFailed)
			}
			// Drain the registry once, then propagate the original error:
			// cleanup must not mask the root cause.
			o.registry.Invoke(ctx, fmt.Sprintf("Build failed at %s: %v", step.Phase, err), cleanup.KindAll)
			return err
		}

		if err := o.store.Save(ctx, o.buildID, step.Phase, o.configuration, o.artifacts, o.paths); err != nil {
			o.registry.Invoke(ctx, fmt.Sprintf("Checkpoint write failed after %s: %v", step.Phase, err), cleanup.KindAll)
			return err
		}
		o.tracker.OnEvent(buildProgress.Event{Phase: buildProgress.PhaseDone, Name: string(step.Phase), Percent: phase.PercentOf(step.Phase)})
	}

	if o.bctx != nil {
		o.bctx.SetState(StateCompleted)
	}
	if err := o.store.Remove(ctx); err != nil {
		logger.Warnf(ctx, "could not remove checkpoint after completion: %v", err)
	}
	o.registry.Clear()
	o.tracker.OnEvent(buildProgress.Event{Phase: buildProgress.PhaseFinish, Name: string(phase.Completed), Percent: 100})
	logger.Infof(ctx, "build %s completed", o.buildID)
	return nil
}

// resolveResume loads and vets the stored checkpoint. An unusable
// checkpoint is reported with its reason and discarded; the build then
// starts fresh. A usable one restores the build id and artifact inventory.
func (o *Orchestrator) resolveResume(ctx context.Context) (*checkpoint.Checkpoint, error) {
	logger := log.WithFunc("builder.resolveResume")

	ckpt, err := o.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if ckpt == nil {
		o.startFresh()
		return nil, nil
	}
	if !ckpt.StructurallyValid() {
		logger.Warnf(ctx, "checkpoint is incomplete or from an unsupported version, starting fresh")
		o.discardCheckpoint(ctx)
		return nil, nil
	}
	if !checkpoint.ValidateArtifacts(ctx, ckpt) {
		logger.Warnf(ctx, "checkpoint claims artifacts that are no longer on disk, starting fresh")
		o.discardCheckpoint(ctx)
		return nil, nil
	}

	o.buildID = ckpt.BuildID
	o.configuration = ckpt.Configuration
	o.artifacts = ckpt.Artifacts
	o.paths = ckpt.Paths
	logger.Infof(ctx, "resuming build %s from phase %s (%d%%)", ckpt.BuildID, ckpt.LastCompletedPhase, ckpt.PercentComplete)
	return ckpt, nil
}

func (o *Orchestrator) startFresh() {
	o.buildID = uuid.NewString()
	o.configuration = map[string]any{
		"isoPath":  o.conf.ISOPath,
		"vhdxSize": o.conf.VHDXSize,
		"vm": map[string]any{
			"name":   o.conf.VM.Name,
			"cpu":    o.conf.VM.CPU,
			"memory": o.conf.VM.Memory,
		},
	}
	o.artifacts = map[string]bool{}
	o.paths = map[string]string{}
}

func (o *Orchestrator) discardCheckpoint(ctx context.Context) {
	if err := o.store.Remove(ctx); err != nil {
		log.WithFunc("builder.resolveResume").Warnf(ctx, "could not discard stale checkpoint: %v", err)
	}
	o.startFresh()
}
