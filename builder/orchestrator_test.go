package builder

import (
	"context"
	"errors"
	"testing"

	"github.com/osforge/ffubuilder/checkpoint"
	"github.com/osforge/ffubuilder/cleanup"
	"github.com/osforge/ffubuilder/config"
	"github.com/osforge/ffubuilder/lock/flock"
	"github.com/osforge/ffubuilder/phase"
	"github.com/osforge/ffubuilder/utils"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	conf := config.DefaultConfig()
	conf.BuildDir = t.TempDir()
	return conf
}

// newTestOrchestrator swaps the shared default registry for a private one so
// tests cannot contaminate each other through package state.
func newTestOrchestrator(conf *config.Config, bctx *Context, steps []Step) (*Orchestrator, *cleanup.Registry) {
	o := New(conf, bctx, nil, steps)
	registry := cleanup.New()
	o.registry = registry
	return o, registry
}

func recordingStep(p phase.Phase, ran *[]phase.Phase) Step {
	return Step{Phase: p, Run: func(context.Context, *Orchestrator) error {
		*ran = append(*ran, p)
		return nil
	}}
}

func TestRunCompletes(t *testing.T) {
	ctx := context.Background()
	conf := testConfig(t)
	bctx := NewContext(nil)

	var ran []phase.Phase
	o, _ := newTestOrchestrator(conf, bctx, []Step{
		recordingStep(phase.DriverDownload, &ran),
		recordingStep(phase.UpdatesDownload, &ran),
	})

	if err := o.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(ran) != 2 {
		t.Fatalf("ran %d steps, want 2", len(ran))
	}
	if got := bctx.State(); got != StateCompleted {
		t.Fatalf("state is %s, want %s", got, StateCompleted)
	}
	store := checkpoint.NewStore(conf.BuildDir)
	if utils.FileExists(store.File()) {
		t.Fatal("checkpoint should be removed after a completed build")
	}
	if o.BuildID() == "" {
		t.Fatal("fresh build got no build id")
	}
}

func TestRunResumeSkipsCompletedPhases(t *testing.T) {
	ctx := context.Background()
	conf := testConfig(t)

	store := checkpoint.NewStore(conf.BuildDir)
	if err := utils.EnsureDirs(store.Dir()); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, "build-1", phase.DriverDownload, map[string]any{"k": "v"}, nil, nil); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	var ran []phase.Phase
	o, _ := newTestOrchestrator(conf, nil, []Step{
		recordingStep(phase.DriverDownload, &ran),
		recordingStep(phase.UpdatesDownload, &ran),
	})

	if err := o.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(ran) != 1 || ran[0] != phase.UpdatesDownload {
		t.Fatalf("ran %v, want only %s", ran, phase.UpdatesDownload)
	}
	if o.BuildID() != "build-1" {
		t.Fatalf("resumed build id is %q, want build-1", o.BuildID())
	}
}

func TestRunDiscardsCheckpointWithMissingArtifacts(t *testing.T) {
	ctx := context.Background()
	conf := testConfig(t)

	store := checkpoint.NewStore(conf.BuildDir)
	if err := utils.EnsureDirs(store.Dir()); err != nil {
		t.Fatal(err)
	}
	err := store.Save(ctx, "build-1", phase.VHDXCreation, map[string]any{},
		map[string]bool{"vhdxCreated": true},
		map[string]string{"VHDXPath": conf.VHDXPath()})
	if err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	var ran []phase.Phase
	o, _ := newTestOrchestrator(conf, nil, []Step{
		recordingStep(phase.DriverDownload, &ran),
	})

	if err := o.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(ran) != 1 {
		t.Fatalf("phantom artifacts must force a fresh build, ran %v", ran)
	}
	if o.BuildID() == "build-1" {
		t.Fatal("discarded checkpoint must not donate its build id")
	}
}

func TestRunFailureDrainsCleanup(t *testing.T) {
	ctx := context.Background()
	conf := testConfig(t)
	bctx := NewContext(nil)

	stepErr := errors.New("dism exploded")
	cleaned := false
	o, registry := newTestOrchestrator(conf, bctx, nil)
	o.steps = []Step{
		{Phase: phase.VHDXCreation, Run: func(_ context.Context, o *Orchestrator) error {
			o.Registry().Register("undo", cleanup.KindVHDX, "scratch", func(context.Context) error {
				cleaned = true
				return nil
			})
			return nil
		}},
		{Phase: phase.WindowsUpdates, Run: func(context.Context, *Orchestrator) error {
			return stepErr
		}},
	}

	if err := o.Run(ctx); !errors.Is(err, stepErr) {
		t.Fatalf("Run returned %v, want the step's own error", err)
	}
	if !cleaned {
		t.Fatal("cleanup registered by an earlier phase did not run on failure")
	}
	if registry.Len() != 0 {
		t.Fatalf("%d cleanup entries left after a drain", registry.Len())
	}
	if got := bctx.State(); got != StateFailed {
		t.Fatalf("state is %s, want %s", got, StateFailed)
	}
	// The checkpoint of the last successful phase survives for resume.
	ckpt, err := checkpoint.NewStore(conf.BuildDir).Load(ctx)
	if err != nil || ckpt == nil {
		t.Fatalf("checkpoint after failure: %v, %v", ckpt, err)
	}
	if ckpt.LastCompletedPhase != phase.VHDXCreation {
		t.Fatalf("checkpointed phase is %s, want %s", ckpt.LastCompletedPhase, phase.VHDXCreation)
	}
}

func TestRunCancelledBeforePhase(t *testing.T) {
	ctx := context.Background()
	conf := testConfig(t)
	bctx := NewContext(nil)
	bctx.RequestCancel()

	var ran []phase.Phase
	o, _ := newTestOrchestrator(conf, bctx, []Step{
		recordingStep(phase.DriverDownload, &ran),
	})

	if err := o.Run(ctx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Run returned %v, want ErrCancelled", err)
	}
	if len(ran) != 0 {
		t.Fatalf("cancelled build still ran %v", ran)
	}
	if got := bctx.State(); got != StateCancelled {
		t.Fatalf("state is %s, want %s", got, StateCancelled)
	}
}

func TestRunLockBusy(t *testing.T) {
	ctx := context.Background()
	conf := testConfig(t)
	if err := utils.EnsureDirs(conf.StateDir()); err != nil {
		t.Fatal(err)
	}

	holder := flock.New(conf.BuildLock())
	ok, err := holder.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("pre-acquire build lock: %v, %v", ok, err)
	}
	defer holder.Unlock(ctx) //nolint:errcheck

	o, _ := newTestOrchestrator(conf, nil, nil)
	if err := o.Run(ctx); !errors.Is(err, ErrBuildLocked) {
		t.Fatalf("Run returned %v, want ErrBuildLocked", err)
	}
}

func TestMarkAndUnmarkArtifact(t *testing.T) {
	conf := testConfig(t)
	o, _ := newTestOrchestrator(conf, nil, nil)

	o.MarkArtifact("vhdxCreated", "VHDXPath", conf.VHDXPath())
	if !o.artifacts["vhdxCreated"] || o.paths["VHDXPath"] != conf.VHDXPath() {
		t.Fatal("MarkArtifact did not record flag and path")
	}
	o.UnmarkArtifact("vhdxCreated", "VHDXPath")
	if _, ok := o.artifacts["vhdxCreated"]; ok {
		t.Fatal("UnmarkArtifact left the flag behind")
	}
	if _, ok := o.paths["VHDXPath"]; ok {
		t.Fatal("UnmarkArtifact left the path behind")
	}
}
