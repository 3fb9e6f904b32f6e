package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/osforge/ffubuilder/phase"
)

func validCheckpoint() *Checkpoint {
	return &Checkpoint{
		Version:            Version,
		BuildID:            "b",
		Timestamp:          "2026-01-01T00:00:00.0000000Z",
		LastCompletedPhase: phase.VHDXCreation,
		PercentComplete:    35,
		Configuration:      map[string]any{},
		Artifacts:          map[string]bool{},
		Paths:              map[string]string{},
	}
}

func TestStructurallyValid(t *testing.T) {
	if !validCheckpoint().StructurallyValid() {
		t.Fatal("baseline checkpoint should be valid")
	}

	var nilCkpt *Checkpoint
	if nilCkpt.StructurallyValid() {
		t.Error("nil checkpoint reported valid")
	}

	mutations := map[string]func(*Checkpoint){
		"version":       func(c *Checkpoint) { c.Version = "2.0" },
		"buildId":       func(c *Checkpoint) { c.BuildID = "" },
		"timestamp":     func(c *Checkpoint) { c.Timestamp = "" },
		"phase":         func(c *Checkpoint) { c.LastCompletedPhase = "" },
		"configuration": func(c *Checkpoint) { c.Configuration = nil },
		"artifacts":     func(c *Checkpoint) { c.Artifacts = nil },
		"paths":         func(c *Checkpoint) { c.Paths = nil },
	}
	for name, mutate := range mutations {
		c := validCheckpoint()
		mutate(c)
		if c.StructurallyValid() {
			t.Errorf("checkpoint with broken %s reported valid", name)
		}
	}
}

func TestValidateArtifacts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	vhdx := filepath.Join(dir, "build.vhdx")
	if err := os.WriteFile(vhdx, []byte("vhdx"), 0o644); err != nil {
		t.Fatal(err)
	}
	drivers := filepath.Join(dir, "drivers")
	if err := os.MkdirAll(drivers, 0o750); err != nil {
		t.Fatal(err)
	}

	c := validCheckpoint()
	c.Artifacts = map[string]bool{"vhdxCreated": true, "driversDownloaded": true}
	c.Paths = map[string]string{"VHDXPath": vhdx, "DriversFolder": drivers}
	if !ValidateArtifacts(ctx, c) {
		t.Fatal("existing artifacts should validate")
	}

	// Claimed file gone.
	if err := os.Remove(vhdx); err != nil {
		t.Fatal(err)
	}
	if ValidateArtifacts(ctx, c) {
		t.Error("missing vhdx must fail validation")
	}

	// False flags are not checked.
	c.Artifacts["vhdxCreated"] = false
	if !ValidateArtifacts(ctx, c) {
		t.Error("false-flagged artifacts must not be checked")
	}

	// A file where a directory is expected fails the shape check.
	c.Artifacts = map[string]bool{"driversDownloaded": true}
	c.Paths = map[string]string{"DriversFolder": filepath.Join(dir, "not-a-dir")}
	if err := os.WriteFile(c.Paths["DriversFolder"], nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if ValidateArtifacts(ctx, c) {
		t.Error("file standing in for a folder artifact must fail validation")
	}
}

func TestValidateArtifactsEdgeCases(t *testing.T) {
	ctx := context.Background()

	if ValidateArtifacts(ctx, nil) {
		t.Error("nil checkpoint must not validate")
	}

	c := validCheckpoint()
	c.Artifacts = nil
	if ValidateArtifacts(ctx, c) {
		t.Error("absent artifacts map must not validate")
	}

	c = validCheckpoint()
	c.Paths = nil
	if ValidateArtifacts(ctx, c) {
		t.Error("absent paths map must not validate")
	}

	// Empty artifact set trivially validates.
	if !ValidateArtifacts(ctx, validCheckpoint()) {
		t.Error("empty artifact set should validate")
	}

	// Claimed artifact with no recorded path fails.
	c = validCheckpoint()
	c.Artifacts = map[string]bool{"appsIsoCreated": true}
	if ValidateArtifacts(ctx, c) {
		t.Error("claimed artifact without a path entry must fail")
	}
}

func TestIsResumable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewStore(dir)

	if store.IsResumable(ctx) {
		t.Error("no checkpoint must not be resumable")
	}

	vhdx := filepath.Join(dir, "build.vhdx")
	if err := os.WriteFile(vhdx, []byte("vhdx"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := store.Save(ctx, "b", phase.VHDXCreation,
		map[string]any{"isoPath": "/isos/win11.iso"},
		map[string]bool{"vhdxCreated": true},
		map[string]string{"VHDXPath": vhdx})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !store.IsResumable(ctx) {
		t.Error("valid checkpoint with existing artifact should be resumable")
	}

	if err := os.Remove(vhdx); err != nil {
		t.Fatal(err)
	}
	if store.IsResumable(ctx) {
		t.Error("checkpoint claiming a deleted artifact must not be resumable")
	}

	if IsResumableCheckpoint(ctx, nil) {
		t.Error("nil pre-loaded checkpoint must not be resumable")
	}
}
