package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/osforge/ffubuilder/phase"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(t.TempDir())

	configuration := map[string]any{
		"isoPath":   "/isos/win11.iso",
		"vmMemory":  "8G",
		"features":  []any{"updates", "drivers"},
		"installer": map[string]any{"office": true, "apps": []any{"vlc", "7zip"}},
	}
	artifacts := map[string]bool{"vhdxCreated": true, "driversDownloaded": false}
	paths := map[string]string{"VHDXPath": "/builds/win11.vhdx"}

	if err := store.Save(ctx, "build-42", phase.VHDXCreation, configuration, artifacts, paths); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ckpt, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ckpt == nil {
		t.Fatal("Load returned nil for a freshly saved checkpoint")
	}
	if ckpt.Version != Version {
		t.Errorf("version = %q, want %q", ckpt.Version, Version)
	}
	if ckpt.BuildID != "build-42" {
		t.Errorf("buildId = %q, want build-42", ckpt.BuildID)
	}
	if ckpt.LastCompletedPhase != phase.VHDXCreation {
		t.Errorf("lastCompletedPhase = %q, want VHDXCreation", ckpt.LastCompletedPhase)
	}
	if ckpt.PercentComplete != 35 {
		t.Errorf("percentComplete = %d, want 35", ckpt.PercentComplete)
	}
	wantConfig := map[string]any{
		"isoPath":   "/isos/win11.iso",
		"vmMemory":  "8G",
		"features":  []any{"updates", "drivers"},
		"installer": map[string]any{"office": true, "apps": []any{"vlc", "7zip"}},
	}
	if !reflect.DeepEqual(ckpt.Configuration, wantConfig) {
		t.Errorf("configuration shape not preserved:\ngot  %#v\nwant %#v", ckpt.Configuration, wantConfig)
	}
	if !reflect.DeepEqual(ckpt.Artifacts, artifacts) {
		t.Errorf("artifacts = %#v, want %#v", ckpt.Artifacts, artifacts)
	}
	if !reflect.DeepEqual(ckpt.Paths, paths) {
		t.Errorf("paths = %#v, want %#v", ckpt.Paths, paths)
	}

	if !phase.IsAtOrBefore(phase.PreflightValidation, ckpt.LastCompletedPhase) {
		t.Error("PreflightValidation should be skippable after VHDXCreation")
	}
	if phase.IsAtOrBefore(phase.FFUCapture, ckpt.LastCompletedPhase) {
		t.Error("FFUCapture must not be skippable after VHDXCreation")
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	ctx := context.Background()
	store := NewStore(t.TempDir())

	for i := 0; i < 3; i++ {
		if err := store.Save(ctx, "b", phase.DriverDownload, nil, nil, nil); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	entries, err := os.ReadDir(store.Dir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file %s survived Save", e.Name())
		}
	}
}

func TestSaveTimestampFormat(t *testing.T) {
	ctx := context.Background()
	store := NewStore(t.TempDir())
	if err := store.Save(ctx, "b", phase.Cleanup, nil, nil, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	ckpt, err := store.Load(ctx)
	if err != nil || ckpt == nil {
		t.Fatalf("Load: %v, %v", ckpt, err)
	}
	parsed, err := time.Parse(TimeLayout, ckpt.Timestamp)
	if err != nil {
		t.Fatalf("timestamp %q does not match layout: %v", ckpt.Timestamp, err)
	}
	if parsed.Location() != time.UTC {
		t.Errorf("timestamp not UTC: %s", ckpt.Timestamp)
	}
}

func TestLoadMissingFile(t *testing.T) {
	store := NewStore(t.TempDir())
	ckpt, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ckpt != nil {
		t.Errorf("expected nil checkpoint, got %#v", ckpt)
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	ctx := context.Background()
	store := NewStore(t.TempDir())
	if err := os.MkdirAll(store.Dir(), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(store.File(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	ckpt, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ckpt != nil {
		t.Errorf("malformed JSON should load as nil, got %#v", ckpt)
	}
}

func TestLoadVersionMismatch(t *testing.T) {
	ctx := context.Background()
	store := NewStore(t.TempDir())
	if err := os.MkdirAll(store.Dir(), 0o750); err != nil {
		t.Fatal(err)
	}
	body := `{"version":"2.0","buildId":"b","timestamp":"2026-01-01T00:00:00.0000000Z",` +
		`"lastCompletedPhase":"VHDXCreation","percentComplete":35,` +
		`"configuration":{},"artifacts":{},"paths":{}}`
	if err := os.WriteFile(store.File(), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	ckpt, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ckpt != nil {
		t.Errorf("unsupported version should load as nil, got %#v", ckpt)
	}
	if store.IsResumable(ctx) {
		t.Error("IsResumable must be false for an unsupported version")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewStore(t.TempDir())
	if err := store.Save(ctx, "b", phase.VMSetup, nil, nil, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Remove(ctx); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	if err := store.Remove(ctx); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	// Directory must survive.
	if _, err := os.Stat(store.Dir()); err != nil {
		t.Errorf("state directory removed: %v", err)
	}
}
