package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/osforge/ffubuilder/phase"
	"github.com/osforge/ffubuilder/utils"
)

const (
	// StateDir is the checkpoint directory name under the build base path.
	StateDir = ".ffubuilder"

	checkpointFile = "checkpoint.json"
	tempSuffix     = ".tmp"
)

// Store persists checkpoints under <basePath>/.ffubuilder/checkpoint.json.
// Save assumes a single writer (the orchestration goroutine); cross-process
// exclusion is the orchestrator's build lock.
type Store struct {
	basePath string
}

// NewStore creates a Store rooted at basePath.
func NewStore(basePath string) *Store {
	return &Store{basePath: basePath}
}

// Dir returns the checkpoint directory path.
func (s *Store) Dir() string {
	return filepath.Join(s.basePath, StateDir)
}

// File returns the canonical checkpoint file path.
func (s *Store) File() string {
	return filepath.Join(s.Dir(), checkpointFile)
}

// Save writes a checkpoint recording p as the last completed phase.
// The percent figure is derived from the phase table, never taken from the
// caller. The write goes to a sibling .tmp file first and is promoted with a
// single rename, so a crash never leaves a half-written checkpoint visible
// under the canonical name.
func (s *Store) Save(ctx context.Context, buildID string, p phase.Phase, configuration map[string]any, artifacts map[string]bool, paths map[string]string) error {
	if err := utils.EnsureDirs(s.Dir()); err != nil {
		return err
	}
	if configuration == nil {
		configuration = map[string]any{}
	}
	if artifacts == nil {
		artifacts = map[string]bool{}
	}
	if paths == nil {
		paths = map[string]string{}
	}

	ckpt := &Checkpoint{
		Version:            Version,
		BuildID:            buildID,
		Timestamp:          time.Now().UTC().Format(TimeLayout),
		LastCompletedPhase: p,
		PercentComplete:    phase.PercentOf(p),
		Configuration:      configuration,
		Artifacts:          artifacts,
		Paths:              paths,
	}

	data, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	data = append(data, '\n')

	target := s.File()
	tmpPath := target + tempSuffix
	if err := writeAndRename(tmpPath, target, data); err != nil {
		return err
	}

	log.WithFunc("checkpoint.Save").Infof(ctx, "checkpoint saved: phase=%s percent=%d", p, ckpt.PercentComplete)
	return nil
}

// writeAndRename writes data to tmpPath, fsyncs it, and promotes it to
// target with a single rename. The tmp file never survives a successful
// call; on failure it is removed.
func writeAndRename(tmpPath, target string, data []byte) (err error) {
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) //nolint:gosec // builder-managed state dir
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()
	defer tmp.Close() //nolint:errcheck

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err = os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("promote checkpoint: %w", err)
	}
	if err = utils.SyncParentDir(filepath.Dir(target)); err != nil {
		return fmt.Errorf("sync checkpoint dir: %w", err)
	}
	return nil
}

// Load reads the checkpoint file. It returns (nil, nil) — no usable
// checkpoint, fresh start — when the file is absent, the JSON does not
// parse, or the version does not match. The reason is logged so a resumed
// build can report why it started over.
func (s *Store) Load(ctx context.Context) (*Checkpoint, error) {
	logger := log.WithFunc("checkpoint.Load")

	raw, err := os.ReadFile(s.File()) //nolint:gosec // builder-managed state dir
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(raw, &ckpt); err != nil {
		logger.Warnf(ctx, "checkpoint unreadable, starting fresh: %v", err)
		return nil, nil
	}
	if ckpt.Version != Version {
		logger.Warnf(ctx, "checkpoint version %q unsupported (want %q), starting fresh", ckpt.Version, Version)
		return nil, nil
	}
	return &ckpt, nil
}

// Remove deletes the checkpoint file. Absence is not an error. The
// containing directory is kept.
func (s *Store) Remove(ctx context.Context) error {
	if err := os.Remove(s.File()); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	log.WithFunc("checkpoint.Remove").Infof(ctx, "checkpoint removed")
	return nil
}
