package checkpoint

import (
	"context"

	"github.com/projecteru2/core/log"

	"github.com/osforge/ffubuilder/utils"
)

// artifactShape describes how an artifact's path is checked on disk.
type artifactShape int

const (
	shapeFile artifactShape = iota
	shapeDir
)

// artifactTable maps artifact flags to the path entry that backs them and
// the expected on-disk shape. Flags outside this table are opaque to the
// validator.
var artifactTable = map[string]struct {
	pathKey string
	shape   artifactShape
}{
	"vhdxCreated":       {"VHDXPath", shapeFile},
	"driversDownloaded": {"DriversFolder", shapeDir},
	"updatesDownloaded": {"UpdatesFolder", shapeDir},
	"officeDownloaded":  {"OfficeFolder", shapeDir},
	"appsIsoCreated":    {"AppsISO", shapeFile},
	"ffuCaptured":       {"FFUFile", shapeFile},
}

// ValidateArtifacts confirms that every artifact the checkpoint claims
// still exists on disk. Flags set false are expected to be absent and are
// not checked. Any claimed-but-missing artifact fails the whole check: a
// checkpoint must never be trusted as resumable when its physical state is
// gone. An empty artifact set trivially validates.
func ValidateArtifacts(ctx context.Context, c *Checkpoint) bool {
	if c == nil || c.Artifacts == nil || c.Paths == nil {
		return false
	}
	logger := log.WithFunc("checkpoint.ValidateArtifacts")

	for flag, claimed := range c.Artifacts {
		if !claimed {
			continue
		}
		entry, known := artifactTable[flag]
		if !known {
			continue
		}
		path := c.Paths[entry.pathKey]
		if path == "" {
			logger.Warnf(ctx, "artifact %s claimed but %s is not recorded", flag, entry.pathKey)
			return false
		}
		ok := false
		switch entry.shape {
		case shapeFile:
			ok = utils.FileExists(path)
		case shapeDir:
			ok = utils.DirExists(path)
		}
		if !ok {
			logger.Warnf(ctx, "artifact %s claimed but %s is missing on disk", flag, path)
			return false
		}
	}
	return true
}

// IsResumableCheckpoint reports whether a pre-loaded checkpoint can be
// trusted for resume: structurally valid and every claimed artifact present.
func IsResumableCheckpoint(ctx context.Context, c *Checkpoint) bool {
	return c.StructurallyValid() && ValidateArtifacts(ctx, c)
}

// IsResumable loads the stored checkpoint and reports whether it can be
// trusted for resume. A missing or stale checkpoint is simply not resumable.
func (s *Store) IsResumable(ctx context.Context) bool {
	ckpt, err := s.Load(ctx)
	if err != nil || ckpt == nil {
		return false
	}
	return IsResumableCheckpoint(ctx, ckpt)
}
