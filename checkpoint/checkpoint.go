package checkpoint

import "github.com/osforge/ffubuilder/phase"

// Version is the only checkpoint format version this build understands.
// A version bump discards all prior checkpoints as stale; there is no
// migration path.
const Version = "1.0"

// TimeLayout is the checkpoint timestamp format: UTC, ISO-8601 with
// hundred-nanosecond precision and a 'Z' suffix.
const TimeLayout = "2006-01-02T15:04:05.0000000Z"

// Checkpoint is the durable snapshot of build progress, written after every
// completed phase and read once at build start for resume decisions.
type Checkpoint struct {
	Version            string            `json:"version"`
	BuildID            string            `json:"buildId"`
	Timestamp          string            `json:"timestamp"`
	LastCompletedPhase phase.Phase       `json:"lastCompletedPhase"`
	PercentComplete    int               `json:"percentComplete"`
	Configuration      map[string]any    `json:"configuration"`
	Artifacts          map[string]bool   `json:"artifacts"`
	Paths              map[string]string `json:"paths"`
}

// StructurallyValid reports whether the checkpoint is a complete, versioned
// record. Configuration, artifacts, and paths may be empty but must be
// present.
func (c *Checkpoint) StructurallyValid() bool {
	if c == nil {
		return false
	}
	return c.Version == Version &&
		c.BuildID != "" &&
		c.Timestamp != "" &&
		c.LastCompletedPhase != "" &&
		c.Configuration != nil &&
		c.Artifacts != nil &&
		c.Paths != nil
}
