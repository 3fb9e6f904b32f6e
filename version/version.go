package version

import (
	"fmt"
	"runtime"
)

// Populated via -ldflags at build time.
var (
	Version  = "unknown"
	Revision = "unknown"
	BuiltAt  = "unknown"
)

// String returns the multi-line version report printed by `ffubuilder version`.
func String() string {
	return fmt.Sprintf("Version:   %s\nGit hash:  %s\nBuilt:     %s\nGo:        %s\n",
		Version, Revision, BuiltAt, runtime.Version())
}
