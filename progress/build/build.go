package build

// Phase markers for build progress events.
const (
	PhaseStart  = "start"  // a build phase began
	PhaseDone   = "done"   // a build phase completed
	PhaseSkip   = "skip"   // a build phase was skipped on resume
	PhaseFinish = "finish" // the whole build completed
)

// Event is emitted once per orchestrator phase transition.
type Event struct {
	Phase   string // one of the Phase* markers
	Name    string // build phase name, e.g. "VHDXCreation"
	Percent int    // completion percentage after this phase
}
