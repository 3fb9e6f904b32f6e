package phase

// Phase is a named, ordered stage of the FFU build pipeline.
type Phase string

// Build phases in execution order.
const (
	NotStarted          Phase = "NotStarted"
	PreflightValidation Phase = "PreflightValidation"
	DriverDownload      Phase = "DriverDownload"
	UpdatesDownload     Phase = "UpdatesDownload"
	AppsPreparation     Phase = "AppsPreparation"
	VHDXCreation        Phase = "VHDXCreation"
	WindowsUpdates      Phase = "WindowsUpdates"
	VMSetup             Phase = "VMSetup"
	VMStart             Phase = "VMStart"
	AppInstallation     Phase = "AppInstallation"
	VMShutdown          Phase = "VMShutdown"
	FFUCapture          Phase = "FFUCapture"
	DeploymentMedia     Phase = "DeploymentMedia"
	USBCreation         Phase = "USBCreation"
	Cleanup             Phase = "Cleanup"
	Completed           Phase = "Completed"
)

// ordered lists every phase in build order. Index == order.
var ordered = []Phase{
	NotStarted,
	PreflightValidation,
	DriverDownload,
	UpdatesDownload,
	AppsPreparation,
	VHDXCreation,
	WindowsUpdates,
	VMSetup,
	VMStart,
	AppInstallation,
	VMShutdown,
	FFUCapture,
	DeploymentMedia,
	USBCreation,
	Cleanup,
	Completed,
}

// percent maps each phase to its fixed completion percentage.
// Non-decreasing in build order.
var percent = map[Phase]int{
	NotStarted:          0,
	PreflightValidation: 5,
	DriverDownload:      15,
	UpdatesDownload:     25,
	AppsPreparation:     30,
	VHDXCreation:        35,
	WindowsUpdates:      50,
	VMSetup:             55,
	VMStart:             60,
	AppInstallation:     75,
	VMShutdown:          80,
	FFUCapture:          90,
	DeploymentMedia:     95,
	USBCreation:         98,
	Cleanup:             99,
	Completed:           100,
}

// aliases maps retired phase names to their current equivalents so that
// checkpoints written by older builds still resume correctly.
var aliases = map[Phase]Phase{
	"WindowsDownload": UpdatesDownload,
	"VMCreation":      VMSetup,
	"VMExecution":     VMStart,
}

var order = func() map[Phase]int {
	m := make(map[Phase]int, len(ordered))
	for i, p := range ordered {
		m[p] = i
	}
	return m
}()

// All returns every phase in build order.
func All() []Phase {
	out := make([]Phase, len(ordered))
	copy(out, ordered)
	return out
}

// Resolve maps an alias to its current phase name. Non-alias names pass
// through unchanged.
func Resolve(p Phase) Phase {
	if current, ok := aliases[p]; ok {
		return current
	}
	return p
}

// OrderOf returns the position of p in the build order.
// Aliases resolve to the order of their current name.
// ok is false for unrecognized names.
func OrderOf(p Phase) (int, bool) {
	n, ok := order[Resolve(p)]
	return n, ok
}

// PercentOf returns the fixed completion percentage for p, 0 for
// unrecognized names.
func PercentOf(p Phase) int {
	return percent[Resolve(p)]
}

// IsAtOrBefore reports whether candidate's work is already covered by a
// checkpoint whose last completed phase is against. Both names resolve
// through the alias table first. Unknown names on either side yield false:
// an unrecognized phase is treated as not yet complete, never silently
// skipped.
func IsAtOrBefore(candidate, against Phase) bool {
	c, ok := OrderOf(candidate)
	if !ok {
		return false
	}
	a, ok := OrderOf(against)
	if !ok {
		return false
	}
	return c <= a
}
