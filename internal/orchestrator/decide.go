// Package orchestrator drives download passes: deciding per-title actions,
// starting downloads, and failing over stalled transfers.
package orchestrator

import (
	"github.com/reelgrab/reelgrab/internal/backend"
)

// Action is what a pass does with one title.
type Action int

const (
	// ActionNone leaves the title alone.
	ActionNone Action = iota
	// ActionStart begins the first download attempt.
	ActionStart
	// ActionRestart begins a fresh attempt after a failed one.
	ActionRestart
	// ActionMonitor checks an in-flight transfer for stalls.
	ActionMonitor
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionStart:
		return "start"
	case ActionRestart:
		return "restart"
	case ActionMonitor:
		return "monitor"
	}
	return "action(?)"
}

// Decide maps a title's status to the pass action. The function is pure:
// the whole per-status policy lives in this one table.
//
// Completed and InLibrary are absorbing, so no action ever applies to them.
// StatusOther means the backend owns the transfer in a state we cannot
// classify; the pass leaves it untouched rather than fighting the client.
func Decide(status backend.DownloadStatus) Action {
	if status.InFlight() {
		return ActionMonitor
	}

	switch status {
	case backend.StatusNotDiscovered, backend.StatusDiscovered, backend.StatusNoSource:
		return ActionStart
	case backend.StatusCrawlFailed, backend.StatusDownloadFailed, backend.StatusError:
		return ActionRestart
	default:
		return ActionNone
	}
}
