package vm

import "fmt"

// observation is what a single round-trip to the driver said about a domain.
type observation struct {
	// reachable is false when the connection could not be opened.
	reachable bool
	// queryErr is set when the connection opened but the state query failed.
	queryErr    error
	domain      DomainState
	managedSave bool
}

// reconcile derives the reported state from the locally tracked state and a
// driver observation. It returns the state to report and the local state to
// keep. Transitional local states survive only while the driver agrees with
// them; an unreachable driver never changes the local state except to resolve
// a pending delayed shutdown.
func reconcile(local State, obs observation) (reported, next State) {
	if local == StateDelayedShutdown {
		switch {
		case !obs.reachable, obs.queryErr != nil, obs.domain == DomainShutOff:
			return StateOff, StateOff
		default:
			return StateDelayedShutdown, StateDelayedShutdown
		}
	}

	if !obs.reachable || obs.queryErr != nil {
		return StateUnknown, local
	}

	switch obs.domain {
	case DomainRunning:
		if local == StateStarting {
			return StateStarting, StateStarting
		}
		return StateRunning, StateRunning
	case DomainShutOff:
		if obs.managedSave {
			return StateSuspended, StateSuspended
		}
		return StateOff, StateOff
	default:
		return StateUnknown, local
	}
}

// formatVersion renders an encoded driver version as "<driver>-major.minor.patch".
func formatVersion(driver string, v uint64) string {
	major := v / 1_000_000
	minor := (v / 1_000) % 1_000
	patch := v % 1_000
	return fmt.Sprintf("%s-%d.%d.%d", driver, major, minor, patch)
}

func unknownVersion(driver string) string {
	return driver + "-unknown"
}
