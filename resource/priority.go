package resource

import (
	"fmt"
	"strings"
)

// Priority orders pending cleanups. Higher priorities are cleaned up first.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts the names produced by Priority.String, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "normal":
		return Normal, nil
	case "high":
		return High, nil
	case "critical":
		return Critical, nil
	}
	return Low, fmt.Errorf("unknown priority %q", s)
}

// State is where a tracked resource is in its lifecycle.
//
//	Registered -> CleanupPending -> Completed | Failed | ForceDropped
//
// Entries in a terminal state are removed from the registry.
type State int

const (
	Registered State = iota
	CleanupPending
	Completed
	Failed
	ForceDropped
)

func (s State) String() string {
	switch s {
	case Registered:
		return "registered"
	case CleanupPending:
		return "cleanup-pending"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case ForceDropped:
		return "force-dropped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s ends the lifecycle.
func (s State) Terminal() bool {
	return s >= Completed
}
