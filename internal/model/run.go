package model

import "time"

// RunState is a phase of the assembly state machine.
type RunState string

const (
	RunCollecting   RunState = "COLLECTING"
	RunJoining      RunState = "JOINING"
	RunLabeling     RunState = "LABELING"
	RunValidating   RunState = "VALIDATING"
	RunBlocked      RunState = "BLOCKED"
	RunMaterialized RunState = "MATERIALIZED"
	RunFailed       RunState = "FAILED"
)

var runTransitions = map[RunState][]RunState{
	RunCollecting: {RunJoining, RunFailed},
	RunJoining:    {RunLabeling, RunFailed},
	RunLabeling:   {RunValidating, RunFailed},
	RunValidating: {RunBlocked, RunMaterialized, RunFailed},
}

// Terminal reports whether no transition leaves s.
func (s RunState) Terminal() bool {
	return s == RunBlocked || s == RunMaterialized || s == RunFailed
}

// CanTransition reports whether from → to is a legal step.
func CanTransition(from, to RunState) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Run is the run-log record of one assembly.
type Run struct {
	ID        string    `json:"id"`
	AsOf      time.Time `json:"as_of"`
	State     RunState  `json:"state"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
