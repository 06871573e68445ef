package engine

import (
	"encoding/json"
	"fmt"
)

// RunState represents the state of a deployment run. Transitions are guarded
// by CanTransition; the controller never moves a run outside these edges.
type RunState string

const (
	// StatePlanning indicates plan diffs are being computed for both stages.
	StatePlanning RunState = "planning"

	// StateAwaitingApproval indicates a destructive diff requires operator
	// confirmation before any apply starts.
	StateAwaitingApproval RunState = "awaiting_approval"

	// StateApplyingSetup indicates the setup stage is being applied.
	StateApplyingSetup RunState = "applying_setup"

	// StatePublishing indicates the artifact is being built and pushed.
	StatePublishing RunState = "publishing"

	// StateApplyingDeploy indicates the deploy stage is being applied.
	StateApplyingDeploy RunState = "applying_deploy"

	// StateRollingOut indicates the workload is being updated and health
	// checks are being polled.
	StateRollingOut RunState = "rolling_out"

	// StateSucceeded indicates the run completed and health stabilized.
	StateSucceeded RunState = "succeeded"

	// StateFailed indicates the run halted with an error.
	StateFailed RunState = "failed"

	// StateRolledBack indicates the workload was reverted to the previous
	// artifact after a failed rollout.
	StateRolledBack RunState = "rolled_back"
)

// transitions enumerates the legal state machine edges.
var transitions = map[RunState][]RunState{
	StatePlanning:         {StateAwaitingApproval, StateApplyingSetup, StateFailed},
	StateAwaitingApproval: {StateApplyingSetup, StateFailed},
	StateApplyingSetup:    {StatePublishing, StateFailed},
	StatePublishing:       {StateApplyingDeploy, StateFailed},
	StateApplyingDeploy:   {StateRollingOut, StateFailed, StateRolledBack},
	StateRollingOut:       {StateSucceeded, StateFailed, StateRolledBack},
}

// IsTerminal returns true if the state is final.
func (s RunState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateRolledBack
}

// CanCancel reports whether a run in this state may still be cancelled.
// Once ApplyingSetup has begun the run must reach a terminal state.
func (s RunState) CanCancel() bool {
	return s == StatePlanning || s == StateAwaitingApproval
}

// CanTransition reports whether the edge s -> to is legal.
func (s RunState) CanTransition(to RunState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate checks if the run state is valid.
func (s RunState) Validate() error {
	switch s {
	case StatePlanning, StateAwaitingApproval, StateApplyingSetup,
		StatePublishing, StateApplyingDeploy, StateRollingOut,
		StateSucceeded, StateFailed, StateRolledBack:
		return nil
	default:
		return NewPermanentError(fmt.Sprintf("invalid run state: %s", s), nil).
			WithCode(ErrCodeValidation)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunState(str)
	return s.Validate()
}
