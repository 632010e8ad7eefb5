package models

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle position of a job.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

var (
	// ErrAlreadyClaimed is returned when a claim loses the race or the job is
	// no longer pending.
	ErrAlreadyClaimed = errors.New("job already claimed")
	// ErrIllegalTransition is returned for any move the state machine forbids.
	ErrIllegalTransition = errors.New("illegal state transition")
)

// IsTerminal reports whether no further transitions are permitted.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// IsActive reports whether the job holds its resource key in the dedup index.
func (s State) IsActive() bool {
	return s == StatePending || s == StateRunning
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateDone, StateFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether from -> to is a legal move.
// running -> pending is allowed only for retries and reconciliation.
func (s State) CanTransitionTo(to State) bool {
	switch s {
	case StatePending:
		return to == StateRunning
	case StateRunning:
		return to == StateDone || to == StateFailed || to == StatePending
	default:
		return false
	}
}

func (j *Job) transition(to State, now time.Time) error {
	if !j.State.CanTransitionTo(to) {
		return fmt.Errorf("%w: job %s %s -> %s", ErrIllegalTransition, j.ID, j.State, to)
	}
	j.State = to
	j.UpdatedAt = now
	if to.IsTerminal() {
		t := now
		j.TerminalAt = &t
	}
	return nil
}

// Claim moves a pending job to running on behalf of workerID and counts the
// attempt.
func (j *Job) Claim(workerID string, now time.Time) error {
	if j.State != StatePending {
		return fmt.Errorf("%w: job %s is %s", ErrAlreadyClaimed, j.ID, j.State)
	}
	if err := j.transition(StateRunning, now); err != nil {
		return err
	}
	t := now
	j.ClaimedAt = &t
	j.ClaimedBy = workerID
	j.Attempts++
	return nil
}

// Complete records a successful fetch.
func (j *Job) Complete(result Result, now time.Time) error {
	if j.State != StateRunning {
		return fmt.Errorf("%w: job %s is %s, want running", ErrIllegalTransition, j.ID, j.State)
	}
	if err := j.transition(StateDone, now); err != nil {
		return err
	}
	j.Result = &result
	j.Error = ""
	j.FailureCategory = ""
	return nil
}

// Fail records a failed attempt. Transient failures go back to pending while
// the attempt budget lasts; permanent failures and exhausted budgets end in
// failed. The resulting state is returned.
func (j *Job) Fail(reason, category string, permanent bool, now time.Time) (State, error) {
	if j.State != StateRunning {
		return j.State, fmt.Errorf("%w: job %s is %s, want running", ErrIllegalTransition, j.ID, j.State)
	}
	j.Error = reason
	j.FailureCategory = category
	next := StateFailed
	if !permanent && j.Attempts < j.MaxAttempts {
		next = StatePending
	}
	if err := j.transition(next, now); err != nil {
		return j.State, err
	}
	return next, nil
}

// Revert handles a running job whose worker stopped reporting. It returns the
// job to pending, or fails it when the attempt budget is spent.
func (j *Job) Revert(reason string, now time.Time) (State, error) {
	if j.State != StateRunning {
		return j.State, fmt.Errorf("%w: job %s is %s, want running", ErrIllegalTransition, j.ID, j.State)
	}
	return j.Fail(reason, "stale", false, now)
}
