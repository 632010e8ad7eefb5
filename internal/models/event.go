package models

import (
	"crypto/sha256"

	"github.com/mr-tron/base58"
)

// EventStatus is the externally delivered view of a transition.
type EventStatus string

const (
	EventStarted EventStatus = "started"
	EventDone    EventStatus = "done"
	EventFailed  EventStatus = "failed"
)

// Valid reports whether s is a deliverable status.
func (s EventStatus) Valid() bool {
	return s == EventStarted || s == EventDone || s == EventFailed
}

// EventPayload carries the outcome of the job.
type EventPayload struct {
	InputURL        string  `json:"input_url"`
	Platform        string  `json:"platform"`
	Attempts        int     `json:"attempts"`
	Result          *Result `json:"result,omitempty"`
	Error           string  `json:"error,omitempty"`
	FailureCategory string  `json:"failure_category,omitempty"`
}

// Event is an immutable notification for one subscriber of one job.
type Event struct {
	EventID    string       `json:"event_id"`
	JobID      string       `json:"job_id"`
	Subscriber Subscriber   `json:"subscriber"`
	Status     EventStatus  `json:"status"`
	Payload    EventPayload `json:"payload"`
}

// EventID derives the stable identifier for (job, subscriber, status). The
// same logical event always yields the same id across retries and processes.
func EventID(jobID string, sub Subscriber, status EventStatus) string {
	h := sha256.New()
	for _, part := range []string{jobID, sub.Target, sub.OriginRef, sub.ThreadRef, string(status)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return base58.Encode(sum[:16])
}

// EventStatusFor maps a job state to the event it produces.
func EventStatusFor(s State) (EventStatus, bool) {
	switch s {
	case StateRunning:
		return EventStarted, true
	case StateDone:
		return EventDone, true
	case StateFailed:
		return EventFailed, true
	}
	return "", false
}

// NewEvent builds the event for sub from the job snapshot j.
func NewEvent(j *Job, sub Subscriber, status EventStatus) Event {
	payload := EventPayload{
		InputURL: j.InputURL,
		Platform: j.Platform,
		Attempts: j.Attempts,
	}
	switch status {
	case EventDone:
		payload.Result = j.Result
	case EventFailed:
		payload.Error = j.Error
		payload.FailureCategory = j.FailureCategory
	}
	return Event{
		EventID:    EventID(j.ID, sub, status),
		JobID:      j.ID,
		Subscriber: sub,
		Status:     status,
		Payload:    payload,
	}
}

// Events returns one event per subscriber in attachment order.
func Events(j *Job, status EventStatus) []Event {
	events := make([]Event, 0, len(j.Subscribers))
	for _, sub := range j.Subscribers {
		events = append(events, NewEvent(j, sub, status))
	}
	return events
}
