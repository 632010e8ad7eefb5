package models

import (
	"slices"
	"time"
)

// Subscriber identifies where the outcome of a job is delivered.
type Subscriber struct {
	Target    string `json:"target"`
	OriginRef string `json:"origin_ref"`
	ThreadRef string `json:"thread_ref,omitempty"`
	Kind      string `json:"kind"`
}

// Same reports whether two descriptors address the same requester. Kind is
// metadata and does not take part in the comparison.
func (s Subscriber) Same(other Subscriber) bool {
	return s.Target == other.Target &&
		s.OriginRef == other.OriginRef &&
		s.ThreadRef == other.ThreadRef
}

// Resource is a supported identifier resolved by a classifier.
type Resource struct {
	InputURL    string `json:"input_url"`
	ResourceKey string `json:"resource_key"`
	Platform    string `json:"platform"`
}

// Result is the artifact reference of a done job.
type Result struct {
	FilePath    string    `json:"file_path"`
	SizeBytes   int64     `json:"file_size_bytes"`
	DurationSec float64   `json:"duration_sec"`
	Platform    string    `json:"platform"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Notification holds delivery bookkeeping for the last emitted event.
type Notification struct {
	LastEventID      string `json:"last_event_id,omitempty"`
	CallbackAttempts int    `json:"callback_attempts"`
	CallbackError    string `json:"callback_error,omitempty"`
}

// Job is a full snapshot of one fetch request lifecycle. Every transition is
// persisted as a new snapshot; the latest snapshot for an ID is authoritative.
type Job struct {
	ID              string       `json:"job_id"`
	ResourceKey     string       `json:"resource_key"`
	InputURL        string       `json:"input_url"`
	Platform        string       `json:"platform"`
	State           State        `json:"state"`
	Attempts        int          `json:"attempts"`
	MaxAttempts     int          `json:"max_attempts"`
	Subscribers     []Subscriber `json:"subscribers"`
	Result          *Result      `json:"result,omitempty"`
	Error           string       `json:"error,omitempty"`
	FailureCategory string       `json:"failure_category,omitempty"`
	ClaimedBy       string       `json:"claimed_by,omitempty"`
	Notification    Notification `json:"notification"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	ClaimedAt       *time.Time   `json:"claimed_at,omitempty"`
	TerminalAt      *time.Time   `json:"terminal_at,omitempty"`
}

// NewJob creates a pending job for res with sub as its first subscriber.
func NewJob(id string, res Resource, sub Subscriber, maxAttempts int, now time.Time) *Job {
	return &Job{
		ID:          id,
		ResourceKey: res.ResourceKey,
		InputURL:    res.InputURL,
		Platform:    res.Platform,
		State:       StatePending,
		MaxAttempts: max(1, maxAttempts),
		Subscribers: []Subscriber{sub},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy so snapshots handed out never alias store state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Subscribers = slices.Clone(j.Subscribers)
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.ClaimedAt != nil {
		t := *j.ClaimedAt
		c.ClaimedAt = &t
	}
	if j.TerminalAt != nil {
		t := *j.TerminalAt
		c.TerminalAt = &t
	}
	return &c
}

// AddSubscriber appends sub unless an equal descriptor is already attached.
// It reports whether the list changed.
func (j *Job) AddSubscriber(sub Subscriber, now time.Time) bool {
	for _, existing := range j.Subscribers {
		if existing.Same(sub) {
			return false
		}
	}
	j.Subscribers = append(j.Subscribers, sub)
	j.UpdatedAt = now
	return true
}

// RecordNotification stores the outcome of the latest delivery pass.
func (j *Job) RecordNotification(eventID, callbackErr string, now time.Time) {
	j.Notification.LastEventID = eventID
	j.Notification.CallbackAttempts++
	j.Notification.CallbackError = callbackErr
	j.UpdatedAt = now
}
