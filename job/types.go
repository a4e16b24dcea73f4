// Package job implements the generation job lifecycle: creation, lease-based
// claiming, the two-stage generation run, and stuck-job recovery.
package job

import (
	"fmt"
	"time"

	"github.com/planforge/planforge/plan"
)

// Status is the closed set of job lifecycle states.
type Status string

// Job statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// validTransitions is the full lifecycle table. processing→pending is the
// stuck-job reclaim path; completed and failed are terminal.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusPending},
}

// CanTransition reports whether a status change is legal.
func CanTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StateError rejects an operation against a job in the wrong state. The job
// is never mutated when a StateError is returned.
type StateError struct {
	JobID string
	From  Status
	To    Status
	Op    string
}

func (e *StateError) Error() string {
	if e.To != "" {
		return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
	}
	return fmt.Sprintf("job %s: cannot %s in state %s", e.JobID, e.Op, e.From)
}

// Lease is a soft distributed lock on a processing job. Expiry is the only
// cancellation signal recognized for abandoned work.
type Lease struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewLease creates a lease held by the given worker.
func NewLease(owner string, d time.Duration) Lease {
	return Lease{Owner: owner, ExpiresAt: time.Now().Add(d)}
}

// Renew extends the lease by d from now, keeping the owner.
func (l Lease) Renew(d time.Duration) Lease {
	return Lease{Owner: l.Owner, ExpiresAt: time.Now().Add(d)}
}

// Expired reports whether the lease has lapsed at the given instant.
func (l Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Job is one generation job. The orchestrator is the only writer of Status.
type Job struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"owner_id"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ResultPlanID string     `json:"result_plan_id,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	Lease        *Lease     `json:"lease,omitempty"`
	Redo         bool       `json:"redo,omitempty"`

	// Profile is the immutable snapshot captured at creation. The job always
	// generates against this snapshot, not the live profile.
	Profile *plan.Profile `json:"profile_snapshot"`
}

// Active reports whether the job still occupies the owner's single active
// slot: pending, or processing (even with an expired lease, until reclaimed).
func (j *Job) Active() bool {
	return j.Status == StatusPending || j.Status == StatusProcessing
}

// transitionTo mutates the status after checking the lifecycle table.
func (j *Job) transitionTo(to Status) error {
	if !CanTransition(j.Status, to) {
		return &StateError{JobID: j.ID, From: j.Status, To: to}
	}
	j.Status = to
	return nil
}

// RedoOptions controls duplicate-job policy on creation.
type RedoOptions struct {
	// Redo requests a fresh plan even though one was recently generated,
	// subject to the per-day redo cap.
	Redo bool
}

// CreateStatus describes the outcome of a CreateJob call.
type CreateStatus string

// CreateJob outcomes.
const (
	CreateStatusCreated     CreateStatus = "created"
	CreateStatusExisting    CreateStatus = "existing"
	CreateStatusRedoStarted CreateStatus = "redo_started"
)

// Stable error codes surfaced to clients. Raw provider bodies are logged,
// never stored on the job.
const (
	CodeParseFailed      = "parse_failed"
	CodeValidationFailed = "validation_failed"
	CodePersistFailed    = "persist_failed"
	CodeRetriesExhausted = "retries_exhausted"
	CodeCancelled        = "cancelled"
	CodeProviderConfig   = "provider_config"
	CodeInternal         = "internal"

	// Provider failures use "provider_<kind>", e.g. provider_timeout.
	codeProviderPrefix = "provider_"
)
