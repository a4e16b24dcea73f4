package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/planforge/planforge/estimate"
	"github.com/planforge/planforge/jsonrepair"
	"github.com/planforge/planforge/llm"
	"github.com/planforge/planforge/metrics"
	"github.com/planforge/planforge/plan"
	"github.com/planforge/planforge/prompt"
	"github.com/planforge/planforge/storage"
	"github.com/planforge/planforge/trend"
)

// Config holds orchestrator tuning knobs. Zero values take the defaults.
type Config struct {
	// LeaseDuration is how long a claim holds a job before it is
	// considered abandoned.
	LeaseDuration time.Duration `yaml:"lease_duration"`

	// StuckThreshold is the wall-clock ceiling on a processing job even
	// while its lease is live.
	StuckThreshold time.Duration `yaml:"stuck_threshold"`

	// MaxRetries bounds how many times a stuck job is requeued.
	MaxRetries int `yaml:"max_retries"`

	// MaxRedosPerDay bounds explicit regeneration requests per owner.
	MaxRedosPerDay int `yaml:"max_redos_per_day"`
}

// Defaults.
const (
	DefaultLeaseDuration  = 2 * time.Minute
	DefaultStuckThreshold = 5 * time.Minute
	DefaultMaxRetries     = 3
	DefaultMaxRedosPerDay = 2
)

func (c *Config) setDefaults() {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = DefaultStuckThreshold
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxRedosPerDay <= 0 {
		c.MaxRedosPerDay = DefaultMaxRedosPerDay
	}
}

// ErrRedoLimit rejects a regeneration request over the daily cap.
var ErrRedoLimit = errors.New("daily redo limit reached")

// ErrRedoWhileProcessing rejects a redo while a worker holds the owner's
// current job.
var ErrRedoWhileProcessing = errors.New("cannot redo while a job is processing")

// Orchestrator drives jobs through the full lifecycle: creation, the
// two-stage generation run, terminal transitions, and stuck-job recovery.
type Orchestrator struct {
	jobs     *Store
	entities *storage.Store
	client   *llm.Client
	notifier *Notifier
	metrics  *metrics.Service
	logger   *slog.Logger
	cfg      Config

	now func() time.Time
}

// New wires an orchestrator. notifier and metrics may be nil.
func New(jobs *Store, entities *storage.Store, client *llm.Client, notifier *Notifier, m *metrics.Service, cfg Config, logger *slog.Logger) *Orchestrator {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		jobs:     jobs,
		entities: entities,
		client:   client,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob enqueues a generation job for an owner, snapshotting the profile.
// An owner holds at most one active job: a duplicate request returns the
// existing job unchanged. With redo requested, a pending job is superseded
// and a fresh one enqueued, up to MaxRedosPerDay per calendar day.
func (o *Orchestrator) CreateJob(ctx context.Context, ownerID string, profile *plan.Profile, opts RedoOptions) (*Job, CreateStatus, error) {
	if ownerID == "" {
		return nil, "", fmt.Errorf("owner ID is required")
	}
	if profile == nil {
		return nil, "", fmt.Errorf("profile is required")
	}

	active, err := o.jobs.ActiveForOwner(ctx, ownerID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, "", err
	}

	status := CreateStatusCreated
	if opts.Redo {
		if active != nil && active.Status == StatusProcessing {
			return active, CreateStatusExisting, ErrRedoWhileProcessing
		}
		// Policy runs before any mutation: a rejected redo leaves the
		// queued job untouched.
		dayStart := o.now().Truncate(24 * time.Hour)
		n, err := o.jobs.CountRedosSince(ctx, ownerID, dayStart)
		if err != nil {
			return nil, "", err
		}
		if n >= o.cfg.MaxRedosPerDay {
			return nil, "", ErrRedoLimit
		}
		status = CreateStatusRedoStarted
	}

	if active != nil {
		if !opts.Redo {
			return active, CreateStatusExisting, nil
		}
		// Supersede the queued job so the owner still has a single slot.
		if _, err := o.jobs.Mutate(ctx, active.ID, func(j *Job) error {
			if !j.Active() {
				return nil
			}
			if err := j.transitionTo(StatusFailed); err != nil {
				return err
			}
			j.ErrorCode = CodeCancelled
			j.ErrorMessage = "superseded by redo"
			return nil
		}); err != nil {
			return nil, "", fmt.Errorf("supersede job %s: %w", active.ID, err)
		}
	}

	snapshot := *profile
	j := &Job{
		OwnerID: ownerID,
		Status:  StatusPending,
		Redo:    opts.Redo,
		Profile: &snapshot,
	}
	if err := o.jobs.Create(ctx, j); err != nil {
		return nil, "", err
	}
	o.metrics.RecordJobTransition(string(StatusPending))
	o.logger.Info("job created", "job_id", j.ID, "owner_id", ownerID, "redo", opts.Redo)
	return j, status, nil
}

// ClaimNextPending claims the oldest pending job for a worker.
func (o *Orchestrator) ClaimNextPending(ctx context.Context, workerID string) (*Job, error) {
	j, err := o.jobs.ClaimNextPending(ctx, workerID, o.cfg.LeaseDuration)
	if err != nil {
		return nil, err
	}
	o.metrics.RecordJobTransition(string(StatusProcessing))
	o.logger.Info("job claimed", "job_id", j.ID, "worker_id", workerID)
	return j, nil
}

// RunJob executes a claimed job end to end: trend memory, the generation
// call, parse and repair, the verification pass, plan persistence, and the
// terminal transition. The verification stage is best effort: if its output
// cannot be parsed into a valid plan, the stage-one plan ships instead.
func (o *Orchestrator) RunJob(ctx context.Context, j *Job) error {
	started := o.now()
	log := o.logger.With("job_id", j.ID, "owner_id", j.OwnerID)

	checkins, err := o.entities.ListCheckIns(ctx, j.OwnerID, 0)
	if err != nil {
		log.Warn("check-in history unavailable, generating without trends", "error", err)
		checkins = nil
	}
	memory := trend.Build(checkins, trend.MinHistory, j.Profile.Goal)

	payload := prompt.Generation(j.Profile, memory)
	resp, err := o.complete(ctx, llm.StageGeneration, payload)
	if err != nil {
		return o.failJob(ctx, j, started, err, log)
	}

	p, report, stage, err := plan.ParseAndValidate(resp.Content, j.Profile)
	o.metrics.RecordParseStage(string(stage))
	if err != nil {
		log.Error("generation output rejected", "stage", stage, "error", err)
		return o.failJob(ctx, j, started, err, log)
	}
	if report.Changed() {
		log.Info("plan repaired", "cloned_days", report.ClonedDays,
			"filled_recovery", report.FilledRecovery, "forced_targets", report.ForcedTargets)
	}

	p = o.verify(ctx, j, p, log)

	p.OwnerID = j.OwnerID
	entityID, err := o.entities.SavePlan(ctx, p)
	if err != nil {
		return o.failJob(ctx, j, started, &persistError{err: err}, log)
	}

	completedAt := o.now()
	if _, err := o.jobs.Mutate(ctx, j.ID, func(cur *Job) error {
		if err := cur.transitionTo(StatusCompleted); err != nil {
			return err
		}
		cur.ResultPlanID = entityID.ID
		cur.CompletedAt = &completedAt
		cur.Lease = nil
		return nil
	}); err != nil {
		return fmt.Errorf("complete job %s: %w", j.ID, err)
	}

	duration := completedAt.Sub(started)
	o.metrics.RecordJobTransition(string(StatusCompleted))
	o.metrics.RecordJobDuration(duration)
	o.recordRun(ctx, j, started, duration, true, log)
	o.notifier.PlanReady(j.OwnerID, j.ID)
	log.Info("job completed", "plan_id", entityID.ID, "duration", duration)
	return nil
}

// verify runs the self-check pass over a freshly generated plan. Any failure
// along the way keeps the stage-one plan.
func (o *Orchestrator) verify(ctx context.Context, j *Job, p *plan.Plan, log *slog.Logger) *plan.Plan {
	planJSON, err := json.Marshal(p)
	if err != nil {
		log.Warn("skipping verification, plan not marshalable", "error", err)
		return p
	}
	payload := prompt.Verification(j.Profile, string(planJSON))
	resp, err := o.complete(ctx, llm.StageVerification, payload)
	if err != nil {
		log.Warn("verification call failed, keeping unverified plan", "error", err)
		return p
	}
	verified, _, stage, err := plan.ParseAndValidate(resp.Content, j.Profile)
	if err != nil {
		log.Warn("verification output unusable, keeping unverified plan",
			"stage", stage, "error", err)
		return p
	}
	o.metrics.RecordParseStage(string(stage))
	return verified
}

func (o *Orchestrator) complete(ctx context.Context, stage string, payload prompt.Payload) (*llm.Response, error) {
	return o.client.Complete(ctx, llm.Request{
		Stage:       stage,
		Messages:    payload.Messages,
		Temperature: payload.Temperature,
		MaxTokens:   payload.MaxTokens,
	})
}

// failJob moves a job to failed with a stable error code. The full error is
// logged here and never stored on the job record.
func (o *Orchestrator) failJob(ctx context.Context, j *Job, started time.Time, cause error, log *slog.Logger) error {
	code, message := classifyFailure(cause)
	log.Error("job failed", "code", code, "error", cause)

	completedAt := o.now()
	if _, err := o.jobs.Mutate(ctx, j.ID, func(cur *Job) error {
		if err := cur.transitionTo(StatusFailed); err != nil {
			return err
		}
		cur.ErrorCode = code
		cur.ErrorMessage = message
		cur.CompletedAt = &completedAt
		cur.Lease = nil
		return nil
	}); err != nil {
		return fmt.Errorf("fail job %s: %w", j.ID, err)
	}

	o.metrics.RecordJobTransition(string(StatusFailed))
	o.recordRun(ctx, j, started, completedAt.Sub(started), false, log)
	o.notifier.PlanError(j.OwnerID, j.ID)
	return cause
}

func (o *Orchestrator) recordRun(ctx context.Context, j *Job, started time.Time, duration time.Duration, success bool, log *slog.Logger) {
	rec := estimate.RunRecord{
		Timestamp:       started,
		DurationSeconds: duration.Seconds(),
		ComplexityScore: estimate.ComplexityScore(j.Profile),
		Success:         success,
	}
	if err := o.entities.AppendRun(ctx, j.OwnerID, rec); err != nil {
		log.Warn("append run record failed", "error", err)
	}
}

// persistError marks a failure to store a generated plan.
type persistError struct {
	err error
}

func (e *persistError) Error() string { return "persist plan: " + e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }

// classifyFailure maps an error from the run pipeline onto the stable error
// codes and a client-safe message.
func classifyFailure(err error) (code, message string) {
	var cfgErr *llm.ConfigurationError
	if errors.As(err, &cfgErr) {
		return CodeProviderConfig, "completion endpoint misconfigured"
	}
	var provErr *llm.ProviderError
	if errors.As(err, &provErr) {
		return codeProviderPrefix + string(provErr.Kind), "completion provider unavailable"
	}
	var parseErr *jsonrepair.ParseError
	if errors.As(err, &parseErr) {
		return CodeParseFailed, "model output was not a usable plan"
	}
	var valErr *plan.ValidationError
	if errors.As(err, &valErr) {
		return CodeValidationFailed, "generated plan violated required structure"
	}
	var perErr *persistError
	if errors.As(err, &perErr) {
		return CodePersistFailed, "generated plan could not be stored"
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled, "job cancelled"
	}
	return CodeInternal, "internal error"
}

// IsStuck reports whether a processing job should be reclaimed: its lease has
// lapsed, or it has exceeded the wall-clock run ceiling.
func (o *Orchestrator) IsStuck(j *Job, now time.Time) bool {
	if j.Status != StatusProcessing {
		return false
	}
	if j.Lease == nil || j.Lease.Expired(now) {
		return true
	}
	return j.StartedAt != nil && now.Sub(*j.StartedAt) > o.cfg.StuckThreshold
}

// ReclaimStuckJob requeues a stuck job, or fails it once retries are spent.
// The stuck check is re-evaluated under CAS so a job that completed between
// the sweep's read and this call is left alone.
func (o *Orchestrator) ReclaimStuckJob(ctx context.Context, jobID string) error {
	now := o.now()
	reclaimed, err := o.jobs.Mutate(ctx, jobID, func(j *Job) error {
		if !o.IsStuck(j, now) {
			return &StateError{JobID: j.ID, From: j.Status, Op: "reclaim"}
		}
		if j.RetryCount >= o.cfg.MaxRetries {
			if err := j.transitionTo(StatusFailed); err != nil {
				return err
			}
			j.ErrorCode = CodeRetriesExhausted
			j.ErrorMessage = "job abandoned too many times"
			completedAt := now
			j.CompletedAt = &completedAt
			j.Lease = nil
			return nil
		}
		if err := j.transitionTo(StatusPending); err != nil {
			return err
		}
		j.RetryCount++
		j.Lease = nil
		j.StartedAt = nil
		return nil
	})
	if err != nil {
		return err
	}

	o.metrics.RecordReclaim()
	o.metrics.RecordJobTransition(string(reclaimed.Status))
	o.logger.Info("job reclaimed", "job_id", jobID,
		"status", reclaimed.Status, "retry_count", reclaimed.RetryCount)
	return nil
}

// SweepStuck scans processing jobs and reclaims every stuck one. It returns
// how many were reclaimed; individual CAS losses are skipped, not errors.
func (o *Orchestrator) SweepStuck(ctx context.Context) (int, error) {
	processing, err := o.jobs.ListByStatus(ctx, StatusProcessing)
	if err != nil {
		return 0, err
	}
	now := o.now()
	reclaimed := 0
	for _, j := range processing {
		if !o.IsStuck(j, now) {
			continue
		}
		err := o.ReclaimStuckJob(ctx, j.ID)
		switch {
		case err == nil:
			reclaimed++
		case errors.Is(err, ErrConflict):
			continue
		default:
			var stateErr *StateError
			if errors.As(err, &stateErr) {
				continue
			}
			return reclaimed, err
		}
	}
	return reclaimed, nil
}

// CancelJob marks a job failed with the cancelled code. Completed jobs cannot
// be cancelled; cancelling an already failed job is a no-op.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) error {
	changed := false
	cancelled, err := o.jobs.Mutate(ctx, jobID, func(j *Job) error {
		switch j.Status {
		case StatusCompleted:
			return &StateError{JobID: j.ID, From: j.Status, Op: "cancel"}
		case StatusFailed:
			return nil
		}
		changed = true
		if err := j.transitionTo(StatusFailed); err != nil {
			return err
		}
		j.ErrorCode = CodeCancelled
		j.ErrorMessage = "cancelled by request"
		completedAt := o.now()
		j.CompletedAt = &completedAt
		j.Lease = nil
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		o.metrics.RecordJobTransition(string(StatusFailed))
		o.notifier.PlanError(cancelled.OwnerID, cancelled.ID)
		o.logger.Info("job cancelled", "job_id", jobID)
	}
	return nil
}

// Job fetches a job by ID.
func (o *Orchestrator) Job(ctx context.Context, id string) (*Job, error) {
	return o.jobs.Get(ctx, id)
}
