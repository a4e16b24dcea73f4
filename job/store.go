package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/planforge/planforge/metrics"
	"github.com/planforge/planforge/storage"
)

// BucketJobs is the KV bucket holding job records, keyed by job ID.
const BucketJobs = "PLANFORGE_JOBS"

// ErrNoPending signals an empty pending queue to the claim loop.
var ErrNoPending = errors.New("no pending jobs")

// ErrConflict reports a lost optimistic-concurrency race. The caller saw a
// stale revision; re-read and retry if the operation still applies.
var ErrConflict = errors.New("job modified concurrently")

// Store persists jobs in a JetStream KV bucket. All writes that race with
// other workers go through compare-and-swap on the KV revision.
type Store struct {
	kv      jetstream.KeyValue
	metrics *metrics.Service
}

// NewStore binds (creating if needed) the jobs bucket.
func NewStore(ctx context.Context, js jetstream.JetStream, m *metrics.Service) (*Store, error) {
	kv, err := storage.GetOrCreateBucket(ctx, js, BucketJobs)
	if err != nil {
		return nil, fmt.Errorf("bind jobs bucket: %w", err)
	}
	return &Store{kv: kv, metrics: m}, nil
}

// Create persists a new job. The ID and creation time are assigned here when
// unset.
func (s *Store) Create(ctx context.Context, j *Job) error {
	if j.OwnerID == "" {
		return fmt.Errorf("job owner ID is required")
	}
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if j.Status == "" {
		j.Status = StatusPending
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if _, err := s.kv.Create(ctx, j.ID, data); err != nil {
		return fmt.Errorf("create job %s: %w", j.ID, err)
	}
	return nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	j, _, err := s.getWithRevision(ctx, id)
	return j, err
}

func (s *Store) getWithRevision(ctx context.Context, id string) (*Job, uint64, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, storage.ErrNotFound
		}
		return nil, 0, fmt.Errorf("get job %s: %w", id, err)
	}
	var j Job
	if err := json.Unmarshal(entry.Value(), &j); err != nil {
		return nil, 0, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &j, entry.Revision(), nil
}

// Mutate applies fn to the current job under optimistic concurrency. A write
// that loses the revision race returns ErrConflict without retrying; fn
// returning an error aborts with no write.
func (s *Store) Mutate(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	j, rev, err := s.getWithRevision(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(j); err != nil {
		return nil, err
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("marshal job %s: %w", id, err)
	}
	if _, err := s.kv.Update(ctx, id, data, rev); err != nil {
		if isWrongSequence(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	return j, nil
}

// List returns every job in the bucket.
func (s *Store) List(ctx context.Context) ([]*Job, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list job keys: %w", err)
	}
	jobs := make([]*Job, 0, len(keys))
	for _, key := range keys {
		j, _, err := s.getWithRevision(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ListByStatus returns jobs in the given state, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*Job, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var jobs []*Job
	for _, j := range all {
		if j.Status == status {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
	return jobs, nil
}

// ActiveForOwner returns the owner's pending or processing job, or
// storage.ErrNotFound when the owner has no active job.
func (s *Store) ActiveForOwner(ctx context.Context, ownerID string) (*Job, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, j := range all {
		if j.OwnerID == ownerID && j.Active() {
			return j, nil
		}
	}
	return nil, storage.ErrNotFound
}

// LatestForOwner returns the owner's most recently created job in any state,
// or storage.ErrNotFound.
func (s *Store) LatestForOwner(ctx context.Context, ownerID string) (*Job, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var latest *Job
	for _, j := range all {
		if j.OwnerID != ownerID {
			continue
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) {
			latest = j
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return latest, nil
}

// CountRedosSince counts redo jobs an owner created at or after the cutoff.
func (s *Store) CountRedosSince(ctx context.Context, ownerID string, cutoff time.Time) (int, error) {
	all, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range all {
		if j.OwnerID == ownerID && j.Redo && !j.CreatedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// ClaimNextPending atomically moves the oldest pending job to processing
// under a fresh lease. Losing a CAS race on one job moves on to the next;
// ErrNoPending means the queue is drained.
func (s *Store) ClaimNextPending(ctx context.Context, workerID string, leaseDur time.Duration) (*Job, error) {
	pending, err := s.ListByStatus(ctx, StatusPending)
	if err != nil {
		return nil, err
	}
	for _, candidate := range pending {
		claimed, err := s.Mutate(ctx, candidate.ID, func(j *Job) error {
			if j.Status != StatusPending {
				return &StateError{JobID: j.ID, From: j.Status, Op: "claim"}
			}
			if err := j.transitionTo(StatusProcessing); err != nil {
				return err
			}
			lease := NewLease(workerID, leaseDur)
			j.Lease = &lease
			now := time.Now().UTC()
			j.StartedAt = &now
			return nil
		})
		if err != nil {
			var stateErr *StateError
			if errors.Is(err, ErrConflict) || errors.As(err, &stateErr) {
				// Another worker got there first.
				s.metrics.RecordClaimConflict()
				continue
			}
			return nil, err
		}
		return claimed, nil
	}
	return nil, ErrNoPending
}

// isNotFound checks for key/bucket absence across nats error variants.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrNoKeysFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "no keys found")
}

// isWrongSequence detects a CAS revision mismatch on Update.
func isWrongSequence(err error) bool {
	return err != nil && strings.Contains(err.Error(), "wrong last sequence")
}
