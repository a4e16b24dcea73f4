// Package storage persists plans, check-ins, and run history using NATS KV.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/planforge/planforge/estimate"
	"github.com/planforge/planforge/plan"
	"github.com/planforge/planforge/trend"
)

// EntityType represents the type of entity stored in KV.
type EntityType string

const (
	EntityTypePlan EntityType = "plan"
	EntityTypeJob  EntityType = "job"
)

// Bucket names for each entity type.
const (
	BucketPlans    = "PLANFORGE_PLANS"
	BucketCheckIns = "PLANFORGE_CHECKINS"
	BucketRuns     = "PLANFORGE_RUNS"
)

// EntityID represents a typed entity identifier.
type EntityID struct {
	Type EntityType
	ID   string
}

// String returns the string representation of the entity ID.
func (e EntityID) String() string {
	return fmt.Sprintf("%s:%s", e.Type, e.ID)
}

// ParseEntityID parses an entity ID string into its components.
func ParseEntityID(s string) (EntityID, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return EntityID{}, fmt.Errorf("invalid entity ID format: %s", s)
	}
	entityType := EntityType(parts[0])
	switch entityType {
	case EntityTypePlan, EntityTypeJob:
		return EntityID{Type: entityType, ID: parts[1]}, nil
	default:
		return EntityID{}, fmt.Errorf("unknown entity type: %s", parts[0])
	}
}

// NewEntityID generates a new unique entity ID for the given type.
func NewEntityID(t EntityType) EntityID {
	return EntityID{
		Type: t,
		ID:   uuid.New().String(),
	}
}

// Store provides plan, check-in, and run-history storage backed by NATS KV.
type Store struct {
	plans    jetstream.KeyValue
	checkins jetstream.KeyValue
	runs     jetstream.KeyValue
}

// NewStore creates a new Store with the given JetStream context.
// It creates the necessary KV buckets if they don't exist.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	plans, err := GetOrCreateBucket(ctx, js, BucketPlans)
	if err != nil {
		return nil, fmt.Errorf("create plans bucket: %w", err)
	}

	checkins, err := GetOrCreateBucket(ctx, js, BucketCheckIns)
	if err != nil {
		return nil, fmt.Errorf("create checkins bucket: %w", err)
	}

	runs, err := GetOrCreateBucket(ctx, js, BucketRuns)
	if err != nil {
		return nil, fmt.Errorf("create runs bucket: %w", err)
	}

	return &Store{
		plans:    plans,
		checkins: checkins,
		runs:     runs,
	}, nil
}

// GetOrCreateBucket returns the named KV bucket, creating it on first use.
// Exported so the job store can manage its own bucket the same way.
func GetOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Planforge %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// SavePlan stores a completed plan and returns its ID.
func (s *Store) SavePlan(ctx context.Context, p *plan.Plan) (EntityID, error) {
	id := NewEntityID(EntityTypePlan)
	p.ID = id.String()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.Status == "" {
		p.Status = "active"
	}

	data, err := json.Marshal(p)
	if err != nil {
		return EntityID{}, fmt.Errorf("marshal plan: %w", err)
	}

	if _, err := s.plans.Create(ctx, id.ID, data); err != nil {
		return EntityID{}, fmt.Errorf("store plan: %w", err)
	}

	return id, nil
}

// GetPlan retrieves a plan by ID.
func (s *Store) GetPlan(ctx context.Context, id EntityID) (*plan.Plan, error) {
	if id.Type != EntityTypePlan {
		return nil, fmt.Errorf("invalid entity type: expected plan, got %s", id.Type)
	}

	entry, err := s.plans.Get(ctx, id.ID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}

	var p plan.Plan
	if err := json.Unmarshal(entry.Value(), &p); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}

	return &p, nil
}

// SetPlanLocked flips a plan's lock flag, preventing or allowing edits.
func (s *Store) SetPlanLocked(ctx context.Context, id EntityID, locked bool) error {
	p, err := s.GetPlan(ctx, id)
	if err != nil {
		return err
	}

	p.IsLocked = locked

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	if _, err := s.plans.Put(ctx, id.ID, data); err != nil {
		return fmt.Errorf("update plan: %w", err)
	}

	return nil
}

// checkInKey keys a check-in by owner and calendar day so a second write the
// same day is a correction, not a duplicate.
func checkInKey(ownerID string, date time.Time) string {
	return fmt.Sprintf("%s.%s", ownerID, date.Format("2006-01-02"))
}

// PutCheckIn stores a check-in, replacing any existing record for the same
// owner and day.
func (s *Store) PutCheckIn(ctx context.Context, c *trend.CheckIn) error {
	if c.OwnerID == "" {
		return fmt.Errorf("check-in owner is required")
	}
	if c.Date.IsZero() {
		return fmt.Errorf("check-in date is required")
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal check-in: %w", err)
	}

	if _, err := s.checkins.Put(ctx, checkInKey(c.OwnerID, c.Date), data); err != nil {
		return fmt.Errorf("store check-in: %w", err)
	}

	return nil
}

// ListCheckIns returns an owner's check-ins in chronological order, capped to
// the most recent limit entries (0 means no cap).
func (s *Store) ListCheckIns(ctx context.Context, ownerID string, limit int) ([]trend.CheckIn, error) {
	keys, err := s.checkins.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list check-in keys: %w", err)
	}

	prefix := ownerID + "."
	checkins := make([]trend.CheckIn, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.checkins.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var c trend.CheckIn
		if err := json.Unmarshal(entry.Value(), &c); err != nil {
			continue
		}
		checkins = append(checkins, c)
	}

	sort.Slice(checkins, func(i, j int) bool {
		return checkins[i].Date.Before(checkins[j].Date)
	})

	if limit > 0 && len(checkins) > limit {
		checkins = checkins[len(checkins)-limit:]
	}
	return checkins, nil
}

// runHistory is the persisted run-history shape, one entry per owner.
type runHistory struct {
	Runs []estimate.RunRecord `json:"runs"`
}

// AppendRun records a completed generation run for an owner, keeping only
// the most recent entries.
func (s *Store) AppendRun(ctx context.Context, ownerID string, rec estimate.RunRecord) error {
	if ownerID == "" {
		return fmt.Errorf("owner is required")
	}

	var hist runHistory
	entry, err := s.runs.Get(ctx, ownerID)
	switch {
	case err == nil:
		if err := json.Unmarshal(entry.Value(), &hist); err != nil {
			return fmt.Errorf("unmarshal run history: %w", err)
		}
	case isNotFound(err):
		// First run for this owner
	default:
		return fmt.Errorf("get run history: %w", err)
	}

	hist.Runs = append(hist.Runs, rec)
	if len(hist.Runs) > estimate.MaxHistory {
		hist.Runs = hist.Runs[len(hist.Runs)-estimate.MaxHistory:]
	}

	data, err := json.Marshal(&hist)
	if err != nil {
		return fmt.Errorf("marshal run history: %w", err)
	}

	if _, err := s.runs.Put(ctx, ownerID, data); err != nil {
		return fmt.Errorf("store run history: %w", err)
	}

	return nil
}

// RecentRuns returns an owner's recorded runs, oldest first.
func (s *Store) RecentRuns(ctx context.Context, ownerID string) ([]estimate.RunRecord, error) {
	entry, err := s.runs.Get(ctx, ownerID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get run history: %w", err)
	}

	var hist runHistory
	if err := json.Unmarshal(entry.Value(), &hist); err != nil {
		return nil, fmt.Errorf("unmarshal run history: %w", err)
	}

	return hist.Runs, nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key not found")
}
