//go:build integration

package job

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planforge/planforge/internal/natstest"
	"github.com/planforge/planforge/llm"
	_ "github.com/planforge/planforge/llm/providers"
	"github.com/planforge/planforge/plan"
	"github.com/planforge/planforge/storage"
)

type testEnv struct {
	orch     *Orchestrator
	jobs     *Store
	entities *storage.Store
	subject  func(t *testing.T) <-chan Event
}

// newTestEnv wires a full orchestrator against an embedded NATS server and
// the given completion endpoints (one per stage; verURL empty reuses genURL).
func newTestEnv(t *testing.T, genURL, verURL string, cfg Config) *testEnv {
	t.Helper()
	nc, js := natstest.Start(t)
	ctx := context.Background()

	entities, err := storage.NewStore(ctx, js)
	require.NoError(t, err)
	jobs, err := NewStore(ctx, js, nil)
	require.NoError(t, err)

	endpoints := []llm.Endpoint{
		{Name: "gen", Provider: "ollama", URL: genURL, Model: "mock", Timeout: 5 * time.Second},
	}
	chains := map[string][]string{llm.StageGeneration: {"gen"}}
	if verURL != "" {
		endpoints = append(endpoints,
			llm.Endpoint{Name: "ver", Provider: "ollama", URL: verURL, Model: "mock", Timeout: 5 * time.Second})
		chains[llm.StageVerification] = []string{"ver"}
	}
	registry, err := llm.NewRegistry(endpoints, chains)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	client := llm.NewClient(registry, llm.WithLogger(logger))
	notifier, err := NewNotifier(ctx, js, logger)
	require.NoError(t, err)
	orch := New(jobs, entities, client, notifier, nil, cfg, logger)

	subject := func(t *testing.T) <-chan Event {
		t.Helper()
		ch := make(chan Event, 8)
		sub, err := nc.Subscribe("planforge.events.>", func(msg *nats.Msg) {
			var evt Event
			if json.Unmarshal(msg.Data, &evt) == nil {
				ch <- evt
			}
		})
		require.NoError(t, err)
		t.Cleanup(func() { sub.Unsubscribe() })
		return ch
	}

	return &testEnv{orch: orch, jobs: jobs, entities: entities, subject: subject}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testProfile() *plan.Profile {
	return &plan.Profile{
		TrainingDays:       3,
		Equipment:          []string{"dumbbells"},
		DailyCalorieTarget: 2200,
		DailyProteinTarget: 150,
		Goal:               plan.GoalMaintain,
	}
}

// validPlanJSON builds a seven-day plan that satisfies every structural
// invariant for the test profile.
func validPlanJSON(t *testing.T, p *plan.Profile) string {
	t.Helper()
	days := make(map[string]*plan.DayPlan, len(plan.DayKeys))
	for _, key := range plan.DayKeys {
		days[key] = &plan.DayPlan{
			Workout: &plan.Workout{
				Focus:  "full body",
				Blocks: []plan.Block{{Exercise: "goblet squat", Sets: 3, Reps: "10", RIR: "2"}},
			},
			Nutrition: &plan.Nutrition{
				TotalKcal: p.DailyCalorieTarget,
				ProteinG:  p.DailyProteinTarget,
				Meals:     []plan.Meal{{Name: "bowl", Kcal: p.DailyCalorieTarget, ProteinG: p.DailyProteinTarget}},
			},
		}
	}
	data, err := json.Marshal(&plan.Plan{Days: days})
	require.NoError(t, err)
	return string(data)
}

// completionServer serves OpenAI-style chat completions with fixed content.
func completionServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"model": "mock",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCreateJob_IdempotentPerOwner(t *testing.T) {
	srv := completionServer(t, "{}")
	env := newTestEnv(t, srv.URL, "", Config{})
	ctx := context.Background()

	first, status, err := env.orch.CreateJob(ctx, "owner-1", testProfile(), RedoOptions{})
	require.NoError(t, err)
	assert.Equal(t, CreateStatusCreated, status)
	assert.Equal(t, StatusPending, first.Status)

	again, status, err := env.orch.CreateJob(ctx, "owner-1", testProfile(), RedoOptions{})
	require.NoError(t, err)
	assert.Equal(t, CreateStatusExisting, status)
	assert.Equal(t, first.ID, again.ID)

	other, status, err := env.orch.CreateJob(ctx, "owner-2", testProfile(), RedoOptions{})
	require.NoError(t, err)
	assert.Equal(t, CreateStatusCreated, status)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestCreateJob_RedoSupersedesAndIsCapped(t *testing.T) {
	srv := completionServer(t, "{}")
	env := newTestEnv(t, srv.URL, "", Config{MaxRedosPerDay: 1})
	ctx := context.Background()

	first, _, err := env.orch.CreateJob(ctx, "owner-1", testProfile(), RedoOptions{})
	require.NoError(t, err)

	redo, status, err := env.orch.CreateJob(ctx, "owner-1", testProfile(), RedoOptions{Redo: true})
	require.NoError(t, err)
	assert.Equal(t, CreateStatusRedoStarted, status)
	assert.True(t, redo.Redo)

	superseded, err := env.jobs.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, superseded.Status)
	assert.Equal(t, CodeCancelled, superseded.ErrorCode)

	_, _, err = env.orch.CreateJob(ctx, "owner-1", testProfile(), RedoOptions{Redo: true})
	assert.ErrorIs(t, err, ErrRedoLimit)

	// The rejected redo must leave the queued job untouched.
	kept, err := env.jobs.Get(ctx, redo.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, kept.Status)
	assert.Empty(t, kept.ErrorCode)
}

func TestCreateJob_RedoRejectedWhileProcessing(t *testing.T) {
	srv := completionServer(t, "{}")
	env := newTestEnv(t, srv.URL, "", Config{})
	ctx := context.Background()

	_, _, err := env.orch.CreateJob(ctx, "owner-1", testProfile(), RedoOptions{})
	require.NoError(t, err)
	_, err = env.orch.ClaimNextPending(ctx, "w1")
	require.NoError(t, err)

	_, status, err := env.orch.CreateJob(ctx, "owner-1", testProfile(), RedoOptions{Redo: true})
	assert.ErrorIs(t, err, ErrRedoWhileProcessing)
	assert.Equal(t, CreateStatusExisting, status)
}

func TestClaimNextPending_SingleWinnerUnderContention(t *testing.T) {
	srv := completionServer(t, "{}")
	env := newTestEnv(t, srv.URL, "", Config{})
	ctx := context.Background()

	created, _, err := env.orch.CreateJob(ctx, "owner-1", testProfile(), RedoOptions{})
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			j, err := env.orch.ClaimNextPending(ctx, "w"+string(rune('a'+id)))
			if err == nil {
				wins <- j.ID
			} else if !errors.Is(err, ErrNoPending) {
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var claimed []string
	for id := range wins {
		claimed = append(claimed, id)
	}
	require.Len(t, claimed, 1, "exactly one worker must win the claim")
	assert.Equal(t, created.ID, claimed[0])

	j, err := env.jobs.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, j.Status)
	require.NotNil(t, j.Lease)
	assert.NotNil(t, j.StartedAt)
}

func TestClaimNextPending_OldestFirst(t *testing.T) {
	srv := completionServer(t, "{}")
	env := newTestEnv(t, srv.URL, "", Config{})
	ctx := context.Background()

	older := &Job{OwnerID: "owner-1", Profile: testProfile(), CreatedAt: time.Now().Add(-time.Hour).UTC()}
	require.NoError(t, env.jobs.Create(ctx, older))
	newer := &Job{OwnerID: "owner-2", Profile: testProfile()}
	require.NoError(t, env.jobs.Create(ctx, newer))

	j, err := env.orch.ClaimNextPending(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, older.ID, j.ID)
}

func TestRunJob_EndToEnd(t *testing.T) {
	profile := testProfile()
	srv := completionServer(t, validPlanJSON(t, profile))
	env := newTestEnv(t, srv.URL, "", Config{})
	ctx := context.Background()
	events := env.subject(t)

	created, _, err := env.orch.CreateJob(ctx, "owner-1", profile, RedoOptions{})
	require.NoError(t, err)
	claimed, err := env.orch.ClaimNextPending(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, env.orch.RunJob(ctx, claimed))

	done, err := env.jobs.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.NotEmpty(t, done.ResultPlanID)
	assert.NotNil(t, done.CompletedAt)
	assert.Nil(t, done.Lease)

	stored, err := env.entities.GetPlan(ctx, storage.EntityID{Type: storage.EntityTypePlan, ID: done.ResultPlanID})
	require.NoError(t, err)
	assert.Equal(t, "owner-1", stored.OwnerID)
	assert.Len(t, stored.Days, 7)

	runs, err := env.entities.RecentRuns(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Success)

	select {
	case evt := <-events:
		assert.Equal(t, EventPlanReady, evt.Type)
		assert.Equal(t, created.ID, evt.JobID)
		assert.Equal(t, "owner-1", evt.OwnerID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a plan_ready event")
	}
}

func TestRunJob_ParseFailureFailsJob(t *testing.T) {
	srv := completionServer(t, "sorry, I cannot produce a plan today")
	env := newTestEnv(t, srv.URL, "", Config{})
	ctx := context.Background()
	events := env.subject(t)

	created, _, err := env.orch.CreateJob(ctx, "owner-1", testProfile(), RedoOptions{})
	require.NoError(t, err)
	claimed, err := env.orch.ClaimNextPending(ctx, "w1")
	require.NoError(t, err)

	require.Error(t, env.orch.RunJob(ctx, claimed))

	failed, err := env.jobs.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, CodeParseFailed, failed.ErrorCode)
	assert.NotContains(t, failed.ErrorMessage, "sorry", "model text must not leak")

	runs, err := env.entities.RecentRuns(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Success)

	select {
	case evt := <-events:
		assert.Equal(t, EventPlanError, evt.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a plan_error event")
	}
}

func TestRunJob_UnusableVerificationKeepsFirstPlan(t *testing.T) {
	profile := testProfile()
	genSrv := completionServer(t, validPlanJSON(t, profile))
	verSrv := completionServer(t, "not even close to JSON")
	env := newTestEnv(t, genSrv.URL, verSrv.URL, Config{})
	ctx := context.Background()

	created, _, err := env.orch.CreateJob(ctx, "owner-1", profile, RedoOptions{})
	require.NoError(t, err)
	claimed, err := env.orch.ClaimNextPending(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, env.orch.RunJob(ctx, claimed))

	done, err := env.jobs.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.NotEmpty(t, done.ResultPlanID)
}

func TestReclaimStuckJob_RequeuesThenExhausts(t *testing.T) {
	srv := completionServer(t, "{}")
	env := newTestEnv(t, srv.URL, "", Config{LeaseDuration: 20 * time.Millisecond, MaxRetries: 1})
	ctx := context.Background()

	created, _, err := env.orch.CreateJob(ctx, "owner-1", testProfile(), RedoOptions{})
	require.NoError(t, err)

	// First abandonment: back to pending with the retry counted.
	_, err = env.orch.ClaimNextPending(ctx, "w1")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, env.orch.ReclaimStuckJob(ctx, created.ID))

	j, err := env.jobs.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, 1, j.RetryCount)
	assert.Nil(t, j.Lease)
	assert.Nil(t, j.StartedAt)

	// Second abandonment: retries are spent, terminal failure.
	_, err = env.orch.ClaimNextPending(ctx, "w2")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, env.orch.ReclaimStuckJob(ctx, created.ID))

	j, err = env.jobs.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, CodeRetriesExhausted, j.ErrorCode)
}

func TestReclaimStuckJob_LeavesHealthyJobsAlone(t *testing.T) {
	srv := completionServer(t, "{}")
	env := newTestEnv(t, srv.URL, "", Config{})
	ctx := context.Background()

	created, _, err := env.orch.CreateJob(ctx, "owner-1", testProfile(), RedoOptions{})
	require.NoError(t, err)
	_, err = env.orch.ClaimNextPending(ctx, "w1")
	require.NoError(t, err)

	err = env.orch.ReclaimStuckJob(ctx, created.ID)
	var stateErr *StateError
	assert.ErrorAs(t, err, &stateErr)

	j, err := env.jobs.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, j.Status)
}

func TestSweepStuck(t *testing.T) {
	srv := completionServer(t, "{}")
	env := newTestEnv(t, srv.URL, "", Config{LeaseDuration: 20 * time.Millisecond})
	ctx := context.Background()

	for _, owner := range []string{"owner-1", "owner-2"} {
		_, _, err := env.orch.CreateJob(ctx, owner, testProfile(), RedoOptions{})
		require.NoError(t, err)
		_, err = env.orch.ClaimNextPending(ctx, "w1")
		require.NoError(t, err)
	}
	time.Sleep(50 * time.Millisecond)

	n, err := env.orch.SweepStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := env.jobs.ListByStatus(ctx, StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestWorker_RunProcessesQueue(t *testing.T) {
	profile := testProfile()
	srv := completionServer(t, validPlanJSON(t, profile))
	env := newTestEnv(t, srv.URL, "", Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	created, _, err := env.orch.CreateJob(ctx, "owner-1", profile, RedoOptions{})
	require.NoError(t, err)

	w := NewWorker(env.orch, "w1", 10*time.Millisecond, SweepOff, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		j, err := env.jobs.Get(context.Background(), created.ID)
		return err == nil && j.Status == StatusCompleted
	}, 5*time.Second, 25*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on context cancellation")
	}
}

func TestCancelJob(t *testing.T) {
	profile := testProfile()
	srv := completionServer(t, validPlanJSON(t, profile))
	env := newTestEnv(t, srv.URL, "", Config{})
	ctx := context.Background()

	created, _, err := env.orch.CreateJob(ctx, "owner-1", profile, RedoOptions{})
	require.NoError(t, err)

	require.NoError(t, env.orch.CancelJob(ctx, created.ID))
	j, err := env.jobs.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, CodeCancelled, j.ErrorCode)

	// Cancelling twice is a no-op.
	require.NoError(t, env.orch.CancelJob(ctx, created.ID))

	// A completed job cannot be cancelled.
	done, _, err := env.orch.CreateJob(ctx, "owner-2", profile, RedoOptions{})
	require.NoError(t, err)
	claimed, err := env.orch.ClaimNextPending(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, env.orch.RunJob(ctx, claimed))

	err = env.orch.CancelJob(ctx, done.ID)
	var stateErr *StateError
	assert.ErrorAs(t, err, &stateErr)
}
