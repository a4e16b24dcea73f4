package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planforge/planforge/llm"
)

func TestService_JobMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	svc := NewService(reg)

	svc.RecordJobTransition("pending")
	svc.RecordJobTransition("processing")
	svc.RecordJobTransition("processing")
	svc.RecordJobDuration(30 * time.Second)
	svc.RecordReclaim()
	svc.RecordClaimConflict()
	svc.RecordClaimConflict()

	assert.Equal(t, 1.0, testutil.ToFloat64(svc.JobTransitionsTotal.WithLabelValues("pending")))
	assert.Equal(t, 2.0, testutil.ToFloat64(svc.JobTransitionsTotal.WithLabelValues("processing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.JobsReclaimedTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(svc.ClaimConflictsTotal))
}

func TestService_ObserverInterface(t *testing.T) {
	reg := prometheus.NewRegistry()
	svc := NewService(reg)

	// The service must satisfy the gateway's instrumentation hook.
	var obs llm.Observer = svc

	obs.CompletionSucceeded("generation", "claude", 2*time.Second)
	obs.CompletionFailed("generation", "claude", llm.KindTimeout)
	obs.CompletionFailed("generation", "gpt", llm.KindRateLimit)

	assert.Equal(t, 1.0, testutil.ToFloat64(svc.CompletionsTotal.WithLabelValues("generation", "claude", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.CompletionsTotal.WithLabelValues("generation", "claude", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.ProviderFailuresTotal.WithLabelValues("claude", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.ProviderFailuresTotal.WithLabelValues("gpt", "rate_limit")))
}

func TestService_ParseStage(t *testing.T) {
	reg := prometheus.NewRegistry()
	svc := NewService(reg)

	svc.RecordParseStage("strict")
	svc.RecordParseStage("truncation")
	svc.RecordParseStage("truncation")

	assert.Equal(t, 1.0, testutil.ToFloat64(svc.ParseStagesTotal.WithLabelValues("strict")))
	assert.Equal(t, 2.0, testutil.ToFloat64(svc.ParseStagesTotal.WithLabelValues("truncation")))
}

func TestService_NilSafe(t *testing.T) {
	var svc *Service

	require.NotPanics(t, func() {
		svc.RecordJobTransition("pending")
		svc.RecordJobDuration(time.Second)
		svc.RecordReclaim()
		svc.RecordClaimConflict()
		svc.RecordParseStage("strict")
		svc.CompletionSucceeded("generation", "x", time.Second)
		svc.CompletionFailed("generation", "x", llm.KindUnknown)
	})
}
