package llm

import "time"

// Observer receives completion outcomes for instrumentation. Implementations
// must be safe for concurrent use.
type Observer interface {
	// CompletionSucceeded is called once per successful Complete call.
	CompletionSucceeded(stage, endpoint string, duration time.Duration)

	// CompletionFailed is called for each endpoint that fails, including
	// endpoints that were subsequently covered by a fallback.
	CompletionFailed(stage, endpoint string, kind ErrorKind)
}

type nopObserver struct{}

func (nopObserver) CompletionSucceeded(string, string, time.Duration) {}
func (nopObserver) CompletionFailed(string, string, ErrorKind)        {}
