package retry

import "time"

// GlobalMaxAttempts is the hard ceiling on verification attempts per task,
// regardless of failure type. A safety cap against retry loops.
const GlobalMaxAttempts = 3

// Strategy is the retry policy for one failure type.
type Strategy struct {
	ShouldRetry         bool          `json:"should_retry"`
	Delay               time.Duration `json:"delay"`
	MaxAttempts         int           `json:"max_attempts"`
	RequiresHumanReview bool          `json:"requires_human_review"`
}

var strategies = map[FailureType]Strategy{
	FailureSyntax:   {ShouldRetry: true, Delay: 5 * time.Second, MaxAttempts: 3},
	FailureTypes:    {ShouldRetry: true, Delay: 10 * time.Second, MaxAttempts: 3},
	FailureLint:     {ShouldRetry: true, Delay: 5 * time.Second, MaxAttempts: 2},
	FailureTests:    {ShouldRetry: true, Delay: 30 * time.Second, MaxAttempts: 2, RequiresHumanReview: true},
	FailureSemantic: {ShouldRetry: false, MaxAttempts: 1, RequiresHumanReview: true},
	FailureTimeout:  {ShouldRetry: true, Delay: 60 * time.Second, MaxAttempts: 2},
	FailureUnknown:  {ShouldRetry: true, Delay: 30 * time.Second, MaxAttempts: 1, RequiresHumanReview: true},
}

// StrategyFor looks up the fixed policy table. Unrecognized types get the
// UNKNOWN policy.
func StrategyFor(failure FailureType) Strategy {
	if s, ok := strategies[failure]; ok {
		return s
	}
	return strategies[FailureUnknown]
}
