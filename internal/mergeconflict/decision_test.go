package mergeconflict_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/3mdistal/ralph/internal/mergeconflict"
)

func failed(n int, sig string, class mergeconflict.FailureClass) mergeconflict.Attempt {
	return mergeconflict.Attempt{Attempt: n, Signature: sig, Status: mergeconflict.AttemptFailed, FailureClass: class}
}

func TestComputeDecision(t *testing.T) {
	tests := []struct {
		name      string
		attempts  []mergeconflict.Attempt
		signature string
		max       int
		want      mergeconflict.Decision
	}{
		{
			name:      "no history",
			signature: "s1",
			max:       3,
			want:      mergeconflict.Decision{},
		},
		{
			name:      "repeat after merge-content failure stops",
			attempts:  []mergeconflict.Attempt{failed(1, "s1", mergeconflict.FailureMergeContent)},
			signature: "s1",
			max:       3,
			want:      mergeconflict.Decision{Stop: true, Code: mergeconflict.CodeRepeatMergeContent},
		},
		{
			name:      "first runtime repeat gets a grace retry",
			attempts:  []mergeconflict.Attempt{failed(1, "s1", mergeconflict.FailureRuntime)},
			signature: "s1",
			max:       3,
			want:      mergeconflict.Decision{GraceRetry: true},
		},
		{
			name: "second consecutive runtime repeat stops",
			attempts: []mergeconflict.Attempt{
				failed(1, "s1", mergeconflict.FailureRuntime),
				failed(2, "s1", mergeconflict.FailureRuntime),
			},
			signature: "s1",
			max:       5,
			want:      mergeconflict.Decision{Stop: true, Code: mergeconflict.CodeRepeatRuntime},
		},
		{
			name: "runtime repeats on another signature do not count",
			attempts: []mergeconflict.Attempt{
				failed(1, "s0", mergeconflict.FailureRuntime),
				failed(2, "s1", mergeconflict.FailureRuntime),
			},
			signature: "s1",
			max:       5,
			want:      mergeconflict.Decision{GraceRetry: true},
		},
		{
			name:      "repeat of a legacy record stops",
			attempts:  []mergeconflict.Attempt{failed(1, "s1", "")},
			signature: "s1",
			max:       3,
			want:      mergeconflict.Decision{Stop: true, Code: mergeconflict.CodeRepeatLegacy},
		},
		{
			name:      "repeat of an unknown class stops",
			attempts:  []mergeconflict.Attempt{failed(1, "s1", mergeconflict.FailureUnknown)},
			signature: "s1",
			max:       3,
			want:      mergeconflict.Decision{Stop: true, Code: mergeconflict.CodeRepeatLegacy},
		},
		{
			name:      "novel signature after merge-content failure continues",
			attempts:  []mergeconflict.Attempt{failed(1, "s1", mergeconflict.FailureMergeContent)},
			signature: "s2",
			max:       3,
			want:      mergeconflict.Decision{},
		},
		{
			name: "novel signature at the attempt ceiling is exhausted",
			attempts: []mergeconflict.Attempt{
				failed(1, "s1", mergeconflict.FailureMergeContent),
				failed(2, "s2", mergeconflict.FailureRuntime),
			},
			signature: "s3",
			max:       2,
			want:      mergeconflict.Decision{Stop: true, Code: mergeconflict.CodeAttemptsExhausted, AttemptsExhausted: true},
		},
		{
			name:      "grace retry still respects the ceiling",
			attempts:  []mergeconflict.Attempt{failed(1, "s1", mergeconflict.FailureRuntime)},
			signature: "s1",
			max:       1,
			want:      mergeconflict.Decision{Stop: true, Code: mergeconflict.CodeAttemptsExhausted, AttemptsExhausted: true},
		},
		{
			name:      "a succeeded attempt with the same signature is not a repeat",
			attempts:  []mergeconflict.Attempt{{Attempt: 1, Signature: "s1", Status: mergeconflict.AttemptSucceeded}},
			signature: "s1",
			max:       3,
			want:      mergeconflict.Decision{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeconflict.ComputeDecision(tt.attempts, tt.signature, tt.max)
			assert.Equal(t, tt.want.Stop, got.Stop, "Stop")
			assert.Equal(t, tt.want.Code, got.Code, "Code")
			assert.Equal(t, tt.want.AttemptsExhausted, got.AttemptsExhausted, "AttemptsExhausted")
			assert.Equal(t, tt.want.GraceRetry, got.GraceRetry, "GraceRetry")
			if got.Stop {
				assert.NotEmpty(t, got.Reason)
			}
		})
	}
}
