package mergeconflict

import "fmt"

// Decision codes
const (
	CodeRepeatMergeContent = "repeat-merge-content"
	CodeRepeatRuntime      = "repeat-runtime"
	CodeRepeatLegacy       = "repeat-legacy"
	CodeAttemptsExhausted  = "attempts-exhausted"
)

// Decision is the gate's verdict before a new attempt
type Decision struct {
	Stop              bool
	Code              string
	Reason            string
	AttemptsExhausted bool
	GraceRetry        bool
}

// ComputeDecision decides whether another attempt may run for signature.
// A repeat of the previous failed attempt's signature stops immediately for
// merge-content and legacy failures, and after one grace retry for runtime
// failures. Reaching maxAttempts stops regardless of signature.
func ComputeDecision(attempts []Attempt, signature string, maxAttempts int) Decision {
	if n := len(attempts); n > 0 {
		last := attempts[n-1]
		if last.Status == AttemptFailed && last.Signature == signature {
			switch last.FailureClass {
			case FailureMergeContent:
				return Decision{
					Stop:   true,
					Code:   CodeRepeatMergeContent,
					Reason: fmt.Sprintf("conflict unchanged after attempt %d resolved content", last.Attempt),
				}
			case FailureRuntime:
				if repeats := trailingRuntimeFailures(attempts, signature); repeats >= 2 {
					return Decision{
						Stop:   true,
						Code:   CodeRepeatRuntime,
						Reason: fmt.Sprintf("%d consecutive runtime failures on the same conflict", repeats),
					}
				}
				if n >= maxAttempts {
					return exhausted(n, maxAttempts)
				}
				return Decision{GraceRetry: true, Reason: "grace retry after runtime failure"}
			default:
				return Decision{
					Stop:   true,
					Code:   CodeRepeatLegacy,
					Reason: fmt.Sprintf("conflict repeats attempt %d with unknown failure class", last.Attempt),
				}
			}
		}
	}

	if len(attempts) >= maxAttempts {
		return exhausted(len(attempts), maxAttempts)
	}
	return Decision{}
}

func exhausted(n, maxAttempts int) Decision {
	return Decision{
		Stop:              true,
		Code:              CodeAttemptsExhausted,
		Reason:            fmt.Sprintf("%d of %d attempts used", n, maxAttempts),
		AttemptsExhausted: true,
	}
}

// trailingRuntimeFailures counts consecutive failed runtime attempts with
// signature at the end of the log
func trailingRuntimeFailures(attempts []Attempt, signature string) int {
	count := 0
	for i := len(attempts) - 1; i >= 0; i-- {
		a := attempts[i]
		if a.Status != AttemptFailed || a.FailureClass != FailureRuntime || a.Signature != signature {
			break
		}
		count++
	}
	return count
}
