package runtime

import "fmt"

// RetryState is the transient bookkeeping of one ExecuteStep invocation:
// attempt counter, conversation history for the generator, and the last
// observed failure. Created fresh per call, discarded on return.
type RetryState struct {
	Count      int
	History    []Message
	LastError  string
	LastStatus int
}

// Attempt captures what happened during a single try, after execution and
// (when required) validation.
type Attempt struct {
	ExecutionError   string
	Status           int
	ValidationRan    bool
	Validated        bool
	ValidationReason string
}

// ValidationRequired reports whether an attempt's outcome must pass semantic
// validation. A first attempt with self-healing off and outside test mode is
// accepted on execution success alone; every other attempt is validated even
// when execution raised no error, because a 200 can still carry a body that
// does not satisfy the instruction.
func ValidationRequired(selfHealing, testMode bool, retryCount int) bool {
	return selfHealing || testMode || retryCount > 0
}

// Succeeded reports whether an attempt is a success exit. When validation
// ran, only a validated attempt succeeds; when it did not run, the attempt is
// accepted regardless of execution outcome and the caller interprets any
// execution error itself.
func (a Attempt) Succeeded() bool {
	if a.ValidationRan {
		return a.Validated
	}
	return true
}

// NextState folds a failed attempt into the retry state: the counter
// advances, the failure joins the conversation history, and the last
// error/status are recorded for the final error report.
func NextState(s RetryState, a Attempt) RetryState {
	next := RetryState{
		Count:      s.Count + 1,
		History:    s.History,
		LastError:  a.ExecutionError,
		LastStatus: a.Status,
	}

	if next.LastError == "" {
		next.LastError = a.ValidationReason
	}
	if next.LastError == "" {
		next.LastError = "response did not satisfy the instruction"
	}
	if next.LastStatus == 0 {
		next.LastStatus = 500
	}

	next.History = append(next.History, Message{
		Role:    "user",
		Content: fmt.Sprintf("attempt %d failed (status %d): %s", s.Count, next.LastStatus, next.LastError),
	})

	return next
}
