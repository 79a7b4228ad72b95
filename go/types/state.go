package types

import "fmt"

// State is the lifecycle state of a task. Stored as its string name so
// that database dumps stay readable.
type State string

const (
	// TaskPending means the task is waiting in the queue for a bot.
	TaskPending State = "PENDING"

	// TaskRunning means a bot reaped the task and is executing it.
	TaskRunning State = "RUNNING"

	// TaskCompleted means the task ran to completion, successfully or
	// not. Check Failure for the outcome.
	TaskCompleted State = "COMPLETED"

	// TaskExpired means no bot reaped the task before its scheduling
	// deadline.
	TaskExpired State = "EXPIRED"

	// TaskTimedOut means the task was killed after exceeding its
	// execution or I/O timeout.
	TaskTimedOut State = "TIMED_OUT"

	// TaskBotDied means the bot running the task stopped responding
	// and all retries were exhausted.
	TaskBotDied State = "BOT_DIED"

	// TaskCanceled means the task was canceled by a user before a bot
	// reaped it.
	TaskCanceled State = "CANCELED"
)

var (
	// TaskStatesRunning are the states in which a task still makes
	// progress.
	TaskStatesRunning = []State{TaskPending, TaskRunning}

	// TaskStatesFinished are the terminal states.
	TaskStatesFinished = []State{TaskCompleted, TaskExpired, TaskTimedOut, TaskBotDied, TaskCanceled}
)

// Valid reports whether s is one of the known task states.
func (s State) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskExpired, TaskTimedOut, TaskBotDied, TaskCanceled:
		return true
	}
	return false
}

// Finished reports whether s is terminal. A finished task never
// changes state again.
func (s State) Finished() bool {
	switch s {
	case TaskCompleted, TaskExpired, TaskTimedOut, TaskBotDied, TaskCanceled:
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (s State) String() string {
	return string(s)
}

// ValidateState returns an error if s is not a known task state.
func ValidateState(s State) error {
	if !s.Valid() {
		return fmt.Errorf("invalid task state %q", string(s))
	}
	return nil
}
