package db

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/madecoste/swarming/go/config"
	"github.com/madecoste/swarming/go/types"
)

const (
	// Retries attempted by UpdateRunWithRetries.
	NUM_RETRIES = 5
)

var (
	ErrAlreadyExists    = errors.New("Entity already exists.")
	ErrConcurrentUpdate = errors.New("Concurrent update!")
	ErrNotFound         = errors.New("Entity not found.")
)

// IsAlreadyExists reports whether e wraps ErrAlreadyExists.
func IsAlreadyExists(e error) bool {
	return e != nil && errors.Is(e, ErrAlreadyExists)
}

// IsConcurrentUpdate reports whether e wraps ErrConcurrentUpdate.
func IsConcurrentUpdate(e error) bool {
	return e != nil && errors.Is(e, ErrConcurrentUpdate)
}

// IsNotFound reports whether e wraps ErrNotFound.
func IsNotFound(e error) bool {
	return e != nil && errors.Is(e, ErrNotFound)
}

// RequestDB stores TaskRequests. Requests are immutable once stored;
// there is no update method.
type RequestDB interface {
	// GetTaskRequest returns the request with the given packed id, or
	// ErrNotFound.
	GetTaskRequest(ctx context.Context, id string) (*types.TaskRequest, error)

	// PutTaskRequest stores a new request. Returns ErrAlreadyExists if
	// a request with the same id exists, in which case the caller
	// allocates a fresh id and tries again. The request's DbModified
	// timestamp is set as a side effect.
	PutTaskRequest(ctx context.Context, r *types.TaskRequest) error
}

// ResultDB stores the mutable result entities of tasks.
//
// Writes use optimistic concurrency: an existing entity may only be
// written when its DbModified timestamp equals the stored one, and
// every write advances the timestamp. A mismatch returns
// ErrConcurrentUpdate and the caller re-reads and retries.
type ResultDB interface {
	// GetResultSummary returns the summary with the given packed id,
	// or ErrNotFound.
	GetResultSummary(ctx context.Context, id string) (*types.TaskResultSummary, error)

	// GetRunResult returns the run result with the given packed id, or
	// ErrNotFound.
	GetRunResult(ctx context.Context, id string) (*types.TaskRunResult, error)

	// PutResults writes some combination of a summary, a run result and
	// output chunks in one atomic commit. Each part may be nil.
	PutResults(ctx context.Context, summary *types.TaskResultSummary, run *types.TaskRunResult, chunks []*types.TaskOutputChunk) error

	// GetOutputChunk returns the given chunk of output, or ErrNotFound
	// if it was never written.
	GetOutputChunk(ctx context.Context, runID string, command, index int64) (*types.TaskOutputChunk, error)

	// SearchDedup returns a completed, successful summary whose
	// properties hash matches, created at or after cutoff, preferring
	// the most recent. Returns nil if there is none.
	SearchDedup(ctx context.Context, propertiesHash string, cutoff time.Time) (*types.TaskResultSummary, error)

	// IterRunningRunResults calls cb for run results which are still
	// in RUNNING state but were last modified before the given time,
	// ie. their bot went silent. Iteration stops when cb returns false
	// or an error.
	IterRunningRunResults(ctx context.Context, modifiedBefore time.Time, cb func(*types.TaskRunResult) (bool, error)) error
}

// ToRunDB stores the scheduling queue.
type ToRunDB interface {
	// GetToRun returns the queue entry for a packed request id, or
	// ErrNotFound.
	GetToRun(ctx context.Context, taskID string) (*types.TaskToRun, error)

	// PutToRun writes a queue entry, subject to the same DbModified
	// rules as ResultDB writes.
	PutToRun(ctx context.Context, t *types.TaskToRun) error

	// IterAvailable calls cb for unclaimed, unexpired queue entries in
	// queue number order, ie. best candidate first. Iteration stops
	// when cb returns false or an error.
	IterAvailable(ctx context.Context, now time.Time, cb func(*types.TaskToRun) (bool, error)) error

	// IterExpired calls cb for unclaimed queue entries whose deadline
	// passed. Iteration stops when cb returns false or an error.
	IterExpired(ctx context.Context, now time.Time, cb func(*types.TaskToRun) (bool, error)) error
}

// DB is the complete scheduler database.
type DB interface {
	io.Closer
	RequestDB
	ResultDB
	ToRunDB
	config.Store

	// Schedule atomically writes the summary and queue entry for a
	// freshly created or re-triaged task, subject to the usual
	// DbModified rules for both.
	Schedule(ctx context.Context, summary *types.TaskResultSummary, toRun *types.TaskToRun) error

	// ReapToRun atomically claims a queue entry and writes the summary
	// and new run result for the attempt. The entry is claimed only if
	// its queue number still matches toRun's original value; returns
	// false without writing anything when another bot won the race.
	ReapToRun(ctx context.Context, toRun *types.TaskToRun, summary *types.TaskResultSummary, run *types.TaskRunResult) (bool, error)
}

// UpdateRunWithRetries runs f up to NUM_RETRIES times while it returns
// ErrConcurrentUpdate, re-reading the entities inside f each time. Any
// other error aborts immediately.
func UpdateRunWithRetries(ctx context.Context, f func(ctx context.Context) error) error {
	var err error
	for i := 0; i < NUM_RETRIES; i++ {
		err = f(ctx)
		if !IsConcurrentUpdate(err) {
			return err
		}
	}
	return err
}
