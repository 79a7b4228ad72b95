package types

import (
	"time"

	"go.skia.org/infra/go/util"
)

// TaskResultSummary is the client facing view of a task's progress.
// There is exactly one per request, created when the task is
// scheduled, and it mirrors the most recent run result once a bot
// picks the task up.
type TaskResultSummary struct {
	// Id is the packed summary id, the request id with a '0' suffix.
	Id string

	// Name and User are denormalized from the request for display and
	// search.
	Name string
	User string

	// Created is the request creation time.
	Created time.Time

	// Modified is the last application level change, as opposed to
	// DbModified which tracks raw database writes.
	Modified time.Time

	// Started is when a bot started executing the task. Zero while
	// pending and after a retry re-enqueued the task.
	Started time.Time

	// Completed is when the task reached COMPLETED or TIMED_OUT.
	Completed time.Time

	// Abandoned is when the task was given up on: canceled, expired or
	// terminally BOT_DIED.
	Abandoned time.Time

	// State is the current lifecycle state.
	State State

	// TryNumber is the attempt currently reflected here. 0 means no
	// bot has reaped the task yet; for deduped tasks it stays 0 with
	// DedupedFrom set.
	TryNumber int64

	// BotId and BotVersion identify the bot of the reflected attempt.
	BotId      string
	BotVersion string

	// ServerVersions lists every server version which touched this
	// task.
	ServerVersions []string

	// ExitCodes are the exit codes of the commands run so far.
	ExitCodes []int64

	// Durations are the runtimes in seconds of the commands run so
	// far, parallel to ExitCodes.
	Durations []float64

	// Failure is set when a command exited non zero.
	Failure bool

	// InternalFailure is set when the infrastructure, not the task,
	// failed.
	InternalFailure bool

	// CostsUSD are the estimated costs of each attempt. Empty for
	// deduped tasks.
	CostsUSD []float64

	// CostSavedUSD is the cost of the original task when this one was
	// deduped against it.
	CostSavedUSD float64

	// DedupedFrom is the run id whose results were reused, or "".
	DedupedFrom string

	// PropertiesHash is set while the task is eligible as a dedup
	// source, ie. it is idempotent and completed without failure. It
	// is cleared otherwise so the dedup search index stays small.
	PropertiesHash string

	// ChildrenTaskIds are the run ids of tasks spawned by this task.
	ChildrenTaskIds []string

	// DbModified is the time of the last database write for this
	// entity. Used for concurrency control.
	DbModified time.Time
}

// Copy returns a deep copy of the summary.
func (s *TaskResultSummary) Copy() *TaskResultSummary {
	rv := new(TaskResultSummary)
	*rv = *s
	rv.ServerVersions = util.CopyStringSlice(s.ServerVersions)
	rv.ExitCodes = copyInt64Slice(s.ExitCodes)
	rv.Durations = copyFloat64Slice(s.Durations)
	rv.CostsUSD = copyFloat64Slice(s.CostsUSD)
	rv.ChildrenTaskIds = util.CopyStringSlice(s.ChildrenTaskIds)
	return rv
}

// Done reports whether the summary reached a terminal state.
func (s *TaskResultSummary) Done() bool {
	return s.State.Finished()
}

// PendingDuration returns how long the task sat in the queue, using
// now if it has not started yet.
func (s *TaskResultSummary) PendingDuration(now time.Time) time.Duration {
	if util.TimeIsZero(s.Started) {
		return now.Sub(s.Created)
	}
	return s.Started.Sub(s.Created)
}

// TaskRunResult records one attempt at running a task on one bot. Try
// numbers start at 1; there are at most two attempts per request.
type TaskRunResult struct {
	// Id is the packed run id, the request id with the try number as
	// suffix.
	Id string

	// TryNumber is the attempt number, 1 or 2.
	TryNumber int64

	// BotId and BotVersion identify the bot executing the attempt.
	BotId      string
	BotVersion string

	// State is the current lifecycle state of the attempt. Never
	// PENDING nor CANCELED; those only exist on the summary.
	State State

	// Started is when the bot reaped the task.
	Started time.Time

	// Modified is the last application level change.
	Modified time.Time

	// Completed is when the attempt reached COMPLETED or TIMED_OUT.
	Completed time.Time

	// Abandoned is when the attempt was given up on, ie. BOT_DIED.
	Abandoned time.Time

	// ServerVersions lists every server version which touched this
	// attempt.
	ServerVersions []string

	// ExitCodes are the exit codes of the commands run so far.
	ExitCodes []int64

	// Durations are the runtimes in seconds of the commands run so
	// far, parallel to ExitCodes.
	Durations []float64

	// Failure is set when a command exited non zero.
	Failure bool

	// InternalFailure is set when the infrastructure failed, eg. the
	// bot died.
	InternalFailure bool

	// CostUSD is the estimated cost of this attempt so far.
	CostUSD float64

	// OutputChunks holds, per command, the number of output chunks
	// written so far. 0 means the command never produced output.
	OutputChunks []int64

	// ChildrenTaskIds are the run ids of tasks spawned by this
	// attempt.
	ChildrenTaskIds []string

	// DbModified is the time of the last database write for this
	// entity. Used for concurrency control.
	DbModified time.Time
}

// Copy returns a deep copy of the run result.
func (r *TaskRunResult) Copy() *TaskRunResult {
	rv := new(TaskRunResult)
	*rv = *r
	rv.ServerVersions = util.CopyStringSlice(r.ServerVersions)
	rv.ExitCodes = copyInt64Slice(r.ExitCodes)
	rv.Durations = copyFloat64Slice(r.Durations)
	rv.OutputChunks = copyInt64Slice(r.OutputChunks)
	rv.ChildrenTaskIds = util.CopyStringSlice(r.ChildrenTaskIds)
	return rv
}

// Done reports whether the attempt reached a terminal state.
func (r *TaskRunResult) Done() bool {
	return r.State.Finished()
}

// TaskOutputChunk stores up to one chunk worth of output for one
// command of one attempt. Chunks are written out of order by the bot,
// so a chunk tracks the byte ranges never written to as gaps which
// read back as NUL bytes.
type TaskOutputChunk struct {
	// RunId is the packed run id owning this chunk.
	RunId string

	// Command is the index of the command which produced the output.
	Command int64

	// Index is the chunk number; byte i of the command's output lives
	// at chunk i/ChunkSize offset i%ChunkSize.
	Index int64

	// Chunk is the content written so far, possibly shorter than the
	// chunk size.
	Chunk []byte

	// Gaps are [begin, end) pairs of offsets inside Chunk which were
	// never written, sorted and non overlapping.
	Gaps []int64

	// DbModified is the time of the last database write for this
	// entity.
	DbModified time.Time
}

// Copy returns a deep copy of the chunk.
func (c *TaskOutputChunk) Copy() *TaskOutputChunk {
	rv := new(TaskOutputChunk)
	*rv = *c
	if c.Chunk != nil {
		rv.Chunk = make([]byte, len(c.Chunk))
		copy(rv.Chunk, c.Chunk)
	}
	rv.Gaps = copyInt64Slice(c.Gaps)
	return rv
}

func copyInt64Slice(s []int64) []int64 {
	if s == nil {
		return nil
	}
	rv := make([]int64, len(s))
	copy(rv, s)
	return rv
}

func copyFloat64Slice(s []float64) []float64 {
	if s == nil {
		return nil
	}
	rv := make([]float64, len(s))
	copy(rv, s)
	return rv
}
