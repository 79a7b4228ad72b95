package types

import (
	"time"

	"go.skia.org/infra/go/util"
)

// TaskToRun is the queue entry for a pending task. One exists per
// request; reaping clears QueueNumber instead of deleting the row so
// that a retry can re-arm it.
type TaskToRun struct {
	// TaskId is the packed request id this entry schedules.
	TaskId string

	// Dimensions are denormalized from the request properties so that
	// matching does not need a request read per candidate.
	Dimensions map[string]string

	// QueueNumber orders the queue: priority in the high bits, then
	// milliseconds since the id epoch. 0 means the entry is claimed
	// and not schedulable.
	QueueNumber int64

	// Expiration is the deadline for a bot to reap this entry.
	Expiration time.Time

	// DbModified is the time of the last database write for this
	// entity. Used for concurrency control.
	DbModified time.Time
}

// Claimed reports whether the entry was reaped.
func (t *TaskToRun) Claimed() bool {
	return t.QueueNumber == 0
}

// Copy returns a deep copy of the entry.
func (t *TaskToRun) Copy() *TaskToRun {
	rv := new(TaskToRun)
	*rv = *t
	rv.Dimensions = util.CopyStringMap(t.Dimensions)
	return rv
}

// TaskToRunSlice implements sort.Interface, ordering by queue number.
type TaskToRunSlice []*TaskToRun

func (s TaskToRunSlice) Len() int { return len(s) }
func (s TaskToRunSlice) Less(a, b int) bool {
	return s[a].QueueNumber < s[b].QueueNumber
}
func (s TaskToRunSlice) Swap(a, b int) { s[a], s[b] = s[b], s[a] }
