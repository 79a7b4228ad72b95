// Package torun manages the scheduling queue. Each pending task has
// one queue entry, ordered by priority then creation time, which a bot
// claims atomically when it reaps the task.
package torun

import (
	"context"
	"time"

	"github.com/madecoste/swarming/go/db"
	"github.com/madecoste/swarming/go/taskpack"
	"github.com/madecoste/swarming/go/types"
)

// priorityShift places the priority above the 43 bits of milliseconds
// in a queue number, so entries sort by priority first and FIFO
// within a priority.
const priorityShift = 47

// QueueNumber computes the queue sort key for a request. Lower is
// scheduled earlier. Never 0; 0 marks a claimed entry.
func QueueNumber(r *types.TaskRequest) int64 {
	ms := r.Created.Sub(taskpack.BeginningOfTheWorld).Milliseconds()
	return (r.Priority << priorityShift) | ms
}

// New builds the queue entry for a request. The entry is not stored.
func New(r *types.TaskRequest) *types.TaskToRun {
	return &types.TaskToRun{
		TaskId:      r.Id,
		Dimensions:  r.Properties.Dimensions,
		QueueNumber: QueueNumber(r),
		Expiration:  r.Expiration,
	}
}

// Rearm resets a claimed entry so the task becomes pending again,
// keeping its original place in the queue. Used when a bot died on the
// first attempt.
func Rearm(t *types.TaskToRun, r *types.TaskRequest) {
	t.QueueNumber = QueueNumber(r)
}

// Matches reports whether a bot's dimensions satisfy a queue entry.
// Every dimension of the entry must be one of the bot's values for
// that key; the bot may have more.
func Matches(t *types.TaskToRun, botDimensions map[string][]string) bool {
	for k, v := range t.Dimensions {
		found := false
		for _, botV := range botDimensions[k] {
			if botV == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// IterMatching calls cb for available queue entries matching the bot's
// dimensions, best candidate first, until cb returns false or an
// error.
func IterMatching(ctx context.Context, d db.ToRunDB, now time.Time, botDimensions map[string][]string, cb func(*types.TaskToRun) (bool, error)) error {
	return d.IterAvailable(ctx, now, func(t *types.TaskToRun) (bool, error) {
		if !Matches(t, botDimensions) {
			return true, nil
		}
		return cb(t)
	})
}
