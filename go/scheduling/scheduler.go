// Package scheduling implements the task scheduler: it accepts task
// requests, deduplicates idempotent ones, hands queued tasks to bots,
// ingests bot updates and runs the cron sweeps which clean up after
// silent bots and expired queue entries.
package scheduling

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"

	"go.skia.org/infra/go/metrics2"
	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"
	"go.skia.org/infra/go/util"

	"github.com/madecoste/swarming/go/caller"
	"github.com/madecoste/swarming/go/config"
	"github.com/madecoste/swarming/go/db"
	"github.com/madecoste/swarming/go/events"
	"github.com/madecoste/swarming/go/request"
	"github.com/madecoste/swarming/go/results"
	"github.com/madecoste/swarming/go/taskpack"
	"github.com/madecoste/swarming/go/torun"
	"github.com/madecoste/swarming/go/types"
)

// TaskScheduler ties the stores together and implements the scheduling
// operations. All methods are safe for concurrent use.
type TaskScheduler struct {
	db            db.DB
	cfg           *config.Cache
	requests      *request.Store
	output        *results.OutputManager
	emitter       events.Emitter
	policy        caller.AuthorizationPolicy
	denied        *deniedBots
	serverVersion string

	// randFloat is rand.Float64, swapped out by tests.
	randFloat func() float64

	dedupedCounter metrics2.Counter
	botDiedCounter metrics2.Counter
	retriedCounter metrics2.Counter
	expiredCounter metrics2.Counter
}

// New returns a TaskScheduler.
func New(d db.DB, cfg *config.Cache, emitter events.Emitter, policy caller.AuthorizationPolicy, serverVersion string) *TaskScheduler {
	return &TaskScheduler{
		db:             d,
		cfg:            cfg,
		requests:       request.NewStore(d),
		output:         results.NewOutputManager(d),
		emitter:        emitter,
		policy:         policy,
		denied:         newDeniedBots(),
		serverVersion:  serverVersion,
		randFloat:      rand.Float64,
		dedupedCounter: metrics2.GetCounter("task_scheduler_tasks_deduped"),
		botDiedCounter: metrics2.GetCounter("task_scheduler_bots_died"),
		retriedCounter: metrics2.GetCounter("task_scheduler_tasks_retried"),
		expiredCounter: metrics2.GetCounter("task_scheduler_tasks_expired"),
	}
}

// ScheduleRequest stores a new task request and either schedules it or,
// for idempotent tasks, reuses the results of a recent identical task.
// Returns the stored request and its result summary.
func (s *TaskScheduler) ScheduleRequest(ctx context.Context, p *request.Payload) (*types.TaskRequest, *types.TaskResultSummary, error) {
	if err := caller.Check(ctx, s.policy, caller.ActionSchedule); err != nil {
		return nil, nil, err
	}
	req, err := s.requests.Create(ctx, p)
	if err != nil {
		return nil, nil, skerr.Wrap(err)
	}

	var summary *types.TaskResultSummary
	if req.PropertiesHash != "" {
		cutoff := now.Now(ctx).UTC().Add(-s.cfg.Get().ReusableTaskAge())
		source, err := s.db.SearchDedup(ctx, req.PropertiesHash, cutoff)
		if err != nil {
			return nil, nil, skerr.Wrap(err)
		}
		if source != nil {
			summary, err = results.NewDedupedSummary(ctx, req, source)
			if err != nil {
				return nil, nil, skerr.Wrap(err)
			}
			if err := s.db.PutResults(ctx, summary, nil, nil); err != nil {
				return nil, nil, skerr.Wrap(err)
			}
			s.dedupedCounter.Inc(1)
			s.emit(ctx, events.TaskDeduped, summary.Id, summary.BotId)
		}
	}
	if summary == nil {
		summary = results.NewResultSummary(ctx, req)
		if err := s.db.Schedule(ctx, summary, torun.New(req)); err != nil {
			return nil, nil, skerr.Wrap(err)
		}
		s.emit(ctx, events.TaskScheduled, summary.Id, "")
	}

	if req.ParentTaskId != "" {
		if err := s.linkToParent(ctx, req.ParentTaskId, summary.Id); err != nil {
			return nil, nil, skerr.Wrap(err)
		}
	}
	return req, summary, nil
}

// linkToParent records the new child task on its parent's run result
// and summary.
func (s *TaskScheduler) linkToParent(ctx context.Context, parentRunID, childID string) error {
	return db.UpdateRunWithRetries(ctx, func(ctx context.Context) error {
		run, err := s.db.GetRunResult(ctx, parentRunID)
		if err != nil {
			return skerr.Wrap(err)
		}
		if util.In(childID, run.ChildrenTaskIds) {
			return nil
		}
		summaryID, err := taskpack.SummaryIDFromRunID(parentRunID)
		if err != nil {
			return skerr.Wrap(err)
		}
		summary, err := s.db.GetResultSummary(ctx, summaryID)
		if err != nil {
			return skerr.Wrap(err)
		}
		run.ChildrenTaskIds = append(run.ChildrenTaskIds, childID)
		sort.Strings(run.ChildrenTaskIds)
		summary.ChildrenTaskIds = append(summary.ChildrenTaskIds, childID)
		sort.Strings(summary.ChildrenTaskIds)
		return s.db.PutResults(ctx, summary, run, nil)
	})
}

// BotReapTask hands the best matching pending task to a bot. Returns
// nils when no pending task matches the bot's dimensions.
func (s *TaskScheduler) BotReapTask(ctx context.Context, botID, botVersion string, botDimensions map[string][]string) (*types.TaskRequest, *types.TaskRunResult, error) {
	if err := caller.Check(ctx, s.policy, caller.ActionBot); err != nil {
		return nil, nil, err
	}
	ts := now.Now(ctx).UTC()
	var reapedReq *types.TaskRequest
	var reapedRun *types.TaskRunResult
	err := torun.IterMatching(ctx, s.db, ts, botDimensions, func(t *types.TaskToRun) (bool, error) {
		if s.denied.Denied(t.TaskId, botID) {
			return true, nil
		}
		req, err := s.db.GetTaskRequest(ctx, t.TaskId)
		if err != nil {
			return false, skerr.Wrap(err)
		}
		summary, err := s.db.GetResultSummary(ctx, taskpack.SummaryID(t.TaskId))
		if err != nil {
			return false, skerr.Wrap(err)
		}
		// A task pending again after its first attempt died must not go
		// back to the bot which lost it.
		if summary.State == types.TaskPending && summary.TryNumber >= 1 && summary.BotId == botID {
			return true, nil
		}
		try := summary.TryNumber + 1
		if try > taskpack.MaxAttempts {
			sklog.Errorf("Task %s is pending with no attempts left; skipping.", t.TaskId)
			return true, nil
		}
		run, err := results.NewRunResult(ctx, req, try, botID, botVersion, s.serverVersion)
		if err != nil {
			return false, skerr.Wrap(err)
		}
		results.SetFromRunResult(summary, run, req)
		claimed, err := s.db.ReapToRun(ctx, t, summary, run)
		if err != nil {
			return false, skerr.Wrap(err)
		}
		if !claimed {
			// Another bot won the race; move on to the next candidate.
			return true, nil
		}
		reapedReq = req
		reapedRun = run
		return false, nil
	})
	if err != nil {
		return nil, nil, skerr.Wrap(err)
	}
	if reapedRun != nil {
		s.emit(ctx, events.TaskStarted, reapedRun.Id, botID)
	}
	return reapedReq, reapedRun, nil
}

// Update carries one bot report about a running task.
type Update struct {
	// BotId is the reporting bot; it must own the attempt.
	BotId string

	// Output is appended at OutputChunkStart within the output of the
	// command currently executing. Empty means no new output.
	Output           []byte
	OutputChunkStart int64

	// ExitCode, when set, finishes the current command; Duration is its
	// runtime in seconds.
	ExitCode *int64
	Duration *float64

	// HardTimeout and IoTimeout report the bot aborting the task.
	HardTimeout bool
	IoTimeout   bool

	// CostUSD is the running cost of the attempt so far.
	CostUSD float64
}

// BotUpdateTask ingests a bot report for an attempt. Returns whether
// the update was committed and whether it completed the task just now.
// Bots keep flushing buffered output after completion, so updates to a
// finished attempt are still committed.
func (s *TaskScheduler) BotUpdateTask(ctx context.Context, runID string, u *Update) (bool, bool, error) {
	if err := caller.Check(ctx, s.policy, caller.ActionBot); err != nil {
		return false, false, err
	}
	requestID, _, err := taskpack.RequestIDFromRunID(runID)
	if err != nil {
		return false, false, skerr.Wrap(err)
	}
	var terminal bool
	err = db.UpdateRunWithRetries(ctx, func(ctx context.Context) error {
		terminal = false
		run, err := s.db.GetRunResult(ctx, runID)
		if err != nil {
			return skerr.Wrap(err)
		}
		if run.BotId != u.BotId {
			return skerr.Fmt("Bot %s sent task update for task %s owned by bot %s", u.BotId, runID, run.BotId)
		}
		req, err := s.db.GetTaskRequest(ctx, requestID)
		if err != nil {
			return skerr.Wrap(err)
		}
		summary, err := s.db.GetResultSummary(ctx, taskpack.SummaryID(requestID))
		if err != nil {
			return skerr.Wrap(err)
		}
		wasDone := run.Done()
		ts := now.Now(ctx).UTC()

		var chunks []*types.TaskOutputChunk
		if len(u.Output) > 0 {
			// Output belongs to the command the bot is on, ie. the one
			// after those already finished.
			command := int64(len(run.ExitCodes))
			if last := int64(len(req.Properties.Commands)) - 1; command > last {
				command = last
			}
			chunks, err = s.output.Append(ctx, run, command, u.Output, u.OutputChunkStart)
			if err != nil {
				return skerr.Wrap(err)
			}
		}
		run.CostUSD = u.CostUSD
		if !wasDone {
			if u.ExitCode != nil {
				run.ExitCodes = append(run.ExitCodes, *u.ExitCode)
				if u.Duration != nil {
					run.Durations = append(run.Durations, *u.Duration)
				}
				if *u.ExitCode != 0 {
					run.Failure = true
				}
				// The task finishes on the last command or on the first
				// failing one.
				if run.Failure || len(run.ExitCodes) >= len(req.Properties.Commands) {
					run.State = types.TaskCompleted
					run.Completed = ts
					terminal = true
				}
			}
			if u.HardTimeout || u.IoTimeout {
				run.State = types.TaskTimedOut
				run.Failure = true
				run.Completed = ts
				terminal = true
			}
		}
		run.Modified = ts
		// The summary may already reflect a later attempt; a trailing
		// report from the old bot then only commits its output.
		if !results.NeedUpdate(summary, run) {
			return s.db.PutResults(ctx, nil, run, chunks)
		}
		results.SetFromRunResult(summary, run, req)
		return s.db.PutResults(ctx, summary, run, chunks)
	})
	if db.IsConcurrentUpdate(err) {
		sklog.Warningf("Too many concurrent updates for task %s; dropping update from bot %s.", runID, u.BotId)
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	if terminal {
		s.denied.Forget(requestID)
		s.emit(ctx, events.TaskCompleted, runID, u.BotId)
	}
	return true, terminal, nil
}

// BotKillTask handles a bot reporting that it lost the ability to run
// its task, eg. its dimensions changed mid flight. The attempt is
// abandoned as an internal failure.
func (s *TaskScheduler) BotKillTask(ctx context.Context, runID, botID string) error {
	if err := caller.Check(ctx, s.policy, caller.ActionBot); err != nil {
		return err
	}
	requestID, _, err := taskpack.RequestIDFromRunID(runID)
	if err != nil {
		return skerr.Wrap(err)
	}
	var died bool
	err = db.UpdateRunWithRetries(ctx, func(ctx context.Context) error {
		died = false
		run, err := s.db.GetRunResult(ctx, runID)
		if err != nil {
			return skerr.Wrap(err)
		}
		if run.BotId != botID {
			return skerr.Fmt("Bot %s sent task kill for task %s owned by bot %s", botID, runID, run.BotId)
		}
		if run.Done() {
			return nil
		}
		req, err := s.db.GetTaskRequest(ctx, requestID)
		if err != nil {
			return skerr.Wrap(err)
		}
		summary, err := s.db.GetResultSummary(ctx, taskpack.SummaryID(requestID))
		if err != nil {
			return skerr.Wrap(err)
		}
		ts := now.Now(ctx).UTC()
		run.State = types.TaskBotDied
		run.InternalFailure = true
		run.Abandoned = ts
		run.Modified = ts
		died = true
		if !results.NeedUpdate(summary, run) {
			return s.db.PutResults(ctx, nil, run, nil)
		}
		results.SetFromRunResult(summary, run, req)
		return s.db.PutResults(ctx, summary, run, nil)
	})
	if err != nil {
		return err
	}
	if died {
		s.denied.Forget(requestID)
		s.botDiedCounter.Inc(1)
		s.emit(ctx, events.TaskBotDied, runID, botID)
	}
	return nil
}

// CancelTask cancels a task which has not started yet. Returns whether
// the task was canceled and whether it could not be because a bot is
// already running it.
func (s *TaskScheduler) CancelTask(ctx context.Context, taskID string) (bool, bool, error) {
	if err := caller.Check(ctx, s.policy, caller.ActionCancel); err != nil {
		return false, false, err
	}
	var ok, wasRunning bool
	err := db.UpdateRunWithRetries(ctx, func(ctx context.Context) error {
		ok = false
		wasRunning = false
		summary, err := s.db.GetResultSummary(ctx, taskpack.SummaryID(taskID))
		if err != nil {
			return skerr.Wrap(err)
		}
		switch summary.State {
		case types.TaskRunning:
			wasRunning = true
			return nil
		case types.TaskPending:
		default:
			return nil
		}
		toRun, err := s.db.GetToRun(ctx, taskID)
		if err != nil {
			return skerr.Wrap(err)
		}
		ts := now.Now(ctx).UTC()
		summary.State = types.TaskCanceled
		summary.Abandoned = ts
		summary.Modified = ts
		toRun.QueueNumber = 0
		if err := s.db.Schedule(ctx, summary, toRun); err != nil {
			return skerr.Wrap(err)
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, false, err
	}
	if ok {
		s.denied.Forget(taskID)
		s.emit(ctx, events.TaskCanceled, taskpack.SummaryID(taskID), "")
	}
	return ok, wasRunning, nil
}

// CronHandleBotDied sweeps attempts whose bot went silent for longer
// than the ping tolerance. First attempts are put back in the queue for
// a retry on a different bot; last attempts make the task terminal.
// Returns how many tasks went terminal, how many were retried and how
// many could not be processed.
func (s *TaskScheduler) CronHandleBotDied(ctx context.Context) (int, int, int, error) {
	cutoff := now.Now(ctx).UTC().Add(-s.cfg.Get().BotPingTolerance())
	var runIDs []string
	err := s.db.IterRunningRunResults(ctx, cutoff, func(run *types.TaskRunResult) (bool, error) {
		runIDs = append(runIDs, run.Id)
		return true, nil
	})
	if err != nil {
		return 0, 0, 0, skerr.Wrap(err)
	}
	var killed, retried, ignored int
	for _, runID := range runIDs {
		wentTerminal, wasRetried, err := s.handleDeadBot(ctx, runID, cutoff)
		switch {
		case db.IsConcurrentUpdate(err):
			sklog.Warningf("Too many concurrent updates while handling dead bot for task %s.", runID)
			ignored++
		case err != nil:
			return killed, retried, ignored, skerr.Wrap(err)
		case wentTerminal:
			killed++
		case wasRetried:
			retried++
		}
	}
	if killed > 0 || retried > 0 {
		sklog.Infof("Handled dead bots: %d tasks terminal, %d retried, %d ignored.", killed, retried, ignored)
	}
	s.botDiedCounter.Inc(int64(killed))
	s.retriedCounter.Inc(int64(retried))
	return killed, retried, ignored, nil
}

// handleDeadBot abandons one silent attempt. Returns whether the task
// went terminal and whether it was put back in the queue.
func (s *TaskScheduler) handleDeadBot(ctx context.Context, runID string, cutoff time.Time) (bool, bool, error) {
	requestID, _, err := taskpack.RequestIDFromRunID(runID)
	if err != nil {
		return false, false, skerr.Wrap(err)
	}
	var wentTerminal, wasRetried bool
	err = db.UpdateRunWithRetries(ctx, func(ctx context.Context) error {
		wentTerminal = false
		wasRetried = false
		run, err := s.db.GetRunResult(ctx, runID)
		if err != nil {
			return skerr.Wrap(err)
		}
		// The bot may have come back since the sweep snapshot.
		if run.State != types.TaskRunning || !run.Modified.Before(cutoff) {
			return nil
		}
		req, err := s.db.GetTaskRequest(ctx, requestID)
		if err != nil {
			return skerr.Wrap(err)
		}
		summary, err := s.db.GetResultSummary(ctx, taskpack.SummaryID(requestID))
		if err != nil {
			return skerr.Wrap(err)
		}
		ts := now.Now(ctx).UTC()
		run.State = types.TaskBotDied
		run.InternalFailure = true
		run.Abandoned = ts
		run.Modified = ts

		if run.TryNumber >= taskpack.MaxAttempts {
			results.SetFromRunResult(summary, run, req)
			wentTerminal = true
			return s.db.PutResults(ctx, summary, run, nil)
		}

		// Put the task back in the queue. The summary keeps the dead
		// attempt's bot so the retry can be denied to it, but otherwise
		// reads as pending again.
		summary.State = types.TaskPending
		summary.TryNumber = run.TryNumber
		summary.BotId = run.BotId
		summary.BotVersion = run.BotVersion
		summary.ServerVersions = util.CopyStringSlice(run.ServerVersions)
		summary.Started = time.Time{}
		summary.Completed = time.Time{}
		summary.Failure = false
		summary.InternalFailure = false
		for int64(len(summary.CostsUSD)) < run.TryNumber {
			summary.CostsUSD = append(summary.CostsUSD, 0)
		}
		summary.CostsUSD[run.TryNumber-1] = 0
		summary.Modified = ts
		if err := s.db.PutResults(ctx, summary, run, nil); err != nil {
			return skerr.Wrap(err)
		}
		toRun, err := s.db.GetToRun(ctx, requestID)
		if err != nil {
			return skerr.Wrap(err)
		}
		torun.Rearm(toRun, req)
		if err := s.db.PutToRun(ctx, toRun); err != nil {
			return skerr.Wrap(err)
		}
		s.denied.Deny(requestID, run.BotId)
		wasRetried = true
		return nil
	})
	if err != nil {
		return false, false, err
	}
	if wentTerminal {
		s.denied.Forget(requestID)
	}
	if wentTerminal || wasRetried {
		s.emit(ctx, events.TaskBotDied, runID, "")
	}
	return wentTerminal, wasRetried, nil
}

// CronAbortExpiredTaskToRun sweeps queue entries whose scheduling
// deadline passed without a bot reaping them. Returns how many tasks it
// aborted.
func (s *TaskScheduler) CronAbortExpiredTaskToRun(ctx context.Context) (int, error) {
	ts := now.Now(ctx).UTC()
	var taskIDs []string
	err := s.db.IterExpired(ctx, ts, func(t *types.TaskToRun) (bool, error) {
		taskIDs = append(taskIDs, t.TaskId)
		return true, nil
	})
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	aborted := 0
	for _, taskID := range taskIDs {
		expired, err := s.abortExpired(ctx, taskID)
		if db.IsConcurrentUpdate(err) {
			sklog.Warningf("Too many concurrent updates while expiring task %s.", taskID)
			continue
		}
		if err != nil {
			return aborted, skerr.Wrap(err)
		}
		if expired {
			aborted++
		}
	}
	if aborted > 0 {
		sklog.Infof("Aborted %d expired tasks.", aborted)
	}
	s.expiredCounter.Inc(int64(aborted))
	return aborted, nil
}

// abortExpired claims one expired queue entry and makes its task
// terminal. A task whose first attempt died before the queue deadline
// passed surfaces as BOT_DIED rather than EXPIRED.
func (s *TaskScheduler) abortExpired(ctx context.Context, taskID string) (bool, error) {
	var expired bool
	err := db.UpdateRunWithRetries(ctx, func(ctx context.Context) error {
		expired = false
		toRun, err := s.db.GetToRun(ctx, taskID)
		if err != nil {
			return skerr.Wrap(err)
		}
		ts := now.Now(ctx).UTC()
		if toRun.Claimed() || toRun.Expiration.After(ts) {
			return nil
		}
		summary, err := s.db.GetResultSummary(ctx, taskpack.SummaryID(taskID))
		if err != nil {
			return skerr.Wrap(err)
		}
		if summary.State != types.TaskPending {
			return nil
		}
		if summary.TryNumber >= 1 {
			summary.State = types.TaskBotDied
			summary.InternalFailure = true
		} else {
			summary.State = types.TaskExpired
		}
		summary.Abandoned = ts
		summary.Modified = ts
		toRun.QueueNumber = 0
		if err := s.db.Schedule(ctx, summary, toRun); err != nil {
			return skerr.Wrap(err)
		}
		expired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if expired {
		s.denied.Forget(taskID)
		s.emit(ctx, events.TaskExpired, taskpack.SummaryID(taskID), "")
	}
	return expired, nil
}

// TaskOutput returns the collected output of one command of an
// attempt, or nil if it produced none yet.
func (s *TaskScheduler) TaskOutput(ctx context.Context, runID string, command int64) ([]byte, error) {
	run, err := s.db.GetRunResult(ctx, runID)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return s.output.Get(ctx, run, command)
}

// ExponentialBackoff tells a bot how many seconds to sleep before
// polling again after consecutive attempts which yielded no task. A
// small fraction of bots comes back after one second regardless, so a
// burst of new tasks does not wait for the full backoff.
func (s *TaskScheduler) ExponentialBackoff(attempt int64) float64 {
	if s.randFloat() < s.cfg.Get().ProbabilityOfQuickComeback {
		return 1.0
	}
	if attempt > 10 {
		attempt = 10
	}
	v := math.Round(math.Pow(1.5, float64(attempt+1)))
	if v > 60 {
		v = 60
	}
	return v
}

func (s *TaskScheduler) emit(ctx context.Context, t events.EventType, taskID, botID string) {
	s.emitter.Emit(ctx, &events.Event{
		Type:    t,
		TaskId:  taskID,
		BotId:   botID,
		Created: now.Now(ctx).UTC(),
	})
}
