// Package results builds and maintains the result entities of tasks:
// the per-request summary, the per-attempt run result and the output
// chunks.
package results

import (
	"context"

	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/util"

	"github.com/madecoste/swarming/go/taskpack"
	"github.com/madecoste/swarming/go/types"
)

// NewResultSummary builds the summary for a freshly scheduled request.
// The entity is not stored.
func NewResultSummary(ctx context.Context, r *types.TaskRequest) *types.TaskResultSummary {
	return &types.TaskResultSummary{
		Id:             taskpack.SummaryID(r.Id),
		Name:           r.Name,
		User:           r.User,
		Created:        r.Created,
		Modified:       now.Now(ctx).UTC(),
		State:          types.TaskPending,
		PropertiesHash: r.PropertiesHash,
	}
}

// NewRunResult builds the run result for an attempt a bot just reaped.
// The entity is not stored.
func NewRunResult(ctx context.Context, r *types.TaskRequest, tryNumber int64, botID, botVersion, serverVersion string) (*types.TaskRunResult, error) {
	id, err := taskpack.RunID(r.Id, tryNumber)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	ts := now.Now(ctx).UTC()
	return &types.TaskRunResult{
		Id:             id,
		TryNumber:      tryNumber,
		BotId:          botID,
		BotVersion:     botVersion,
		State:          types.TaskRunning,
		Started:        ts,
		Modified:       ts,
		ServerVersions: []string{serverVersion},
	}, nil
}

// NewDedupedSummary builds the summary for a request whose results are
// reused from an earlier identical task. The new task never gets a
// queue entry nor a run result; its summary points at the attempt
// which produced the reused outputs.
func NewDedupedSummary(ctx context.Context, r *types.TaskRequest, source *types.TaskResultSummary) (*types.TaskResultSummary, error) {
	sourceRequestID, err := taskpack.RequestIDFromSummaryID(source.Id)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	sourceRunID, err := taskpack.RunID(sourceRequestID, source.TryNumber)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	costSaved := float64(0)
	if len(source.CostsUSD) > 0 {
		costSaved = source.CostsUSD[len(source.CostsUSD)-1]
	}
	return &types.TaskResultSummary{
		Id:             taskpack.SummaryID(r.Id),
		Name:           r.Name,
		User:           r.User,
		Created:        r.Created,
		Modified:       now.Now(ctx).UTC(),
		Started:        source.Started,
		Completed:      source.Completed,
		State:          types.TaskCompleted,
		TryNumber:      0,
		BotId:          source.BotId,
		BotVersion:     source.BotVersion,
		ServerVersions: util.CopyStringSlice(source.ServerVersions),
		ExitCodes:      append([]int64{}, source.ExitCodes...),
		Durations:      append([]float64{}, source.Durations...),
		CostsUSD:       nil,
		CostSavedUSD:   costSaved,
		DedupedFrom:    sourceRunID,
	}, nil
}

// NeedUpdate reports whether projecting run onto its summary would
// advance the summary. A report from a superseded attempt is rejected:
// once the summary reflects a later try, or has been put back in the
// queue after the attempt died, the old bot's trailing reports must not
// roll it back.
func NeedUpdate(s *types.TaskResultSummary, run *types.TaskRunResult) bool {
	if run.TryNumber < s.TryNumber {
		return false
	}
	if run.TryNumber == s.TryNumber && s.State == types.TaskPending && run.Done() {
		return false
	}
	return s.Modified.Before(run.Modified) || s.State != run.State
}

// SetFromRunResult projects an attempt onto its summary. The summary's
// properties hash is retained only while the task remains eligible as
// a deduplication source.
func SetFromRunResult(s *types.TaskResultSummary, run *types.TaskRunResult, r *types.TaskRequest) {
	s.State = run.State
	s.TryNumber = run.TryNumber
	s.Started = run.Started
	s.Modified = run.Modified
	s.Completed = run.Completed
	s.Abandoned = run.Abandoned
	s.BotId = run.BotId
	s.BotVersion = run.BotVersion
	s.ServerVersions = util.CopyStringSlice(run.ServerVersions)
	s.ExitCodes = append([]int64{}, run.ExitCodes...)
	s.Durations = append([]float64{}, run.Durations...)
	s.Failure = run.Failure
	s.InternalFailure = run.InternalFailure
	for int64(len(s.CostsUSD)) < run.TryNumber {
		s.CostsUSD = append(s.CostsUSD, 0)
	}
	s.CostsUSD[run.TryNumber-1] = run.CostUSD
	s.ChildrenTaskIds = util.CopyStringSlice(run.ChildrenTaskIds)
	if run.State == types.TaskCompleted && !run.Failure && !run.InternalFailure {
		s.PropertiesHash = r.PropertiesHash
	} else {
		s.PropertiesHash = ""
	}
}
