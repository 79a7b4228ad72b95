package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.skia.org/infra/go/sklog"
	"go.skia.org/infra/go/util"

	"github.com/madecoste/swarming/go/config"
	"github.com/madecoste/swarming/go/types"
)

// chunkKey identifies an output chunk within a run.
type chunkKey struct {
	runID   string
	command int64
	index   int64
}

type inMemoryDB struct {
	mtx       sync.RWMutex
	requests  map[string]*types.TaskRequest
	summaries map[string]*types.TaskResultSummary
	runs      map[string]*types.TaskRunResult
	chunks    map[chunkKey]*types.TaskOutputChunk
	toRuns    map[string]*types.TaskToRun
	settings  *config.Settings
}

// NewInMemoryDB returns an extremely simple, inefficient, in-memory DB
// implementation.
func NewInMemoryDB() DB {
	return &inMemoryDB{
		requests:  map[string]*types.TaskRequest{},
		summaries: map[string]*types.TaskResultSummary{},
		runs:      map[string]*types.TaskRunResult{},
		chunks:    map[chunkKey]*types.TaskOutputChunk{},
		toRuns:    map[string]*types.TaskToRun{},
	}
}

// See docs for DB interface.
func (d *inMemoryDB) Close() error {
	return nil
}

// See docs for RequestDB interface.
func (d *inMemoryDB) GetTaskRequest(ctx context.Context, id string) (*types.TaskRequest, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	if r := d.requests[id]; r != nil {
		return r.Copy(), nil
	}
	return nil, ErrNotFound
}

// See docs for RequestDB interface.
func (d *inMemoryDB) PutTaskRequest(ctx context.Context, r *types.TaskRequest) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if r.Id == "" {
		return fmt.Errorf("Request has no id.")
	}
	if util.TimeIsZero(r.Created) {
		return fmt.Errorf("Created not set. Request %s created time is %s.", r.Id, r.Created)
	}
	if d.requests[r.Id] != nil {
		return ErrAlreadyExists
	}
	r.DbModified = time.Now()
	d.requests[r.Id] = r.Copy()
	return nil
}

// See docs for ResultDB interface.
func (d *inMemoryDB) GetResultSummary(ctx context.Context, id string) (*types.TaskResultSummary, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	if s := d.summaries[id]; s != nil {
		return s.Copy(), nil
	}
	return nil, ErrNotFound
}

// See docs for ResultDB interface.
func (d *inMemoryDB) GetRunResult(ctx context.Context, id string) (*types.TaskRunResult, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	if r := d.runs[id]; r != nil {
		return r.Copy(), nil
	}
	return nil, ErrNotFound
}

// checkSummary validates the concurrency constraint for a summary
// write. Assumes the lock is held.
func (d *inMemoryDB) checkSummary(s *types.TaskResultSummary) error {
	if existing := d.summaries[s.Id]; existing != nil {
		if !existing.DbModified.Equal(s.DbModified) {
			sklog.Warningf("Cached summary has been modified in the DB. Current:\n%v\nCached:\n%v", existing, s)
			return ErrConcurrentUpdate
		}
	}
	return nil
}

// checkRun is checkSummary for run results. Assumes the lock is held.
func (d *inMemoryDB) checkRun(r *types.TaskRunResult) error {
	if existing := d.runs[r.Id]; existing != nil {
		if !existing.DbModified.Equal(r.DbModified) {
			sklog.Warningf("Cached run result has been modified in the DB. Current:\n%v\nCached:\n%v", existing, r)
			return ErrConcurrentUpdate
		}
	}
	return nil
}

// checkToRun is checkSummary for queue entries. Assumes the lock is
// held.
func (d *inMemoryDB) checkToRun(t *types.TaskToRun) error {
	if existing := d.toRuns[t.TaskId]; existing != nil {
		if !existing.DbModified.Equal(t.DbModified) {
			sklog.Warningf("Cached queue entry has been modified in the DB. Current:\n%v\nCached:\n%v", existing, t)
			return ErrConcurrentUpdate
		}
	}
	return nil
}

// See docs for ResultDB interface.
func (d *inMemoryDB) PutResults(ctx context.Context, summary *types.TaskResultSummary, run *types.TaskRunResult, chunks []*types.TaskOutputChunk) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	// Validate everything before writing anything.
	if summary != nil {
		if summary.Id == "" {
			return fmt.Errorf("Summary has no id.")
		}
		if err := d.checkSummary(summary); err != nil {
			return err
		}
	}
	if run != nil {
		if err := d.checkRun(run); err != nil {
			return err
		}
	}

	now := time.Now()
	if summary != nil {
		summary.DbModified = now
		d.summaries[summary.Id] = summary.Copy()
	}
	if run != nil {
		run.DbModified = now
		d.runs[run.Id] = run.Copy()
	}
	for _, c := range chunks {
		c.DbModified = now
		d.chunks[chunkKey{c.RunId, c.Command, c.Index}] = c.Copy()
	}
	return nil
}

// See docs for ResultDB interface.
func (d *inMemoryDB) GetOutputChunk(ctx context.Context, runID string, command, index int64) (*types.TaskOutputChunk, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	if c := d.chunks[chunkKey{runID, command, index}]; c != nil {
		return c.Copy(), nil
	}
	return nil, ErrNotFound
}

// See docs for ResultDB interface.
func (d *inMemoryDB) SearchDedup(ctx context.Context, propertiesHash string, cutoff time.Time) (*types.TaskResultSummary, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	var best *types.TaskResultSummary
	for _, s := range d.summaries {
		if s.PropertiesHash != propertiesHash {
			continue
		}
		if s.State != types.TaskCompleted || s.Failure || s.InternalFailure {
			continue
		}
		if s.Created.Before(cutoff) {
			continue
		}
		if best == nil || s.Created.After(best.Created) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.Copy(), nil
}

// See docs for ResultDB interface.
func (d *inMemoryDB) IterRunningRunResults(ctx context.Context, modifiedBefore time.Time, cb func(*types.TaskRunResult) (bool, error)) error {
	d.mtx.RLock()
	rv := []*types.TaskRunResult{}
	for _, r := range d.runs {
		if r.State == types.TaskRunning && r.Modified.Before(modifiedBefore) {
			rv = append(rv, r.Copy())
		}
	}
	d.mtx.RUnlock()
	sort.Slice(rv, func(a, b int) bool { return rv[a].Id < rv[b].Id })
	for _, r := range rv {
		keepGoing, err := cb(r)
		if err != nil {
			return err
		}
		if !keepGoing {
			return nil
		}
	}
	return nil
}

// See docs for ToRunDB interface.
func (d *inMemoryDB) GetToRun(ctx context.Context, taskID string) (*types.TaskToRun, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	if t := d.toRuns[taskID]; t != nil {
		return t.Copy(), nil
	}
	return nil, ErrNotFound
}

// See docs for ToRunDB interface.
func (d *inMemoryDB) PutToRun(ctx context.Context, t *types.TaskToRun) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if t.TaskId == "" {
		return fmt.Errorf("Queue entry has no task id.")
	}
	if err := d.checkToRun(t); err != nil {
		return err
	}
	t.DbModified = time.Now()
	d.toRuns[t.TaskId] = t.Copy()
	return nil
}

// See docs for ToRunDB interface.
func (d *inMemoryDB) IterAvailable(ctx context.Context, now time.Time, cb func(*types.TaskToRun) (bool, error)) error {
	d.mtx.RLock()
	rv := []*types.TaskToRun{}
	for _, t := range d.toRuns {
		if !t.Claimed() && t.Expiration.After(now) {
			rv = append(rv, t.Copy())
		}
	}
	d.mtx.RUnlock()
	sort.Sort(types.TaskToRunSlice(rv))
	for _, t := range rv {
		keepGoing, err := cb(t)
		if err != nil {
			return err
		}
		if !keepGoing {
			return nil
		}
	}
	return nil
}

// See docs for ToRunDB interface.
func (d *inMemoryDB) IterExpired(ctx context.Context, now time.Time, cb func(*types.TaskToRun) (bool, error)) error {
	d.mtx.RLock()
	rv := []*types.TaskToRun{}
	for _, t := range d.toRuns {
		if !t.Claimed() && !t.Expiration.After(now) {
			rv = append(rv, t.Copy())
		}
	}
	d.mtx.RUnlock()
	sort.Sort(types.TaskToRunSlice(rv))
	for _, t := range rv {
		keepGoing, err := cb(t)
		if err != nil {
			return err
		}
		if !keepGoing {
			return nil
		}
	}
	return nil
}

// See docs for DB interface.
func (d *inMemoryDB) Schedule(ctx context.Context, summary *types.TaskResultSummary, toRun *types.TaskToRun) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if err := d.checkSummary(summary); err != nil {
		return err
	}
	if err := d.checkToRun(toRun); err != nil {
		return err
	}
	now := time.Now()
	summary.DbModified = now
	toRun.DbModified = now
	d.summaries[summary.Id] = summary.Copy()
	d.toRuns[toRun.TaskId] = toRun.Copy()
	return nil
}

// See docs for DB interface.
func (d *inMemoryDB) ReapToRun(ctx context.Context, toRun *types.TaskToRun, summary *types.TaskResultSummary, run *types.TaskRunResult) (bool, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	existing := d.toRuns[toRun.TaskId]
	if existing == nil {
		return false, ErrNotFound
	}
	// Another bot won the race if the entry is already claimed or
	// changed since the caller read it.
	if existing.Claimed() || !existing.DbModified.Equal(toRun.DbModified) {
		return false, nil
	}
	if err := d.checkSummary(summary); err != nil {
		return false, err
	}
	if err := d.checkRun(run); err != nil {
		return false, err
	}
	now := time.Now()
	toRun.QueueNumber = 0
	toRun.DbModified = now
	summary.DbModified = now
	run.DbModified = now
	d.toRuns[toRun.TaskId] = toRun.Copy()
	d.summaries[summary.Id] = summary.Copy()
	d.runs[run.Id] = run.Copy()
	return true, nil
}

// See docs for config.Store interface.
func (d *inMemoryDB) GetSettings(ctx context.Context) (*config.Settings, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	if d.settings == nil {
		return config.Default(), nil
	}
	return d.settings.Copy(), nil
}

// See docs for config.Store interface.
func (d *inMemoryDB) PutSettings(ctx context.Context, s *config.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.settings = s.Copy()
	return nil
}

var _ DB = &inMemoryDB{}
