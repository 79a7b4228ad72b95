package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.skia.org/infra/go/deepequal/assertdeep"

	"github.com/madecoste/swarming/go/config"
	"github.com/madecoste/swarming/go/types"
)

var ts = time.Date(2014, time.January, 2, 3, 4, 5, 0, time.UTC)

func makeRequest(id string) *types.TaskRequest {
	return &types.TaskRequest{
		Id:      id,
		Created: ts,
		Name:    "Request",
		User:    "Jesus",
		Properties: types.TaskProperties{
			Commands:             [][]string{{"command1"}},
			Dimensions:           map[string]string{"os": "Windows-3.1.1"},
			ExecutionTimeoutSecs: 30,
			IoTimeoutSecs:        30,
		},
		Priority:   50,
		Expiration: ts.Add(30 * time.Minute),
	}
}

func TestTaskRequestDB(t *testing.T) {
	ctx := context.Background()
	d := NewInMemoryDB()
	defer func() { require.NoError(t, d.Close()) }()

	_, err := d.GetTaskRequest(ctx, "1d69b9f08800881")
	require.True(t, IsNotFound(err))

	r := makeRequest("1d69b9f08800881")
	require.NoError(t, d.PutTaskRequest(ctx, r))
	require.False(t, r.DbModified.IsZero())

	got, err := d.GetTaskRequest(ctx, r.Id)
	require.NoError(t, err)
	assertdeep.Equal(t, r, got)

	// Requests are immutable; reusing an id fails.
	require.True(t, IsAlreadyExists(d.PutTaskRequest(ctx, makeRequest(r.Id))))
}

func TestResultDBConcurrentUpdate(t *testing.T) {
	ctx := context.Background()
	d := NewInMemoryDB()

	s := &types.TaskResultSummary{
		Id:      "1d69b9f088008810",
		Name:    "Request",
		Created: ts,
		State:   types.TaskPending,
	}
	require.NoError(t, d.PutResults(ctx, s, nil, nil))

	// Simulate two cached copies of the same summary.
	s1, err := d.GetResultSummary(ctx, s.Id)
	require.NoError(t, err)
	s2, err := d.GetResultSummary(ctx, s.Id)
	require.NoError(t, err)

	s1.State = types.TaskRunning
	require.NoError(t, d.PutResults(ctx, s1, nil, nil))

	s2.State = types.TaskCanceled
	require.True(t, IsConcurrentUpdate(d.PutResults(ctx, s2, nil, nil)))

	got, err := d.GetResultSummary(ctx, s.Id)
	require.NoError(t, err)
	require.Equal(t, types.TaskRunning, got.State)
}

func TestOutputChunks(t *testing.T) {
	ctx := context.Background()
	d := NewInMemoryDB()

	s := &types.TaskResultSummary{Id: "1d69b9f088008810", Created: ts, State: types.TaskRunning}
	run := &types.TaskRunResult{Id: "1d69b9f088008811", TryNumber: 1, State: types.TaskRunning}
	chunk := &types.TaskOutputChunk{RunId: run.Id, Command: 0, Index: 0, Chunk: []byte("hi")}
	require.NoError(t, d.PutResults(ctx, s, run, []*types.TaskOutputChunk{chunk}))

	got, err := d.GetOutputChunk(ctx, run.Id, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), got.Chunk)

	_, err = d.GetOutputChunk(ctx, run.Id, 0, 1)
	require.True(t, IsNotFound(err))
}

func TestSearchDedup(t *testing.T) {
	ctx := context.Background()
	d := NewInMemoryDB()

	put := func(id string, created time.Time, state types.State, failure bool, hash string) {
		require.NoError(t, d.PutResults(ctx, &types.TaskResultSummary{
			Id:             id,
			Created:        created,
			State:          state,
			Failure:        failure,
			PropertiesHash: hash,
		}, nil, nil))
	}
	put("110", ts, types.TaskCompleted, false, "deadbeef")
	put("210", ts.Add(time.Minute), types.TaskCompleted, true, "deadbeef")
	put("310", ts.Add(2*time.Minute), types.TaskPending, false, "deadbeef")
	put("410", ts.Add(3*time.Minute), types.TaskCompleted, false, "c0ffee")

	got, err := d.SearchDedup(ctx, "deadbeef", ts.Add(-time.Hour))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "110", got.Id)

	// Too old.
	got, err = d.SearchDedup(ctx, "deadbeef", ts.Add(time.Second))
	require.NoError(t, err)
	require.Nil(t, got)

	// Unknown hash.
	got, err = d.SearchDedup(ctx, "0123", ts.Add(-time.Hour))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestIterAvailableOrder(t *testing.T) {
	ctx := context.Background()
	d := NewInMemoryDB()

	put := func(id string, qn int64, exp time.Time) {
		require.NoError(t, d.PutToRun(ctx, &types.TaskToRun{
			TaskId:      id,
			Dimensions:  map[string]string{"os": "Windows-3.1.1"},
			QueueNumber: qn,
			Expiration:  exp,
		}))
	}
	put("11", 30, ts.Add(time.Hour))
	put("21", 10, ts.Add(time.Hour))
	put("31", 20, ts.Add(time.Hour))
	put("41", 5, ts.Add(-time.Hour)) // expired
	put("51", 0, ts.Add(time.Hour))  // claimed

	order := []string{}
	require.NoError(t, d.IterAvailable(ctx, ts, func(t *types.TaskToRun) (bool, error) {
		order = append(order, t.TaskId)
		return true, nil
	}))
	require.Equal(t, []string{"21", "31", "11"}, order)

	expired := []string{}
	require.NoError(t, d.IterExpired(ctx, ts, func(t *types.TaskToRun) (bool, error) {
		expired = append(expired, t.TaskId)
		return true, nil
	}))
	require.Equal(t, []string{"41"}, expired)

	// Early exit.
	count := 0
	require.NoError(t, d.IterAvailable(ctx, ts, func(t *types.TaskToRun) (bool, error) {
		count++
		return false, nil
	}))
	require.Equal(t, 1, count)
}

func TestReapToRun(t *testing.T) {
	ctx := context.Background()
	d := NewInMemoryDB()

	s := &types.TaskResultSummary{Id: "1d69b9f088008810", Created: ts, State: types.TaskPending}
	toRun := &types.TaskToRun{
		TaskId:      "1d69b9f08800881",
		Dimensions:  map[string]string{"os": "Windows-3.1.1"},
		QueueNumber: 100,
		Expiration:  ts.Add(30 * time.Minute),
	}
	require.NoError(t, d.Schedule(ctx, s, toRun))

	// Two bots read the same queue entry.
	t1, err := d.GetToRun(ctx, toRun.TaskId)
	require.NoError(t, err)
	t2, err := d.GetToRun(ctx, toRun.TaskId)
	require.NoError(t, err)

	s1, err := d.GetResultSummary(ctx, s.Id)
	require.NoError(t, err)
	run := &types.TaskRunResult{Id: "1d69b9f088008811", TryNumber: 1, BotId: "bot1", State: types.TaskRunning}
	ok, err := d.ReapToRun(ctx, t1, s1, run)
	require.NoError(t, err)
	require.True(t, ok)

	// The second bot loses the race.
	s2 := s1.Copy()
	run2 := run.Copy()
	run2.BotId = "bot2"
	ok, err = d.ReapToRun(ctx, t2, s2, run2)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := d.GetToRun(ctx, toRun.TaskId)
	require.NoError(t, err)
	require.True(t, got.Claimed())
	gotRun, err := d.GetRunResult(ctx, run.Id)
	require.NoError(t, err)
	require.Equal(t, "bot1", gotRun.BotId)
}

func TestUpdateRunWithRetries(t *testing.T) {
	ctx := context.Background()

	// Success on the third try.
	calls := 0
	require.NoError(t, UpdateRunWithRetries(ctx, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return ErrConcurrentUpdate
		}
		return nil
	}))
	require.Equal(t, 3, calls)

	// Retries exhausted.
	calls = 0
	err := UpdateRunWithRetries(ctx, func(ctx context.Context) error {
		calls++
		return ErrConcurrentUpdate
	})
	require.True(t, IsConcurrentUpdate(err))
	require.Equal(t, NUM_RETRIES, calls)

	// Non-retryable errors abort immediately.
	calls = 0
	err = UpdateRunWithRetries(ctx, func(ctx context.Context) error {
		calls++
		return ErrNotFound
	})
	require.True(t, IsNotFound(err))
	require.Equal(t, 1, calls)
}

func TestSettings(t *testing.T) {
	ctx := context.Background()
	d := NewInMemoryDB()

	got, err := d.GetSettings(ctx)
	require.NoError(t, err)
	assertdeep.Equal(t, config.Default(), got)

	s := config.Default()
	s.BotPingToleranceSecs = 120
	require.NoError(t, d.PutSettings(ctx, s))
	got, err = d.GetSettings(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(120), got.BotPingToleranceSecs)

	s.ReusableTaskAgeSecs = -1
	require.Error(t, d.PutSettings(ctx, s))
}
