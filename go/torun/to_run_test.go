package torun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/madecoste/swarming/go/db"
	"github.com/madecoste/swarming/go/taskpack"
	"github.com/madecoste/swarming/go/types"
)

func makeRequest(id string, priority int64, created time.Time) *types.TaskRequest {
	return &types.TaskRequest{
		Id:       id,
		Created:  created,
		Priority: priority,
		Properties: types.TaskProperties{
			Dimensions: map[string]string{"os": "Windows-3.1.1"},
		},
		Expiration: created.Add(30 * time.Minute),
	}
}

func TestQueueNumber(t *testing.T) {
	ts := time.Date(2014, time.January, 2, 3, 4, 5, 0, time.UTC)

	// Sooner beats later at equal priority.
	early := QueueNumber(makeRequest("11", 50, ts))
	late := QueueNumber(makeRequest("21", 50, ts.Add(time.Second)))
	require.Less(t, early, late)

	// Priority dominates age.
	urgent := QueueNumber(makeRequest("31", 10, ts.Add(24*time.Hour)))
	require.Less(t, urgent, early)

	// 0 is reserved for claimed entries.
	require.NotZero(t, QueueNumber(makeRequest("41", 0, taskpack.BeginningOfTheWorld.Add(time.Millisecond))))
}

func TestNewAndRearm(t *testing.T) {
	ts := time.Date(2014, time.January, 2, 3, 4, 5, 0, time.UTC)
	r := makeRequest("11", 50, ts)
	entry := New(r)
	require.Equal(t, r.Id, entry.TaskId)
	require.Equal(t, r.Properties.Dimensions, entry.Dimensions)
	require.Equal(t, QueueNumber(r), entry.QueueNumber)
	require.True(t, entry.Expiration.Equal(r.Expiration))

	entry.QueueNumber = 0
	Rearm(entry, r)
	require.Equal(t, QueueNumber(r), entry.QueueNumber)
}

func TestMatches(t *testing.T) {
	entry := &types.TaskToRun{
		Dimensions: map[string]string{"os": "Windows-3.1.1", "pool": "default"},
	}
	require.True(t, Matches(entry, map[string][]string{
		"os":   {"Windows", "Windows-3.1.1"},
		"pool": {"default"},
		"gpu":  {"nvidia"},
	}))
	// Missing key.
	require.False(t, Matches(entry, map[string][]string{
		"os": {"Windows-3.1.1"},
	}))
	// Wrong value.
	require.False(t, Matches(entry, map[string][]string{
		"os":   {"Linux"},
		"pool": {"default"},
	}))
	// A task with no dimensions matches any bot.
	require.True(t, Matches(&types.TaskToRun{}, nil))
}

func TestIterMatching(t *testing.T) {
	ctx := context.Background()
	d := db.NewInMemoryDB()
	ts := time.Date(2014, time.January, 2, 3, 4, 5, 0, time.UTC)

	reqs := []*types.TaskRequest{
		makeRequest("11", 50, ts),
		makeRequest("21", 10, ts.Add(time.Second)),
		makeRequest("31", 50, ts.Add(2*time.Second)),
	}
	reqs[2].Properties.Dimensions = map[string]string{"os": "Linux"}
	for _, r := range reqs {
		require.NoError(t, d.PutToRun(ctx, New(r)))
	}

	botDims := map[string][]string{"os": {"Windows-3.1.1"}}
	order := []string{}
	require.NoError(t, IterMatching(ctx, d, ts.Add(3*time.Second), botDims, func(e *types.TaskToRun) (bool, error) {
		order = append(order, e.TaskId)
		return true, nil
	}))
	// "31" runs on Linux only; "21" has the better priority.
	require.Equal(t, []string{"21", "11"}, order)

	// First match wins when the callback stops the iteration.
	var first string
	require.NoError(t, IterMatching(ctx, d, ts.Add(3*time.Second), botDims, func(e *types.TaskToRun) (bool, error) {
		first = e.TaskId
		return false, nil
	}))
	require.Equal(t, "21", first)
}
