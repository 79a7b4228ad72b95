package types

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.skia.org/infra/go/deepequal/assertdeep"
)

func fullRequest() *TaskRequest {
	return &TaskRequest{
		Id:           "1d69b9f08800881",
		Created:      time.Date(2014, time.January, 2, 3, 4, 5, 0, time.UTC),
		Name:         "Request name",
		User:         "Jesus",
		ParentTaskId: "1d69b9f088008811",
		Tags:         []string{"tag:1"},
		Priority:     50,
		Properties: TaskProperties{
			Commands:             [][]string{{"command1", "arg1"}},
			Data:                 []DataRef{{URL: "http://localhost/foo", File: "foo.zip"}},
			Dimensions:           map[string]string{"os": "Windows-3.1.1"},
			Env:                  map[string]string{"foo": "bar"},
			ExecutionTimeoutSecs: 30,
			Idempotent:           true,
			IoTimeoutSecs:        30,
		},
		PropertiesHash: "deadbeef",
		Expiration:     time.Date(2014, time.January, 2, 3, 34, 5, 0, time.UTC),
		DbModified:     time.Date(2014, time.January, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestCopyTaskRequest(t *testing.T) {
	v := fullRequest()
	assertdeep.Copy(t, v, v.Copy())
}

func TestCopyTaskResultSummary(t *testing.T) {
	v := &TaskResultSummary{
		Id:              "1d69b9f088008810",
		Name:            "Request name",
		User:            "Jesus",
		Created:         time.Date(2014, time.January, 2, 3, 4, 5, 0, time.UTC),
		Modified:        time.Date(2014, time.January, 2, 3, 5, 5, 0, time.UTC),
		Started:         time.Date(2014, time.January, 2, 3, 5, 5, 0, time.UTC),
		Completed:       time.Date(2014, time.January, 2, 3, 6, 5, 0, time.UTC),
		Abandoned:       time.Date(2014, time.January, 2, 3, 7, 5, 0, time.UTC),
		State:           TaskCompleted,
		TryNumber:       1,
		BotId:           "localhost",
		BotVersion:      "abc",
		ServerVersions:  []string{"v1a"},
		ExitCodes:       []int64{0, 1},
		Durations:       []float64{0.1, 0.2},
		Failure:         true,
		InternalFailure: true,
		CostsUSD:        []float64{0.1},
		CostSavedUSD:    0.2,
		DedupedFrom:     "1d69b9f088008811",
		PropertiesHash:  "deadbeef",
		ChildrenTaskIds: []string{"1d69b9f088008821"},
		DbModified:      time.Date(2014, time.January, 2, 3, 7, 5, 0, time.UTC),
	}
	assertdeep.Copy(t, v, v.Copy())
}

func TestCopyTaskRunResult(t *testing.T) {
	v := &TaskRunResult{
		Id:              "1d69b9f088008811",
		TryNumber:       1,
		BotId:           "localhost",
		BotVersion:      "abc",
		State:           TaskRunning,
		Started:         time.Date(2014, time.January, 2, 3, 5, 5, 0, time.UTC),
		Modified:        time.Date(2014, time.January, 2, 3, 5, 6, 0, time.UTC),
		Completed:       time.Date(2014, time.January, 2, 3, 6, 5, 0, time.UTC),
		Abandoned:       time.Date(2014, time.January, 2, 3, 7, 5, 0, time.UTC),
		ServerVersions:  []string{"v1a"},
		ExitCodes:       []int64{0},
		Durations:       []float64{0.1},
		Failure:         true,
		InternalFailure: true,
		CostUSD:         0.1,
		OutputChunks:    []int64{1},
		ChildrenTaskIds: []string{"1d69b9f088008821"},
		DbModified:      time.Date(2014, time.January, 2, 3, 7, 5, 0, time.UTC),
	}
	assertdeep.Copy(t, v, v.Copy())
}

func TestCopyTaskOutputChunk(t *testing.T) {
	v := &TaskOutputChunk{
		RunId:      "1d69b9f088008811",
		Command:    1,
		Index:      2,
		Chunk:      []byte("hi"),
		Gaps:       []int64{2, 5},
		DbModified: time.Date(2014, time.January, 2, 3, 7, 5, 0, time.UTC),
	}
	assertdeep.Copy(t, v, v.Copy())
}

func TestCopyTaskToRun(t *testing.T) {
	v := &TaskToRun{
		TaskId:      "1d69b9f08800881",
		Dimensions:  map[string]string{"os": "Windows-3.1.1"},
		QueueNumber: 0x19400000,
		Expiration:  time.Date(2014, time.January, 2, 3, 34, 5, 0, time.UTC),
		DbModified:  time.Date(2014, time.January, 2, 3, 4, 5, 0, time.UTC),
	}
	assertdeep.Copy(t, v, v.Copy())
}

func TestPropertiesCanonicalJSON(t *testing.T) {
	p := &fullRequest().Properties
	b, err := p.CanonicalJSON()
	require.NoError(t, err)
	expected := `{"commands":[["command1","arg1"]],"data":[["http://localhost/foo","foo.zip"]],"dimensions":{"os":"Windows-3.1.1"},"env":{"foo":"bar"},"execution_timeout_secs":30,"idempotent":true,"io_timeout_secs":30}`
	require.Equal(t, expected, string(b))

	// The hash only depends on the canonical form.
	h1, err := p.Hash()
	require.NoError(t, err)
	h2, err := p.Copy().Hash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 40)

	// Changing any property changes the hash.
	q := p.Copy()
	q.Env["foo"] = "baz"
	h3, err := q.Hash()
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

func TestDataRefRoundTrip(t *testing.T) {
	var d DataRef
	require.NoError(t, d.UnmarshalJSON([]byte(`["http://localhost/foo","foo.zip"]`)))
	require.Equal(t, DataRef{URL: "http://localhost/foo", File: "foo.zip"}, d)
	require.Error(t, d.UnmarshalJSON([]byte(`{"url":"x"}`)))
}

func TestStates(t *testing.T) {
	for _, s := range TaskStatesRunning {
		require.True(t, s.Valid())
		require.False(t, s.Finished())
	}
	for _, s := range TaskStatesFinished {
		require.True(t, s.Valid())
		require.True(t, s.Finished())
	}
	require.False(t, State("NEW").Valid())
	require.Error(t, ValidateState(State("NEW")))
	require.NoError(t, ValidateState(TaskPending))
}

func TestTaskToRunSort(t *testing.T) {
	mk := func(qn int64) *TaskToRun {
		return &TaskToRun{TaskId: "x", QueueNumber: qn}
	}
	s := TaskToRunSlice{mk(30), mk(10), mk(20)}
	sort.Sort(s)
	require.Equal(t, int64(10), s[0].QueueNumber)
	require.Equal(t, int64(20), s[1].QueueNumber)
	require.Equal(t, int64(30), s[2].QueueNumber)
}
