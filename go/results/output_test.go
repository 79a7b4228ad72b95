package results

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/madecoste/swarming/go/db"
	"github.com/madecoste/swarming/go/types"
)

// testOutputManager shrinks the limits so multi chunk scenarios stay
// readable.
func testOutputManager(d db.ResultDB) *OutputManager {
	return &OutputManager{
		db:             d,
		chunkSize:      16,
		putMaxChunks:   4,
		fetchMaxChunks: 2,
	}
}

// appendAndStore persists the chunks an append produced, the way the
// scheduler does with the run result update.
func appendAndStore(ctx context.Context, t *testing.T, d db.DB, m *OutputManager, summary *types.TaskResultSummary, run *types.TaskRunResult, command int64, output []byte, offset int64) {
	chunks, err := m.Append(ctx, run, command, output, offset)
	require.NoError(t, err)
	require.NoError(t, d.PutResults(ctx, summary, run, chunks))
}

func setup(t *testing.T) (context.Context, db.DB, *OutputManager, *types.TaskResultSummary, *types.TaskRunResult) {
	ctx := context.Background()
	d := db.NewInMemoryDB()
	summary := &types.TaskResultSummary{Id: "1d69b9f088008810", State: types.TaskRunning}
	run := &types.TaskRunResult{Id: "1d69b9f088008811", TryNumber: 1, State: types.TaskRunning}
	require.NoError(t, d.PutResults(ctx, summary, run, nil))
	return ctx, d, testOutputManager(d), summary, run
}

func TestOutputSimple(t *testing.T) {
	ctx, d, m, summary, run := setup(t)
	appendAndStore(ctx, t, d, m, summary, run, 0, []byte("Hey!"), 0)
	require.Equal(t, []int64{1}, run.OutputChunks)

	got, err := m.Get(ctx, run, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("Hey!"), got)

	// Commands without output return nil.
	got, err = m.Get(ctx, run, 1)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestOutputOverwrite(t *testing.T) {
	ctx, d, m, summary, run := setup(t)
	appendAndStore(ctx, t, d, m, summary, run, 0, []byte("FooBar"), 0)
	appendAndStore(ctx, t, d, m, summary, run, 0, []byte("X"), 3)
	got, err := m.Get(ctx, run, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("FooXar"), got)

	chunk, err := d.GetOutputChunk(ctx, run.Id, 0, 0)
	require.NoError(t, err)
	require.Nil(t, chunk.Gaps)
}

func TestOutputReverseOrder(t *testing.T) {
	ctx, d, m, summary, run := setup(t)
	appendAndStore(ctx, t, d, m, summary, run, 0, []byte("Wow"), 11)
	appendAndStore(ctx, t, d, m, summary, run, 0, []byte("Foo"), 8)
	appendAndStore(ctx, t, d, m, summary, run, 0, []byte("Baz"), 0)
	appendAndStore(ctx, t, d, m, summary, run, 0, []byte("Bar"), 4)

	chunk, err := d.GetOutputChunk(ctx, run.Id, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{3, 4, 7, 8}, chunk.Gaps)

	got, err := m.Get(ctx, run, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("Baz\x00Bar\x00FooWow"), got)
}

func TestOutputSpansChunks(t *testing.T) {
	ctx, d, m, summary, run := setup(t)
	// 16 byte chunks; this write covers the tail of chunk 0 and the
	// head of chunk 1.
	appendAndStore(ctx, t, d, m, summary, run, 0, []byte("0123456789"), 12)
	require.Equal(t, []int64{2}, run.OutputChunks)

	c0, err := d.GetOutputChunk(ctx, run.Id, 0, 0)
	require.NoError(t, err)
	require.Equal(t, append(make([]byte, 12), []byte("0123")...), c0.Chunk)
	require.Equal(t, []int64{0, 12}, c0.Gaps)

	c1, err := d.GetOutputChunk(ctx, run.Id, 0, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("456789"), c1.Chunk)
	require.Nil(t, c1.Gaps)

	got, err := m.Get(ctx, run, 0)
	require.NoError(t, err)
	require.Equal(t, append(make([]byte, 12), []byte("0123456789")...), got)
}

func TestOutputFarWrite(t *testing.T) {
	ctx, d, m, summary, run := setup(t)
	// Entirely inside chunk 1; chunk 0 is never written.
	appendAndStore(ctx, t, d, m, summary, run, 0, []byte("Hey"), 18)
	require.Equal(t, []int64{2}, run.OutputChunks)

	_, err := d.GetOutputChunk(ctx, run.Id, 0, 0)
	require.True(t, db.IsNotFound(err))

	// The missing chunk reads as a full chunk of zeroes.
	got, err := m.Get(ctx, run, 0)
	require.NoError(t, err)
	expected := make([]byte, 16)
	expected = append(expected, 0, 0)
	expected = append(expected, []byte("Hey")...)
	require.Equal(t, expected, got)
}

func TestOutputTruncation(t *testing.T) {
	ctx, d, m, summary, run := setup(t)
	// Limit is 4 chunks of 16 bytes. A write crossing the limit is
	// truncated, one past it is dropped entirely.
	payload := bytes.Repeat([]byte("x"), 10)
	appendAndStore(ctx, t, d, m, summary, run, 0, payload, 60)
	require.Equal(t, []int64{4}, run.OutputChunks)
	c3, err := d.GetOutputChunk(ctx, run.Id, 0, 3)
	require.NoError(t, err)
	require.Equal(t, int64(16), int64(len(c3.Chunk)))

	chunks, err := m.Append(ctx, run, 0, payload, 64)
	require.NoError(t, err)
	require.Nil(t, chunks)
	require.Equal(t, []int64{4}, run.OutputChunks)
}

func TestOutputFetchLimit(t *testing.T) {
	ctx, d, m, summary, run := setup(t)
	// Three chunks written but reads return at most two.
	appendAndStore(ctx, t, d, m, summary, run, 0, bytes.Repeat([]byte("a"), 48), 0)
	require.Equal(t, []int64{3}, run.OutputChunks)

	got, err := m.Get(ctx, run, 0)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte("a"), 32), got)
}

func TestOutputSecondCommand(t *testing.T) {
	ctx, d, m, summary, run := setup(t)
	appendAndStore(ctx, t, d, m, summary, run, 1, []byte("cmd2"), 0)
	require.Equal(t, []int64{0, 1}, run.OutputChunks)

	// Command 0 never wrote anything.
	got, err := m.Get(ctx, run, 0)
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = m.Get(ctx, run, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("cmd2"), got)
}

func TestSubtractGap(t *testing.T) {
	require.Nil(t, subtractGap(nil, 0, 10))
	require.Nil(t, subtractGap([]int64{2, 8}, 0, 10))
	require.Equal(t, []int64{2, 4, 6, 8}, subtractGap([]int64{2, 8}, 4, 6))
	require.Equal(t, []int64{2, 4}, subtractGap([]int64{2, 8}, 4, 9))
	require.Equal(t, []int64{5, 8}, subtractGap([]int64{2, 8}, 1, 5))
	require.Equal(t, []int64{2, 3, 9, 10}, subtractGap([]int64{2, 3, 5, 6, 9, 10}, 4, 8))
}
