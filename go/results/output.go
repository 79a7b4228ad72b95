package results

import (
	"bytes"
	"context"

	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"
	"golang.org/x/sync/errgroup"

	"github.com/madecoste/swarming/go/db"
	"github.com/madecoste/swarming/go/types"
)

const (
	// ChunkSize is the number of output bytes stored per chunk entity.
	ChunkSize = 100 * 1024

	// PutMaxChunks bounds the stored output per command. Everything
	// past it is dropped.
	PutMaxChunks = 1024

	// FetchMaxChunks bounds how much output a single read returns.
	FetchMaxChunks = 160
)

// OutputManager reads and assembles the output chunks of a run. The
// limits are fields so tests can shrink them.
type OutputManager struct {
	db             db.ResultDB
	chunkSize      int64
	putMaxChunks   int64
	fetchMaxChunks int64
}

// NewOutputManager returns an OutputManager with production limits.
func NewOutputManager(d db.ResultDB) *OutputManager {
	return &OutputManager{
		db:             d,
		chunkSize:      ChunkSize,
		putMaxChunks:   PutMaxChunks,
		fetchMaxChunks: FetchMaxChunks,
	}
}

// Append records output of one command at the given byte offset. Bots
// may deliver output out of order; bytes skipped over are tracked as
// gaps and read back as NUL. Returns the modified chunks, which the
// caller persists together with the run result, and updates the run's
// chunk count.
func (m *OutputManager) Append(ctx context.Context, run *types.TaskRunResult, command int64, output []byte, offset int64) ([]*types.TaskOutputChunk, error) {
	maxContent := m.putMaxChunks * m.chunkSize
	if offset >= maxContent {
		sklog.Warningf("Dropping %d bytes of output for task %s command %d.", len(output), run.Id, command)
		return nil, nil
	}
	if offset+int64(len(output)) > maxContent {
		dropped := offset + int64(len(output)) - maxContent
		sklog.Warningf("Dropping %d bytes of output for task %s command %d.", dropped, run.Id, command)
		output = output[:maxContent-offset]
	}
	if len(output) == 0 {
		return nil, nil
	}

	end := offset + int64(len(output))
	firstChunk := offset / m.chunkSize
	lastChunk := (end - 1) / m.chunkSize
	chunks := make([]*types.TaskOutputChunk, 0, lastChunk-firstChunk+1)
	for idx := firstChunk; idx <= lastChunk; idx++ {
		chunkStart := idx * m.chunkSize
		// Slice of output overlapping this chunk.
		from := chunkStart
		if from < offset {
			from = offset
		}
		to := chunkStart + m.chunkSize
		if to > end {
			to = end
		}
		chunk, err := m.db.GetOutputChunk(ctx, run.Id, command, idx)
		if db.IsNotFound(err) {
			chunk = &types.TaskOutputChunk{
				RunId:   run.Id,
				Command: command,
				Index:   idx,
			}
		} else if err != nil {
			return nil, skerr.Wrap(err)
		}
		writeToChunk(chunk, output[from-offset:to-offset], from-chunkStart)
		chunks = append(chunks, chunk)
	}

	// Update the chunk count of the command.
	for int64(len(run.OutputChunks)) <= command {
		run.OutputChunks = append(run.OutputChunks, 0)
	}
	if run.OutputChunks[command] < lastChunk+1 {
		run.OutputChunks[command] = lastChunk + 1
	}
	return chunks, nil
}

// writeToChunk applies one write inside a single chunk, maintaining
// the gap list.
func writeToChunk(c *types.TaskOutputChunk, data []byte, offset int64) {
	end := offset + int64(len(data))
	cur := int64(len(c.Chunk))
	if offset >= cur {
		// Appending, possibly leaving a gap of zeroes behind.
		if offset > cur {
			c.Gaps = append(c.Gaps, cur, offset)
			c.Chunk = append(c.Chunk, make([]byte, offset-cur)...)
		}
		c.Chunk = append(c.Chunk, data...)
		return
	}
	if end > cur {
		c.Chunk = append(c.Chunk, make([]byte, end-cur)...)
	}
	copy(c.Chunk[offset:], data)
	c.Gaps = subtractGap(c.Gaps, offset, end)
}

// subtractGap removes [begin, end) from a sorted gap list.
func subtractGap(gaps []int64, begin, end int64) []int64 {
	rv := make([]int64, 0, len(gaps))
	for i := 0; i < len(gaps); i += 2 {
		b, e := gaps[i], gaps[i+1]
		if e <= begin || b >= end {
			rv = append(rv, b, e)
			continue
		}
		if b < begin {
			rv = append(rv, b, begin)
		}
		if e > end {
			rv = append(rv, end, e)
		}
	}
	if len(rv) == 0 {
		return nil
	}
	return rv
}

// Get assembles the stored output of one command. Chunks which were
// never written read as NUL bytes. Returns nil when the command never
// produced output.
func (m *OutputManager) Get(ctx context.Context, run *types.TaskRunResult, command int64) ([]byte, error) {
	if command < 0 || command >= int64(len(run.OutputChunks)) {
		return nil, nil
	}
	count := run.OutputChunks[command]
	if count == 0 {
		return nil, nil
	}
	if count > m.fetchMaxChunks {
		count = m.fetchMaxChunks
	}
	chunks := make([]*types.TaskOutputChunk, count)
	var eg errgroup.Group
	for idx := int64(0); idx < count; idx++ {
		idx := idx
		eg.Go(func() error {
			chunk, err := m.db.GetOutputChunk(ctx, run.Id, command, idx)
			if db.IsNotFound(err) {
				chunk = &types.TaskOutputChunk{}
			} else if err != nil {
				return skerr.Wrap(err)
			}
			chunks[idx] = chunk
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for idx, chunk := range chunks {
		buf.Write(chunk.Chunk)
		if int64(idx) < count-1 {
			// Interior chunks are implicitly zero padded to full size.
			if pad := m.chunkSize - int64(len(chunk.Chunk)); pad > 0 {
				buf.Write(make([]byte, pad))
			}
		}
	}
	return buf.Bytes(), nil
}
