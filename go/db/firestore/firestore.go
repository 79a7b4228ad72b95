// Package firestore implements db.DB on Cloud Firestore.
package firestore

import (
	"context"
	"fmt"
	"time"

	fs "cloud.google.com/go/firestore"
	"go.skia.org/infra/go/firestore"
	"go.skia.org/infra/go/skerr"
	"golang.org/x/oauth2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/madecoste/swarming/go/config"
	"github.com/madecoste/swarming/go/db"
	"github.com/madecoste/swarming/go/types"
)

const (
	// App name used for the Firestore client.
	APP_NAME = "task-scheduler"

	COLLECTION_REQUESTS      = "task-requests"
	COLLECTION_SUMMARIES     = "task-result-summaries"
	COLLECTION_RUN_RESULTS   = "task-run-results"
	COLLECTION_OUTPUT_CHUNKS = "task-output-chunks"
	COLLECTION_QUEUE         = "task-queue"
	COLLECTION_SETTINGS      = "settings"

	// Document id of the settings singleton.
	SETTINGS_DOC = "singleton"

	// Timeouts for various requests.
	GET_SINGLE_TIMEOUT = 10 * time.Second
	GET_MULTI_TIMEOUT  = 60 * time.Second
	PUT_SINGLE_TIMEOUT = 10 * time.Second
	PUT_MULTI_TIMEOUT  = 30 * time.Second

	// We'll perform this many attempts for a given request.
	DEFAULT_ATTEMPTS = 3

	// Firestore keys of fields used in queries.
	KEY_CREATED         = "Created"
	KEY_MODIFIED        = "Modified"
	KEY_PROPERTIES_HASH = "PropertiesHash"
	KEY_QUEUE_NUMBER    = "QueueNumber"
	KEY_STATE           = "State"
)

// errIterDone is used to stop an iteration early. Never returned to
// callers.
var errIterDone = fmt.Errorf("iteration done")

// firestoreDB is a db.DB which uses Cloud Firestore for storage.
type firestoreDB struct {
	client *firestore.Client
}

// NewDBWithParams returns a db.DB which uses Cloud Firestore for
// storage, using the given params.
func NewDBWithParams(ctx context.Context, project, instance string, ts oauth2.TokenSource) (db.DB, error) {
	client, err := firestore.NewClient(ctx, project, APP_NAME, instance, ts)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return NewDB(ctx, client)
}

// NewDB returns a db.DB which uses the given firestore.Client for
// storage.
func NewDB(ctx context.Context, client *firestore.Client) (db.DB, error) {
	return &firestoreDB{
		client: client,
	}, nil
}

// See docs for db.DB interface.
func (d *firestoreDB) Close() error {
	return d.client.Close()
}

func (d *firestoreDB) requests() *fs.CollectionRef {
	return d.client.Collection(COLLECTION_REQUESTS)
}

func (d *firestoreDB) summaries() *fs.CollectionRef {
	return d.client.Collection(COLLECTION_SUMMARIES)
}

func (d *firestoreDB) runResults() *fs.CollectionRef {
	return d.client.Collection(COLLECTION_RUN_RESULTS)
}

func (d *firestoreDB) outputChunks() *fs.CollectionRef {
	return d.client.Collection(COLLECTION_OUTPUT_CHUNKS)
}

func (d *firestoreDB) queue() *fs.CollectionRef {
	return d.client.Collection(COLLECTION_QUEUE)
}

// chunkDoc returns the document id for an output chunk.
func chunkDoc(runID string, command, index int64) string {
	return fmt.Sprintf("%s#%d#%d", runID, command, index)
}

// fixRequestTimestamps rounds the timestamps of a request down to
// Firestore's resolution so that the stored entity equals the one the
// caller keeps.
func fixRequestTimestamps(r *types.TaskRequest) {
	r.Created = firestore.FixTimestamp(r.Created)
	r.Expiration = firestore.FixTimestamp(r.Expiration)
}

// See docs for db.RequestDB interface.
func (d *firestoreDB) GetTaskRequest(ctx context.Context, id string) (*types.TaskRequest, error) {
	snap, err := d.client.Get(ctx, d.requests().Doc(id), DEFAULT_ATTEMPTS, GET_SINGLE_TIMEOUT)
	if err != nil {
		if st, ok := status.FromError(skerr.Unwrap(err)); ok && st.Code() == codes.NotFound {
			return nil, db.ErrNotFound
		}
		return nil, skerr.Wrap(err)
	}
	var rv types.TaskRequest
	if err := snap.DataTo(&rv); err != nil {
		return nil, skerr.Wrap(err)
	}
	return &rv, nil
}

// See docs for db.RequestDB interface.
func (d *firestoreDB) PutTaskRequest(ctx context.Context, r *types.TaskRequest) error {
	fixRequestTimestamps(r)
	r.DbModified = firestore.FixTimestamp(time.Now())
	_, err := d.client.Create(ctx, d.requests().Doc(r.Id), r, DEFAULT_ATTEMPTS, PUT_SINGLE_TIMEOUT)
	if st, ok := status.FromError(skerr.Unwrap(err)); ok && st.Code() == codes.AlreadyExists {
		return db.ErrAlreadyExists
	}
	return err
}

// See docs for db.ResultDB interface.
func (d *firestoreDB) GetResultSummary(ctx context.Context, id string) (*types.TaskResultSummary, error) {
	snap, err := d.client.Get(ctx, d.summaries().Doc(id), DEFAULT_ATTEMPTS, GET_SINGLE_TIMEOUT)
	if err != nil {
		if st, ok := status.FromError(skerr.Unwrap(err)); ok && st.Code() == codes.NotFound {
			return nil, db.ErrNotFound
		}
		return nil, skerr.Wrap(err)
	}
	var rv types.TaskResultSummary
	if err := snap.DataTo(&rv); err != nil {
		return nil, skerr.Wrap(err)
	}
	return &rv, nil
}

// See docs for db.ResultDB interface.
func (d *firestoreDB) GetRunResult(ctx context.Context, id string) (*types.TaskRunResult, error) {
	snap, err := d.client.Get(ctx, d.runResults().Doc(id), DEFAULT_ATTEMPTS, GET_SINGLE_TIMEOUT)
	if err != nil {
		if st, ok := status.FromError(skerr.Unwrap(err)); ok && st.Code() == codes.NotFound {
			return nil, db.ErrNotFound
		}
		return nil, skerr.Wrap(err)
	}
	var rv types.TaskRunResult
	if err := snap.DataTo(&rv); err != nil {
		return nil, skerr.Wrap(err)
	}
	return &rv, nil
}

// checkDbModified verifies inside a transaction that the stored copy
// of a document has the expected DbModified timestamp. A missing
// document passes with a zero expectation.
func checkDbModified(tx *fs.Transaction, ref *fs.DocumentRef, expect time.Time) error {
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return skerr.Wrap(err)
	}
	data := snap.Data()
	stored, ok := data["DbModified"].(time.Time)
	if !ok || !stored.Equal(expect) {
		return db.ErrConcurrentUpdate
	}
	return nil
}

// See docs for db.ResultDB interface.
func (d *firestoreDB) PutResults(ctx context.Context, summary *types.TaskResultSummary, run *types.TaskRunResult, chunks []*types.TaskOutputChunk) error {
	prevSummary := time.Time{}
	txID := ""
	if summary != nil {
		prevSummary = summary.DbModified
		txID = summary.Id
	} else if run != nil {
		txID = run.Id
	}
	prevRun := time.Time{}
	if run != nil {
		prevRun = run.DbModified
	}
	err := d.client.RunTransaction(ctx, "PutResults", txID, DEFAULT_ATTEMPTS, PUT_MULTI_TIMEOUT, func(ctx context.Context, tx *fs.Transaction) error {
		if summary != nil {
			summary.DbModified = prevSummary
			if err := checkDbModified(tx, d.summaries().Doc(summary.Id), summary.DbModified); err != nil {
				return err
			}
		}
		if run != nil {
			run.DbModified = prevRun
			if err := checkDbModified(tx, d.runResults().Doc(run.Id), run.DbModified); err != nil {
				return err
			}
		}
		now := firestore.FixTimestamp(time.Now())
		if summary != nil {
			summary.DbModified = now
			if err := tx.Set(d.summaries().Doc(summary.Id), summary); err != nil {
				return skerr.Wrap(err)
			}
		}
		if run != nil {
			run.DbModified = now
			if err := tx.Set(d.runResults().Doc(run.Id), run); err != nil {
				return skerr.Wrap(err)
			}
		}
		for _, c := range chunks {
			c.DbModified = now
			if err := tx.Set(d.outputChunks().Doc(chunkDoc(c.RunId, c.Command, c.Index)), c); err != nil {
				return skerr.Wrap(err)
			}
		}
		return nil
	})
	if err != nil {
		// Leave the caller's copies the way we found them.
		if summary != nil {
			summary.DbModified = prevSummary
		}
		if run != nil {
			run.DbModified = prevRun
		}
	}
	return err
}

// See docs for db.ResultDB interface.
func (d *firestoreDB) GetOutputChunk(ctx context.Context, runID string, command, index int64) (*types.TaskOutputChunk, error) {
	snap, err := d.client.Get(ctx, d.outputChunks().Doc(chunkDoc(runID, command, index)), DEFAULT_ATTEMPTS, GET_SINGLE_TIMEOUT)
	if err != nil {
		if st, ok := status.FromError(skerr.Unwrap(err)); ok && st.Code() == codes.NotFound {
			return nil, db.ErrNotFound
		}
		return nil, skerr.Wrap(err)
	}
	var rv types.TaskOutputChunk
	if err := snap.DataTo(&rv); err != nil {
		return nil, skerr.Wrap(err)
	}
	return &rv, nil
}

// See docs for db.ResultDB interface.
func (d *firestoreDB) SearchDedup(ctx context.Context, propertiesHash string, cutoff time.Time) (*types.TaskResultSummary, error) {
	q := d.summaries().
		Where(KEY_PROPERTIES_HASH, "==", propertiesHash).
		Where(KEY_CREATED, ">=", firestore.FixTimestamp(cutoff)).
		OrderBy(KEY_CREATED, fs.Desc)
	var rv *types.TaskResultSummary
	err := d.client.IterDocs(ctx, "SearchDedup", propertiesHash, q, DEFAULT_ATTEMPTS, GET_MULTI_TIMEOUT, func(doc *fs.DocumentSnapshot) error {
		var s types.TaskResultSummary
		if err := doc.DataTo(&s); err != nil {
			return err
		}
		// The hash is only retained on eligible summaries, but a task
		// which is still pending also carries it.
		if s.State != types.TaskCompleted || s.Failure || s.InternalFailure {
			return nil
		}
		rv = &s
		return errIterDone
	})
	if err != nil && err != errIterDone {
		return nil, skerr.Wrap(err)
	}
	return rv, nil
}

// See docs for db.ResultDB interface.
func (d *firestoreDB) IterRunningRunResults(ctx context.Context, modifiedBefore time.Time, cb func(*types.TaskRunResult) (bool, error)) error {
	q := d.runResults().
		Where(KEY_STATE, "==", string(types.TaskRunning)).
		Where(KEY_MODIFIED, "<", firestore.FixTimestamp(modifiedBefore)).
		OrderBy(KEY_MODIFIED, fs.Asc)
	err := d.client.IterDocs(ctx, "IterRunningRunResults", "", q, DEFAULT_ATTEMPTS, GET_MULTI_TIMEOUT, func(doc *fs.DocumentSnapshot) error {
		var r types.TaskRunResult
		if err := doc.DataTo(&r); err != nil {
			return err
		}
		keepGoing, err := cb(&r)
		if err != nil {
			return err
		}
		if !keepGoing {
			return errIterDone
		}
		return nil
	})
	if err == errIterDone {
		return nil
	}
	return err
}

// See docs for db.ToRunDB interface.
func (d *firestoreDB) GetToRun(ctx context.Context, taskID string) (*types.TaskToRun, error) {
	snap, err := d.client.Get(ctx, d.queue().Doc(taskID), DEFAULT_ATTEMPTS, GET_SINGLE_TIMEOUT)
	if err != nil {
		if st, ok := status.FromError(skerr.Unwrap(err)); ok && st.Code() == codes.NotFound {
			return nil, db.ErrNotFound
		}
		return nil, skerr.Wrap(err)
	}
	var rv types.TaskToRun
	if err := snap.DataTo(&rv); err != nil {
		return nil, skerr.Wrap(err)
	}
	return &rv, nil
}

// See docs for db.ToRunDB interface.
func (d *firestoreDB) PutToRun(ctx context.Context, t *types.TaskToRun) error {
	prev := t.DbModified
	err := d.client.RunTransaction(ctx, "PutToRun", t.TaskId, DEFAULT_ATTEMPTS, PUT_SINGLE_TIMEOUT, func(ctx context.Context, tx *fs.Transaction) error {
		t.DbModified = prev
		if err := checkDbModified(tx, d.queue().Doc(t.TaskId), t.DbModified); err != nil {
			return err
		}
		t.DbModified = firestore.FixTimestamp(time.Now())
		t.Expiration = firestore.FixTimestamp(t.Expiration)
		return tx.Set(d.queue().Doc(t.TaskId), t)
	})
	if err != nil {
		t.DbModified = prev
	}
	return err
}

// iterToRuns runs a queue query and decodes each entry for cb.
func (d *firestoreDB) iterToRuns(ctx context.Context, name string, q fs.Query, filter func(*types.TaskToRun) bool, cb func(*types.TaskToRun) (bool, error)) error {
	err := d.client.IterDocs(ctx, name, "", q, DEFAULT_ATTEMPTS, GET_MULTI_TIMEOUT, func(doc *fs.DocumentSnapshot) error {
		var t types.TaskToRun
		if err := doc.DataTo(&t); err != nil {
			return err
		}
		if !filter(&t) {
			return nil
		}
		keepGoing, err := cb(&t)
		if err != nil {
			return err
		}
		if !keepGoing {
			return errIterDone
		}
		return nil
	})
	if err == errIterDone {
		return nil
	}
	return err
}

// See docs for db.ToRunDB interface.
func (d *firestoreDB) IterAvailable(ctx context.Context, now time.Time, cb func(*types.TaskToRun) (bool, error)) error {
	// Expiration can't be part of the query since Firestore allows
	// range filters on a single field only.
	q := d.queue().Where(KEY_QUEUE_NUMBER, ">", 0).OrderBy(KEY_QUEUE_NUMBER, fs.Asc)
	return d.iterToRuns(ctx, "IterAvailable", q, func(t *types.TaskToRun) bool {
		return t.Expiration.After(now)
	}, cb)
}

// See docs for db.ToRunDB interface.
func (d *firestoreDB) IterExpired(ctx context.Context, now time.Time, cb func(*types.TaskToRun) (bool, error)) error {
	q := d.queue().Where(KEY_QUEUE_NUMBER, ">", 0).OrderBy(KEY_QUEUE_NUMBER, fs.Asc)
	return d.iterToRuns(ctx, "IterExpired", q, func(t *types.TaskToRun) bool {
		return !t.Expiration.After(now)
	}, cb)
}

// See docs for db.DB interface.
func (d *firestoreDB) Schedule(ctx context.Context, summary *types.TaskResultSummary, toRun *types.TaskToRun) error {
	prevSummary := summary.DbModified
	prevToRun := toRun.DbModified
	err := d.client.RunTransaction(ctx, "Schedule", summary.Id, DEFAULT_ATTEMPTS, PUT_MULTI_TIMEOUT, func(ctx context.Context, tx *fs.Transaction) error {
		summary.DbModified = prevSummary
		toRun.DbModified = prevToRun
		if err := checkDbModified(tx, d.summaries().Doc(summary.Id), summary.DbModified); err != nil {
			return err
		}
		if err := checkDbModified(tx, d.queue().Doc(toRun.TaskId), toRun.DbModified); err != nil {
			return err
		}
		now := firestore.FixTimestamp(time.Now())
		summary.DbModified = now
		toRun.DbModified = now
		toRun.Expiration = firestore.FixTimestamp(toRun.Expiration)
		if err := tx.Set(d.summaries().Doc(summary.Id), summary); err != nil {
			return skerr.Wrap(err)
		}
		return tx.Set(d.queue().Doc(toRun.TaskId), toRun)
	})
	if err != nil {
		summary.DbModified = prevSummary
		toRun.DbModified = prevToRun
	}
	return err
}

// See docs for db.DB interface.
func (d *firestoreDB) ReapToRun(ctx context.Context, toRun *types.TaskToRun, summary *types.TaskResultSummary, run *types.TaskRunResult) (bool, error) {
	prevToRun := toRun.DbModified
	prevSummary := summary.DbModified
	prevRun := run.DbModified
	raced := false
	err := d.client.RunTransaction(ctx, "ReapToRun", run.Id, DEFAULT_ATTEMPTS, PUT_MULTI_TIMEOUT, func(ctx context.Context, tx *fs.Transaction) error {
		raced = false
		toRun.DbModified = prevToRun
		summary.DbModified = prevSummary
		run.DbModified = prevRun
		snap, err := tx.Get(d.queue().Doc(toRun.TaskId))
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return db.ErrNotFound
			}
			return skerr.Wrap(err)
		}
		var stored types.TaskToRun
		if err := snap.DataTo(&stored); err != nil {
			return skerr.Wrap(err)
		}
		if stored.Claimed() || !stored.DbModified.Equal(toRun.DbModified) {
			raced = true
			return nil
		}
		if err := checkDbModified(tx, d.summaries().Doc(summary.Id), summary.DbModified); err != nil {
			return err
		}
		if err := checkDbModified(tx, d.runResults().Doc(run.Id), run.DbModified); err != nil {
			return err
		}
		now := firestore.FixTimestamp(time.Now())
		toRun.QueueNumber = 0
		toRun.DbModified = now
		summary.DbModified = now
		run.DbModified = now
		if err := tx.Set(d.queue().Doc(toRun.TaskId), toRun); err != nil {
			return skerr.Wrap(err)
		}
		if err := tx.Set(d.summaries().Doc(summary.Id), summary); err != nil {
			return skerr.Wrap(err)
		}
		return tx.Set(d.runResults().Doc(run.Id), run)
	})
	if err != nil {
		toRun.DbModified = prevToRun
		summary.DbModified = prevSummary
		run.DbModified = prevRun
		return false, err
	}
	return !raced, nil
}

// See docs for config.Store interface.
func (d *firestoreDB) GetSettings(ctx context.Context) (*config.Settings, error) {
	snap, err := d.client.Get(ctx, d.client.Collection(COLLECTION_SETTINGS).Doc(SETTINGS_DOC), DEFAULT_ATTEMPTS, GET_SINGLE_TIMEOUT)
	if err != nil {
		if st, ok := status.FromError(skerr.Unwrap(err)); ok && st.Code() == codes.NotFound {
			return config.Default(), nil
		}
		return nil, skerr.Wrap(err)
	}
	var rv config.Settings
	if err := snap.DataTo(&rv); err != nil {
		return nil, skerr.Wrap(err)
	}
	return &rv, nil
}

// See docs for config.Store interface.
func (d *firestoreDB) PutSettings(ctx context.Context, s *config.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	_, err := d.client.Set(ctx, d.client.Collection(COLLECTION_SETTINGS).Doc(SETTINGS_DOC), s, DEFAULT_ATTEMPTS, PUT_SINGLE_TIMEOUT)
	return err
}

var _ db.DB = &firestoreDB{}
