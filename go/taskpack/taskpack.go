// Package taskpack converts between the entity ids used for task
// requests and the packed hex strings exposed to clients. A request id
// embeds its creation time, a random component and a version nibble;
// the packed form of a request id can be suffixed with a try number to
// address the result entities hanging off the request.
package taskpack

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.skia.org/infra/go/skerr"
)

const (
	// MaxAttempts is the maximum number of tries a request ever gets,
	// so the try suffix of a run id is always a single character.
	MaxAttempts = 2

	// xorMask inverts the monotonically increasing packed value so
	// that raw entity ids do not sort in creation order. Keeps the
	// top bit clear to stay inside a signed 64 bit integer.
	xorMask = 0x7fffffffffffffff

	// Layout of the packed value: 43 bits of milliseconds since
	// BeginningOfTheWorld, 16 random bits, then the version nibble.
	randShift    = 4
	msShift      = 20
	versionNew   = 0x1
	maxElapsedMS = (int64(1) << 43) - 1
)

// BeginningOfTheWorld is the epoch for the timestamps embedded in
// request ids. Chosen well after the Unix epoch so ids stay short for
// decades without wasting bits on the past.
var BeginningOfTheWorld = time.Date(2010, time.January, 1, 0, 0, 0, 0, time.UTC)

// ErrIDExpired is returned when the embedded timestamp no longer fits
// in its 43 bits. Happens around the year 2248.
var ErrIDExpired = fmt.Errorf("task id timestamp overflow")

// RequestKey identifies a stored TaskRequest. New style requests use
// only ID. Legacy requests sharded by properties hash carry the shard
// prefix as well; it is derived from the id and only kept so packed
// ids round trip.
type RequestKey struct {
	// ID is the raw entity id, ie. the packed value XORed with xorMask
	// for new style keys, or the plain datastore id for legacy keys.
	ID int64

	// Shard is the legacy shard prefix, empty for new style keys.
	Shard string
}

// NewRequestID returns the entity id for a request created at ts with
// the given random component. The caller retries with fresh randomness
// if the id collides with an existing request.
func NewRequestID(ts time.Time, rand16 uint16) (int64, error) {
	ms := ts.Sub(BeginningOfTheWorld).Milliseconds()
	if ms < 0 {
		return 0, skerr.Fmt("timestamp %s predates %s", ts, BeginningOfTheWorld)
	}
	if ms > maxElapsedMS {
		return 0, ErrIDExpired
	}
	v := (ms << msShift) | (int64(rand16) << randShift) | versionNew
	return v ^ xorMask, nil
}

// Timestamp returns the creation time embedded in a new style request
// key, truncated to milliseconds.
func Timestamp(k RequestKey) (time.Time, error) {
	if k.Shard != "" {
		return time.Time{}, skerr.Fmt("legacy key %d has no embedded timestamp", k.ID)
	}
	ms := (k.ID ^ xorMask) >> msShift
	return BeginningOfTheWorld.Add(time.Duration(ms) * time.Millisecond), nil
}

// PackRequestKey returns the packed hex form of a request key. New
// style ids are the XOR-inverted entity id printed in hex, which makes
// the version nibble the last character. Legacy ids drop their low
// byte and append the legacy version character '0'.
func PackRequestKey(k RequestKey) string {
	if k.Shard == "" {
		return strconv.FormatInt(k.ID^xorMask, 16)
	}
	return strconv.FormatInt(k.ID>>8, 16) + "0"
}

// UnpackRequestKey parses a packed request id back into its key. The
// final character selects the scheme: the legacy '0' or the current
// '1'.
func UnpackRequestKey(packed string) (RequestKey, error) {
	if packed == "" {
		return RequestKey{}, skerr.Fmt("invalid task id: empty")
	}
	if strings.TrimLeft(packed, "0") != packed {
		return RequestKey{}, skerr.Fmt("invalid task id %q: leading zeroes", packed)
	}
	version := packed[len(packed)-1]
	v, err := strconv.ParseInt(packed[:len(packed)-1], 16, 64)
	if err != nil {
		return RequestKey{}, skerr.Fmt("invalid task id %q: %s", packed, err)
	}
	switch version {
	case '1':
		full, err := strconv.ParseInt(packed, 16, 64)
		if err != nil {
			return RequestKey{}, skerr.Fmt("invalid task id %q: %s", packed, err)
		}
		return RequestKey{ID: full ^ xorMask}, nil
	case '0':
		id := v << 8
		return RequestKey{ID: id, Shard: legacyShard(id)}, nil
	default:
		return RequestKey{}, skerr.Fmt("invalid task id %q: unknown version %q", packed, version)
	}
}

// legacyShard returns the shard prefix for a legacy request id, the
// first 6 hex characters of the MD5 of the decimal id.
func legacyShard(id int64) string {
	sum := md5.Sum([]byte(strconv.FormatInt(id, 10)))
	return hex.EncodeToString(sum[:])[:6]
}

// SummaryID returns the id of the result summary for a packed request
// id. It is the request id with a '0' try suffix.
func SummaryID(requestID string) string {
	return requestID + "0"
}

// RunID returns the id of the run result for the given try of a packed
// request id.
func RunID(requestID string, try int64) (string, error) {
	if try < 1 || try > MaxAttempts {
		return "", skerr.Fmt("invalid try number %d", try)
	}
	return requestID + strconv.FormatInt(try, 10), nil
}

// RequestIDFromSummaryID strips the '0' try suffix off a summary id
// and validates the remainder.
func RequestIDFromSummaryID(summaryID string) (string, error) {
	if len(summaryID) < 2 || summaryID[len(summaryID)-1] != '0' {
		return "", skerr.Fmt("invalid summary id %q", summaryID)
	}
	requestID := summaryID[:len(summaryID)-1]
	if _, err := UnpackRequestKey(requestID); err != nil {
		return "", skerr.Wrap(err)
	}
	return requestID, nil
}

// RequestIDFromRunID splits a run id into its packed request id and
// try number.
func RequestIDFromRunID(runID string) (string, int64, error) {
	if len(runID) < 2 {
		return "", 0, skerr.Fmt("invalid run id %q", runID)
	}
	try := int64(runID[len(runID)-1] - '0')
	if try < 1 || try > MaxAttempts {
		return "", 0, skerr.Fmt("invalid run id %q: bad try number", runID)
	}
	requestID := runID[:len(runID)-1]
	if _, err := UnpackRequestKey(requestID); err != nil {
		return "", 0, skerr.Wrap(err)
	}
	return requestID, try, nil
}

// SummaryIDFromRunID returns the summary id for the request a run id
// belongs to.
func SummaryIDFromRunID(runID string) (string, error) {
	requestID, _, err := RequestIDFromRunID(runID)
	if err != nil {
		return "", err
	}
	return SummaryID(requestID), nil
}
