// Package request validates and stores incoming task requests.
//
// A request arrives as a JSON payload, is validated, gets an id
// allocated and is stored immutably. Everything mutable about a task
// lives in the result entities instead.
package request

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"

	"github.com/madecoste/swarming/go/db"
	"github.com/madecoste/swarming/go/taskpack"
	"github.com/madecoste/swarming/go/types"
)

const (
	// MIN_TIMEOUT_SECS is the minimum for every timeout knob.
	MIN_TIMEOUT_SECS = 30

	// MAX_TIMEOUT_SECS is one day, plus 10s to account for small
	// jitter.
	MAX_TIMEOUT_SECS = 24*60*60 + 10

	// MAXIMUM_PRIORITY is the lowest priority a task may have. 0 is
	// the highest.
	MAXIMUM_PRIORITY = 255

	// Attempts at allocating a request id before giving up. Collisions
	// require two requests in the same millisecond picking the same 16
	// random bits, so more than one retry is already rare.
	ID_ALLOCATION_ATTEMPTS = 10
)

// ErrInvalid is wrapped by every validation failure so callers can map
// them to a client error.
var ErrInvalid = errors.New("invalid task request")

// IsInvalid reports whether e is a validation failure.
func IsInvalid(e error) bool {
	return e != nil && errors.Is(e, ErrInvalid)
}

// PropertiesPayload is the "properties" object of a request payload.
// Numeric fields are pointers to tell a missing field from a zero.
type PropertiesPayload struct {
	Commands             [][]string        `json:"commands"`
	Data                 []types.DataRef   `json:"data"`
	Dimensions           map[string]string `json:"dimensions"`
	Env                  map[string]string `json:"env"`
	ExecutionTimeoutSecs *int64            `json:"execution_timeout_secs"`
	Idempotent           bool              `json:"idempotent"`
	IoTimeoutSecs        *int64            `json:"io_timeout_secs"`
}

// Payload is the JSON body of a task creation call.
type Payload struct {
	Name                     string             `json:"name"`
	ParentTaskId             string             `json:"parent_task_id"`
	Priority                 *int64             `json:"priority"`
	Properties               *PropertiesPayload `json:"properties"`
	SchedulingExpirationSecs *int64             `json:"scheduling_expiration_secs"`
	Tags                     []string           `json:"tags"`
	User                     string             `json:"user"`
}

// ParsePayload decodes a request payload, rejecting unknown keys.
func ParsePayload(b []byte) (*Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, skerr.Wrapf(ErrInvalid, "malformed payload: %s", err)
	}
	return &p, nil
}

// validateTimeout checks that a timeout knob is present and in range.
func validateTimeout(name string, v *int64) error {
	if v == nil {
		return skerr.Wrapf(ErrInvalid, "%s is required", name)
	}
	if *v < MIN_TIMEOUT_SECS || *v > MAX_TIMEOUT_SECS {
		return skerr.Wrapf(ErrInvalid, "%s (%d) must be between %ds and %ds", name, *v, MIN_TIMEOUT_SECS, MAX_TIMEOUT_SECS)
	}
	return nil
}

// Validate checks the payload without touching storage.
func (p *Payload) Validate() error {
	if p.Name == "" {
		return skerr.Wrapf(ErrInvalid, "name is required")
	}
	if p.Priority == nil {
		return skerr.Wrapf(ErrInvalid, "priority is required")
	}
	if *p.Priority < 0 || *p.Priority > MAXIMUM_PRIORITY {
		return skerr.Wrapf(ErrInvalid, "priority (%d) must be between 0 and %d", *p.Priority, MAXIMUM_PRIORITY)
	}
	if err := validateTimeout("scheduling_expiration_secs", p.SchedulingExpirationSecs); err != nil {
		return err
	}
	if p.ParentTaskId != "" {
		if _, _, err := taskpack.RequestIDFromRunID(p.ParentTaskId); err != nil {
			return skerr.Wrapf(ErrInvalid, "parent_task_id (%q) is not a valid run id", p.ParentTaskId)
		}
	}
	props := p.Properties
	if props == nil {
		return skerr.Wrapf(ErrInvalid, "properties is required")
	}
	if len(props.Commands) == 0 {
		return skerr.Wrapf(ErrInvalid, "commands is required")
	}
	for _, cmd := range props.Commands {
		if len(cmd) == 0 {
			return skerr.Wrapf(ErrInvalid, "commands must not contain an empty command")
		}
	}
	for _, d := range props.Data {
		if d.URL == "" {
			return skerr.Wrapf(ErrInvalid, "data entries must have a url")
		}
	}
	for k := range props.Dimensions {
		if k == "" {
			return skerr.Wrapf(ErrInvalid, "dimensions must not have an empty key")
		}
	}
	if err := validateTimeout("execution_timeout_secs", props.ExecutionTimeoutSecs); err != nil {
		return err
	}
	if err := validateTimeout("io_timeout_secs", props.IoTimeoutSecs); err != nil {
		return err
	}
	return nil
}

// Store creates and loads task requests.
type Store struct {
	db db.RequestDB

	// rand supplies the random bits of new request ids. Overridden in
	// tests for determinism.
	rand func() uint16
}

// NewStore returns a Store backed by the given database.
func NewStore(d db.RequestDB) *Store {
	return &Store{
		db: d,
		rand: func() uint16 {
			var b [2]byte
			if _, err := rand.Read(b[:]); err != nil {
				// crypto/rand never fails on supported platforms.
				sklog.Fatalf("Failed to read random bytes: %s", err)
			}
			return binary.BigEndian.Uint16(b[:])
		},
	}
}

// Create validates the payload, builds the immutable request and
// stores it under a freshly allocated id.
func (s *Store) Create(ctx context.Context, p *Payload) (*types.TaskRequest, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	ts := now.Now(ctx).UTC()
	// The data list is stored canonically sorted so two requests which
	// differ only in data order hash identically.
	data := p.Properties.Data
	if len(data) > 1 {
		data = append([]types.DataRef{}, data...)
		sort.Slice(data, func(a, b int) bool {
			if data[a].URL != data[b].URL {
				return data[a].URL < data[b].URL
			}
			return data[a].File < data[b].File
		})
	}
	props := types.TaskProperties{
		Commands:             p.Properties.Commands,
		Data:                 data,
		Dimensions:           p.Properties.Dimensions,
		Env:                  p.Properties.Env,
		ExecutionTimeoutSecs: *p.Properties.ExecutionTimeoutSecs,
		Idempotent:           p.Properties.Idempotent,
		IoTimeoutSecs:        *p.Properties.IoTimeoutSecs,
	}
	propertiesHash := ""
	if props.Idempotent {
		var err error
		propertiesHash, err = props.Hash()
		if err != nil {
			return nil, skerr.Wrap(err)
		}
	}
	r := &types.TaskRequest{
		Created:        ts,
		Name:           p.Name,
		User:           p.User,
		ParentTaskId:   p.ParentTaskId,
		Tags:           p.Tags,
		Priority:       *p.Priority,
		Properties:     props,
		PropertiesHash: propertiesHash,
		Expiration:     ts.Add(time.Duration(*p.SchedulingExpirationSecs) * time.Second),
	}
	for i := 0; i < ID_ALLOCATION_ATTEMPTS; i++ {
		id, err := taskpack.NewRequestID(ts, s.rand())
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		r.Id = taskpack.PackRequestKey(taskpack.RequestKey{ID: id})
		err = s.db.PutTaskRequest(ctx, r)
		if err == nil {
			return r, nil
		}
		if !db.IsAlreadyExists(err) {
			return nil, skerr.Wrap(err)
		}
		sklog.Warningf("Request id %s already in use; retrying.", r.Id)
	}
	return nil, skerr.Fmt("failed to allocate a request id after %d attempts", ID_ALLOCATION_ATTEMPTS)
}

// Get returns the stored request with the given packed id.
func (s *Store) Get(ctx context.Context, id string) (*types.TaskRequest, error) {
	if _, err := taskpack.UnpackRequestKey(id); err != nil {
		return nil, skerr.Wrapf(ErrInvalid, "bad task id %q", id)
	}
	return s.db.GetTaskRequest(ctx, id)
}
