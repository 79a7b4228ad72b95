package types

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/util"
)

// DataRef is a bundle to download onto the bot before running the
// task, as a (url, local zip file name) pair. It marshals to a two
// element JSON array to keep a stable canonical form.
type DataRef struct {
	URL  string
	File string
}

// MarshalJSON implements json.Marshaler.
func (d DataRef) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{d.URL, d.File})
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *DataRef) UnmarshalJSON(b []byte) error {
	var pair [2]string
	if err := json.Unmarshal(b, &pair); err != nil {
		return skerr.Wrapf(err, "data entries must be [url, file] pairs")
	}
	d.URL = pair[0]
	d.File = pair[1]
	return nil
}

// TaskProperties describes everything needed to run a task, and
// nothing else. Two requests with equal properties produce the same
// outputs, which is what makes deduplication of idempotent tasks
// sound.
type TaskProperties struct {
	// Commands are the commands to run, in order.
	Commands [][]string `json:"commands"`

	// Data are the bundles to download before running the commands.
	Data []DataRef `json:"data"`

	// Dimensions select the bots allowed to run the task. A bot
	// matches if every entry here equals one of the bot's values for
	// that key.
	Dimensions map[string]string `json:"dimensions"`

	// Env are environment variable overrides for the commands.
	Env map[string]string `json:"env"`

	// ExecutionTimeoutSecs caps the runtime of each command.
	ExecutionTimeoutSecs int64 `json:"execution_timeout_secs"`

	// Idempotent declares that the task has no side effects beyond its
	// outputs, which allows reusing results of an identical task.
	Idempotent bool `json:"idempotent"`

	// IoTimeoutSecs caps the silence between two chunks of output.
	IoTimeoutSecs int64 `json:"io_timeout_secs"`
}

// CanonicalJSON returns the canonical serialization of the properties,
// with sorted object keys and no HTML escaping. The properties hash is
// computed over this form, so it must never change for existing
// properties.
func (p *TaskProperties) CanonicalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, skerr.Wrap(err)
	}
	// Encode appends a newline which is not part of the canonical
	// form.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Hash returns the hex SHA-1 of the canonical serialization. Only
// meaningful for idempotent properties; callers decide whether to
// store it.
func (p *TaskProperties) Hash() (string, error) {
	b, err := p.CanonicalJSON()
	if err != nil {
		return "", skerr.Wrap(err)
	}
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:]), nil
}

// Copy returns a deep copy of the properties.
func (p *TaskProperties) Copy() *TaskProperties {
	var commands [][]string
	if p.Commands != nil {
		commands = make([][]string, 0, len(p.Commands))
		for _, cmd := range p.Commands {
			commands = append(commands, util.CopyStringSlice(cmd))
		}
	}
	var data []DataRef
	if p.Data != nil {
		data = make([]DataRef, len(p.Data))
		copy(data, p.Data)
	}
	return &TaskProperties{
		Commands:             commands,
		Data:                 data,
		Dimensions:           util.CopyStringMap(p.Dimensions),
		Env:                  util.CopyStringMap(p.Env),
		ExecutionTimeoutSecs: p.ExecutionTimeoutSecs,
		Idempotent:           p.Idempotent,
		IoTimeoutSecs:        p.IoTimeoutSecs,
	}
}

// TaskRequest is the immutable description of a task as submitted by a
// client. Once stored it is never modified; everything that changes
// over the task's life lives in the result entities.
type TaskRequest struct {
	// Id is the packed request id, e.g. "1d69b9f08800881".
	Id string

	// Created is when the request was received.
	Created time.Time

	// Name is a free form display name.
	Name string

	// User is who requested the task.
	User string

	// ParentTaskId is the run id of the task which spawned this one,
	// or "".
	ParentTaskId string

	// Tags are free form "key:value" strings used for searching.
	Tags []string

	// Priority of the task, 0 is highest. Queue order is priority
	// first, then creation time.
	Priority int64

	// Properties describe what to run.
	Properties TaskProperties

	// PropertiesHash is the hex SHA-1 of the canonical properties.
	// Only set when the properties are idempotent.
	PropertiesHash string

	// Expiration is the deadline for a bot to reap the task, after
	// which the task expires.
	Expiration time.Time

	// DbModified is the time of the last database write for this
	// entity. Used for concurrency control.
	DbModified time.Time
}

// Copy returns a deep copy of the request.
func (r *TaskRequest) Copy() *TaskRequest {
	rv := new(TaskRequest)
	*rv = *r
	rv.Tags = util.CopyStringSlice(r.Tags)
	rv.Properties = *r.Properties.Copy()
	return rv
}

// TaskRequestSlice implements sort.Interface, ordering by creation
// time.
type TaskRequestSlice []*TaskRequest

func (s TaskRequestSlice) Len() int { return len(s) }
func (s TaskRequestSlice) Less(a, b int) bool {
	return s[a].Created.Before(s[b].Created)
}
func (s TaskRequestSlice) Swap(a, b int) { s[a], s[b] = s[b], s[a] }
