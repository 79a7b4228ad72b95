// Package events publishes task lifecycle events. Downstream
// consumers (stats pipelines, notification services) subscribe to the
// pubsub topic; the scheduler itself never depends on them.
package events

import (
	"context"
	"encoding/json"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.skia.org/infra/go/cleanup"
	"go.skia.org/infra/go/metrics2"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"
	"go.skia.org/infra/go/util"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
)

const (
	// TOPIC is the pubsub topic for task lifecycle events.
	TOPIC = "task-scheduler-task-events"

	// Attributes sent with all pubsub messages.

	// Task ID.
	ATTR_ID = "id"
	// Timestamp of the event.
	ATTR_TIMESTAMP = "ts"
	// Unique identifier for the sender of the message.
	ATTR_SENDER_ID = "sender"
)

// EventType distinguishes the lifecycle events of a task.
type EventType string

const (
	TaskScheduled EventType = "task_scheduled"
	TaskDeduped   EventType = "task_deduped"
	TaskStarted   EventType = "task_started"
	TaskCompleted EventType = "task_completed"
	TaskCanceled  EventType = "task_canceled"
	TaskExpired   EventType = "task_expired"
	TaskBotDied   EventType = "task_bot_died"
)

// Event describes one task lifecycle transition.
type Event struct {
	Type EventType `json:"type"`

	// TaskId is the packed id of the affected entity: the summary id
	// for request level events, the run id for attempt level events.
	TaskId string `json:"task_id"`

	// BotId is set for events caused by a bot.
	BotId string `json:"bot_id,omitempty"`

	// Created is when the event happened.
	Created time.Time `json:"created"`
}

// Emitter publishes events. Emitting never fails the calling
// operation; delivery problems are logged and counted instead.
type Emitter interface {
	Emit(ctx context.Context, e *Event)
}

// nopEmitter drops all events.
type nopEmitter struct{}

func (nopEmitter) Emit(ctx context.Context, e *Event) {}

// NewNopEmitter returns an Emitter which drops all events. Used in
// tests and when pubsub is not configured.
func NewNopEmitter() Emitter {
	return nopEmitter{}
}

// pubsubEmitter publishes events to a pubsub topic.
type pubsubEmitter struct {
	senderId string
	topic    *pubsub.Topic
	failures metrics2.Counter
}

// NewPubSubEmitter returns an Emitter publishing to the TOPIC topic of
// the given project, creating the topic if needed.
func NewPubSubEmitter(ctx context.Context, project string, ts oauth2.TokenSource) (Emitter, error) {
	client, err := pubsub.NewClient(ctx, project, option.WithTokenSource(ts))
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	t := client.Topic(TOPIC)
	// Topic existence checks hit the admin API, which throttles
	// aggressively on cold starts, so retry with backoff.
	err = backoff.Retry(func() error {
		exists, err := t.Exists(ctx)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := client.CreateTopic(ctx, TOPIC); err != nil {
				return err
			}
		}
		return nil
	}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
	if err != nil {
		return nil, skerr.Wrapf(err, "failed to ensure topic %q exists", TOPIC)
	}
	e := &pubsubEmitter{
		senderId: uuid.New().String(),
		topic:    t,
		failures: metrics2.GetCounter("task_scheduler_event_publish_failures", nil),
	}
	cleanup.AtExit(func() {
		e.topic.Stop()
	})
	return e, nil
}

// See docs for Emitter interface.
func (p *pubsubEmitter) Emit(ctx context.Context, e *Event) {
	data, err := json.Marshal(e)
	if err != nil {
		// Events contain no user supplied types; this never happens.
		sklog.Errorf("Failed to encode event: %s", err)
		return
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			ATTR_ID:        e.TaskId,
			ATTR_TIMESTAMP: e.Created.Format(util.RFC3339NanoZeroPad),
			ATTR_SENDER_ID: p.senderId,
		},
	})
	go func() {
		if _, err := res.Get(context.Background()); err != nil {
			p.failures.Inc(1)
			sklog.Errorf("Failed to send pubsub message: %s", err)
		}
	}()
}
