// Package archive persists finished pipeline runs to Redis: the run summary,
// the Board's event log and a time index, and re-publishes board events on a
// Pub/Sub channel for live tailing.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/folio/internal/executor"
	"github.com/dyluth/folio/pkg/blackboard"
)

// Client provides instance-scoped Redis operations for the run archive.
// All keys and channels are automatically namespaced with the instance name.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

// NewClient creates a new archive client for the specified instance.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instanceName: folio instance identifier (must not be empty)
//
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// NewClientFromURL parses a redis:// URL and creates a client for the instance.
func NewClientFromURL(url, instanceName string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return NewClient(opts, instanceName)
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// InstanceName returns the namespace this client writes under.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// SaveRun archives a run record together with the board events of the run,
// indexes it by start time and publishes every event to the board events channel.
//
// Everything is written in one MULTI/EXEC transaction. Saving the same run twice
// replaces the earlier copy.
func (c *Client) SaveRun(ctx context.Context, rec *RunRecord, events []blackboard.Event) error {
	if rec.ID == "" {
		return fmt.Errorf("run record has no id")
	}

	hash, err := RunToHash(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize run: %w", err)
	}

	encoded := make([]interface{}, 0, len(events))
	published := make([][]byte, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal event %d: %w", e.Seq, err)
		}
		encoded = append(encoded, string(data))

		msg, err := json.Marshal(PublishedEvent{RunID: rec.ID, Event: e})
		if err != nil {
			return fmt.Errorf("failed to marshal event %d for publish: %w", e.Seq, err)
		}
		published = append(published, msg)
	}

	runKey := RunKey(c.instanceName, rec.ID)
	eventsKey := RunEventsKey(c.instanceName, rec.ID)
	channel := BoardEventsChannel(c.instanceName)

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, runKey, eventsKey)
		pipe.HSet(ctx, runKey, hash)
		if len(encoded) > 0 {
			pipe.RPush(ctx, eventsKey, encoded...)
		}
		pipe.ZAdd(ctx, RunsIndexKey(c.instanceName), redis.Z{
			Score:  float64(rec.StartedAt.UnixMilli()),
			Member: rec.ID,
		})
		for _, msg := range published {
			pipe.Publish(ctx, channel, msg)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to archive run %s: %w", rec.ID, err)
	}
	return nil
}

// GetRun retrieves a run record by ID.
// Returns (nil, redis.Nil) if the run doesn't exist. Use IsNotFound() to check.
func (c *Client) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	hashData, err := c.rdb.HGetAll(ctx, RunKey(c.instanceName, runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read run from Redis: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	rec, err := HashToRun(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize run: %w", err)
	}
	return rec, nil
}

// ListEvents returns the archived board events of a run in sequence order.
// keep may be nil to return every event.
// Returns (nil, redis.Nil) if the run doesn't exist.
func (c *Client) ListEvents(ctx context.Context, runID string, keep func(blackboard.Event) bool) ([]blackboard.Event, error) {
	exists, err := c.rdb.Exists(ctx, RunKey(c.instanceName, runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check run existence: %w", err)
	}
	if exists == 0 {
		return nil, redis.Nil
	}

	raw, err := c.rdb.LRange(ctx, RunEventsKey(c.instanceName, runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events from Redis: %w", err)
	}

	events := make([]blackboard.Event, 0, len(raw))
	for i, item := range raw {
		var e blackboard.Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event %d: %w", i, err)
		}
		if keep == nil || keep(e) {
			events = append(events, e)
		}
	}
	return events, nil
}

// ListRuns returns archived runs that started within [since, until], oldest first.
// A zero since or until leaves that end of the range open.
func (c *Client) ListRuns(ctx context.Context, since, until time.Time) ([]*RunRecord, error) {
	lo, hi := "-inf", "+inf"
	if !since.IsZero() {
		lo = strconv.FormatInt(since.UnixMilli(), 10)
	}
	if !until.IsZero() {
		hi = strconv.FormatInt(until.UnixMilli(), 10)
	}

	ids, err := c.rdb.ZRangeByScore(ctx, RunsIndexKey(c.instanceName), &redis.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read run index: %w", err)
	}

	runs := make([]*RunRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := c.GetRun(ctx, id)
		if IsNotFound(err) {
			// Indexed but deleted; skip it
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	return runs, nil
}

// ScanRuns returns the IDs of archived runs starting with prefix, oldest first.
func (c *Client) ScanRuns(ctx context.Context, prefix string) ([]string, error) {
	ids, err := c.rdb.ZRange(ctx, RunsIndexKey(c.instanceName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read run index: %w", err)
	}

	var matches []string
	for _, id := range ids {
		if strings.HasPrefix(id, prefix) {
			matches = append(matches, id)
		}
	}
	return matches, nil
}

// Subscription represents an active Pub/Sub subscription to board events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan *PublishedEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of board events.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan *PublishedEvent {
	return s.events
}

// Errors returns the channel of subscription errors.
// The subscription continues after errors - messages are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeEvents subscribes to board events published by SaveRun for this instance.
// Context cancellation also stops the subscription.
//
// Events are delivered on a buffered channel (size 64). Redis Pub/Sub is
// at-most-once, so a slow subscriber may miss events.
func (c *Client) SubscribeEvents(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, BoardEventsChannel(c.instanceName))

	// Wait for the subscription to be confirmed so that nothing published after
	// this call returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to board events: %w", err)
	}

	eventsChan := make(chan *PublishedEvent, 64)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var ev PublishedEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal board event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Sink returns an executor.EventSink that archives every finished run under
// the given pipeline name.
func (c *Client) Sink(pipeline string) executor.EventSink {
	return &sink{client: c, pipeline: pipeline}
}

type sink struct {
	client   *Client
	pipeline string
}

func (s *sink) RecordRun(ctx context.Context, res *executor.Result) error {
	return s.client.SaveRun(ctx, NewRunRecord(s.pipeline, res), res.Events())
}
