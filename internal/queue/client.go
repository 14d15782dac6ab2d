package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// ErrAlreadyQueued is returned when the asset already has a run waiting,
// scheduled or in progress.
var ErrAlreadyQueued = errors.New("asset already has a queued normalize run")

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type inspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	Close() error
}

type Client struct {
	client    enqueuer
	inspector inspector
	queue     string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		queue:     queueName,
	}
}

// EnqueueNormalize queues a run for payload.AssetID. The task id is derived
// from the asset id, so an asset has at most one live run in the queue. A
// finished run that asynq still keeps, archived after its last retry or
// retained after success, is deleted so the asset can be queued again.
func (c *Client) EnqueueNormalize(ctx context.Context, payload NormalizeAssetPayload) (*asynq.TaskInfo, error) {
	if payload.RequestedAt.IsZero() {
		payload.RequestedAt = time.Now().UTC()
	}
	task, err := NewNormalizeAssetTask(payload)
	if err != nil {
		return nil, err
	}
	taskID := TaskID(payload.AssetID)

	info, err := c.enqueue(ctx, task, taskID)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		cleared, cerr := c.clearFinished(taskID)
		if cerr != nil {
			return nil, fmt.Errorf("inspect queued run for %s: %w", payload.AssetID, cerr)
		}
		if cleared {
			info, err = c.enqueue(ctx, task, taskID)
		}
	}
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyQueued, payload.AssetID)
	}
	return info, err
}

func (c *Client) enqueue(ctx context.Context, task *asynq.Task, taskID string) (*asynq.TaskInfo, error) {
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(taskID),
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
	)
}

// clearFinished deletes the task with taskID when it is no longer live. It
// reports whether the id is free again.
func (c *Client) clearFinished(taskID string) (bool, error) {
	info, err := c.inspector.GetTaskInfo(c.queue, taskID)
	if errors.Is(err, asynq.ErrTaskNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	switch info.State {
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
	default:
		return false, nil
	}
	if err := c.inspector.DeleteTask(c.queue, taskID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return false, fmt.Errorf("delete %s task %s: %w", info.State, taskID, err)
	}
	return true, nil
}

// TaskID is the asynq task id of an asset's normalize run.
func TaskID(assetID string) string {
	return TypeNormalizeAsset + ":" + assetID
}

func (c *Client) Close() error {
	return errors.Join(c.client.Close(), c.inspector.Close())
}
