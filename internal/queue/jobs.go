package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// NotifySignerTask is scheduled whenever a signer becomes next in order.
	NotifySignerTask = "signer:notify"
)

// NotifyPayload tells the worker which signer to notify.
type NotifyPayload struct {
	InstanceID string `json:"instance_id"`
	SignerID   string `json:"signer_id"`
}

// NewNotifyTask builds the asynq task for payload.
func NewNotifyTask(payload NotifyPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(NotifySignerTask, data, asynq.MaxRetry(3)), nil
}

// EnqueueNotify enqueues a signer notification.
func EnqueueNotify(ctx context.Context, client *asynq.Client, payload NotifyPayload) error {
	task, err := NewNotifyTask(payload)
	if err != nil {
		return err
	}
	if _, err := client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue notify task: %w", err)
	}
	return nil
}

// Notifier enqueues signer notifications on Redis.
type Notifier struct {
	Client *asynq.Client
}

// NotifySigner queues a notification for signerID on instanceID.
func (n Notifier) NotifySigner(ctx context.Context, instanceID, signerID string) error {
	return EnqueueNotify(ctx, n.Client, NotifyPayload{InstanceID: instanceID, SignerID: signerID})
}
