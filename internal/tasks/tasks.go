// Package tasks wires the asynq task queue used for fire-and-forget side
// effects. Push notification delivery runs here so a slow or failing push
// endpoint never sits on the realtime path.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/duolink/duolink/internal/config"
	"github.com/duolink/duolink/internal/metrics"
	"github.com/duolink/duolink/internal/push"
	"github.com/duolink/duolink/internal/repository"
)

// TypePushNotify is the queue task name for partner push notifications.
const TypePushNotify = "push:notify"

// PushNotifyPayload is the JSON payload transported via the queue.
type PushNotifyPayload struct {
	Subscription repository.PushSubscription `json:"subscription"`
	Notification push.Notification           `json:"notification"`
}

// NewClient constructs an asynq client from Redis configuration.
func NewClient(cfg config.RedisConfig) (*asynq.Client, error) {
	opt, err := asynq.ParseRedisURI(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	return asynq.NewClient(opt), nil
}

// NewServer constructs the asynq worker that drains side-effect tasks.
func NewServer(cfg config.RedisConfig, concurrency int) (*asynq.Server, error) {
	opt, err := asynq.ParseRedisURI(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{"push": 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Printf("Task %s failed: %v", task.Type(), err)
		}),
	})
	return srv, nil
}

// EnqueuePushNotify queues one push notification for delivery.
func EnqueuePushNotify(client *asynq.Client, sub repository.PushSubscription, n push.Notification) error {
	payload, err := json.Marshal(PushNotifyPayload{Subscription: sub, Notification: n})
	if err != nil {
		return fmt.Errorf("tasks: encode push payload: %w", err)
	}
	task := asynq.NewTask(TypePushNotify, payload)
	_, err = client.Enqueue(task, asynq.Queue("push"), asynq.MaxRetry(3))
	if err != nil {
		return fmt.Errorf("tasks: enqueue push: %w", err)
	}
	return nil
}

// Queue adapts an asynq client to the service layer's push queue contract.
type Queue struct {
	client *asynq.Client
}

// NewQueue wraps an asynq client.
func NewQueue(client *asynq.Client) *Queue {
	return &Queue{client: client}
}

// EnqueuePushNotify queues one push notification for delivery.
func (q *Queue) EnqueuePushNotify(sub repository.PushSubscription, n push.Notification) error {
	return EnqueuePushNotify(q.client, sub, n)
}

// RegisterHandlers binds task handlers to the worker mux.
func RegisterHandlers(mux *asynq.ServeMux, sender *push.Sender, m metrics.Collector) {
	mux.HandleFunc(TypePushNotify, func(ctx context.Context, t *asynq.Task) error {
		var p PushNotifyPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			// Malformed payload, retrying will not help.
			log.Printf("Push task payload decode failed: %v", err)
			return nil
		}
		if err := sender.Send(ctx, p.Subscription, p.Notification); err != nil {
			m.PushFailure()
			return err
		}
		return nil
	})
}
