// Package queue dispatches captured-login handoffs to pipeline workers with
// at-least-once delivery.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Task asks a worker to run one harvest job with a redeemable vault token
type Task struct {
	ID         string    `json:"id"`
	JobID      string    `json:"jobId"`
	Token      string    `json:"token"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Handler processes one delivery. An error requests redelivery until the
// attempt limit is reached, so handlers must be idempotent.
type Handler func(ctx context.Context, t Task) error

type Queue interface {
	Enqueue(ctx context.Context, t Task) error
	// Run delivers tasks to h until ctx is done.
	Run(ctx context.Context, h Handler) error
}

func prepare(t *Task) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
}
