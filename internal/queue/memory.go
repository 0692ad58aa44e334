package queue

import (
	"context"
	"sync"

	"github.com/shehryarbajwa/claimharvest/internal/logger"
)

// Memory is an in-process queue for single-binary deployments and tests
type Memory struct {
	tasks       chan Task
	workers     int
	maxAttempts int
	wg          sync.WaitGroup
}

func NewMemory(workers, maxAttempts, buffer int) *Memory {
	if workers <= 0 {
		workers = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Memory{tasks: make(chan Task, buffer), workers: workers, maxAttempts: maxAttempts}
}

func (m *Memory) Enqueue(ctx context.Context, t Task) error {
	prepare(&t)
	select {
	case m.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Run(ctx context.Context, h Handler) error {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-m.tasks:
					m.deliver(ctx, h, t)
				}
			}
		}()
	}
	m.wg.Wait()
	return nil
}

func (m *Memory) deliver(ctx context.Context, h Handler, t Task) {
	t.Attempt++
	err := h(ctx, t)
	if err == nil {
		return
	}
	log := logger.From(logger.WithJob(ctx, t.JobID))
	if t.Attempt >= m.maxAttempts || ctx.Err() != nil {
		log.Error("task dropped after final attempt", "task", t.ID, "attempt", t.Attempt, "error", err)
		return
	}
	log.Warn("task failed, redelivering", "task", t.ID, "attempt", t.Attempt, "error", err)
	go func() {
		select {
		case m.tasks <- t:
		case <-ctx.Done():
		}
	}()
}
