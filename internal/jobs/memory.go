package jobs

import (
	"context"
	"sync"

	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

// Memory is a process-local Store
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]models.Job
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]models.Job)}
}

func (m *Memory) Create(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrExists
	}
	m.jobs[job.ID] = *job
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &job, nil
}

func (m *Memory) Update(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	m.jobs[job.ID] = *job
	return nil
}

func (m *Memory) List(_ context.Context, limit int) ([]*models.Job, error) {
	m.mu.RLock()
	list := make([]*models.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		list = append(list, &job)
	}
	m.mu.RUnlock()
	return newestFirst(list, limit), nil
}
