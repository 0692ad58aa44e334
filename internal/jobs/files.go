package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shehryarbajwa/claimharvest/internal/storage"
	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

// Files keeps each job's metadata as <job>/job-metadata.json in the
// artifact store, beside the job's partitions.
type Files struct {
	store storage.FileStore
}

func NewFiles(store storage.FileStore) *Files {
	return &Files{store: store}
}

func (f *Files) key(id string) string {
	return storage.Key(id, storage.MetadataFile)
}

func (f *Files) Create(ctx context.Context, job *models.Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	err = f.store.PutIfAbsent(ctx, f.key(job.ID), data)
	if errors.Is(err, storage.ErrExist) {
		return ErrExists
	}
	return err
}

func (f *Files) Get(ctx context.Context, id string) (*models.Job, error) {
	data, err := f.store.Get(ctx, f.key(id))
	if errors.Is(err, storage.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (f *Files) Update(ctx context.Context, job *models.Job) error {
	if _, err := f.Get(ctx, job.ID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	return f.store.Put(ctx, f.key(job.ID), data)
}

func (f *Files) List(ctx context.Context, limit int) ([]*models.Job, error) {
	keys, err := f.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var list []*models.Job
	for _, key := range keys {
		if storage.Base(key) != storage.MetadataFile || strings.Count(key, "/") != 1 {
			continue
		}
		job, err := f.Get(ctx, strings.TrimSuffix(key, "/"+storage.MetadataFile))
		if err != nil {
			return nil, err
		}
		list = append(list, job)
	}
	return newestFirst(list, limit), nil
}
