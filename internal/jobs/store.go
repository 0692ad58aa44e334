// Package jobs persists harvest job metadata.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shehryarbajwa/claimharvest/internal/config"
	"github.com/shehryarbajwa/claimharvest/internal/storage"
	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrExists   = errors.New("job already exists")
)

// Store keeps one metadata record per job. Create is claim-or-fail.
type Store interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	Update(ctx context.Context, job *models.Job) error
	// List returns up to limit jobs, newest first.
	List(ctx context.Context, limit int) ([]*models.Job, error)
}

// New builds the backend selected by cfg. files stores metadata next to
// the job's artifacts; postgres needs a database URL.
func New(ctx context.Context, cfg *config.Config, files storage.FileStore) (Store, func(), error) {
	noop := func() {}
	switch cfg.Job.Store {
	case "", "memory":
		return NewMemory(), noop, nil
	case "files":
		return NewFiles(files), noop, nil
	case "postgres":
		pg, err := NewPostgres(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case "firestore":
		fs, err := NewFirestore(ctx, cfg.Job.Firestore)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() { _ = fs.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown job store %q", cfg.Job.Store)
	}
}

func newestFirst(list []*models.Job, limit int) []*models.Job {
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}
