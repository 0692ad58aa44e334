package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/claimharvest/internal/storage"
	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

func newJob(id string, created time.Time) *models.Job {
	return &models.Job{
		ID:        id,
		Query:     models.Query{Year: 2025, Month: 9},
		Status:    models.JobPending,
		Stage:     models.StageAwaitingLogin,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func stores(t *testing.T) map[string]Store {
	files, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemory(),
		"files":  NewFiles(files),
	}
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			job := newJob("SEPTIEMBRE_2025_1", base)
			require.NoError(t, s.Create(ctx, job))
			assert.ErrorIs(t, s.Create(ctx, job), ErrExists)

			job.Status = models.JobRunning
			job.Stage = models.StageDownload
			job.Progress = 10
			job.Completeness = &models.CompletenessReport{TotalExpected: 3}
			require.NoError(t, s.Update(ctx, job))

			got, err := s.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, models.JobRunning, got.Status)
			assert.Equal(t, models.StageDownload, got.Stage)
			assert.Equal(t, 10, got.Progress)
			require.NotNil(t, got.Completeness)
			assert.Equal(t, 3, got.Completeness.TotalExpected)
			assert.True(t, base.Equal(got.CreatedAt))

			_, err = s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.Update(ctx, newJob("missing", base)), ErrNotFound)
		})
	}
}

func TestStoreListNewestFirst(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i, id := range []string{"a", "b", "c"} {
				require.NoError(t, s.Create(ctx, newJob(id, base.Add(time.Duration(i)*time.Minute))))
			}

			all, err := s.List(ctx, 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "c", all[0].ID)
			assert.Equal(t, "a", all[2].ID)

			two, err := s.List(ctx, 2)
			require.NoError(t, err)
			assert.Len(t, two, 2)
		})
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Create(ctx, newJob("a", time.Now())))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	got.Status = models.JobFailed

	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, again.Status)
}
