package jobs

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shehryarbajwa/claimharvest/internal/config"
	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

// Firestore keeps one document per job in a collection
type Firestore struct {
	client     *firestore.Client
	collection string
}

func NewFirestore(ctx context.Context, cfg config.FirestoreConfig) (*Firestore, error) {
	client, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "harvest_jobs"
	}
	return &Firestore{client: client, collection: collection}, nil
}

func (f *Firestore) Close() error {
	return f.client.Close()
}

func (f *Firestore) doc(id string) *firestore.DocumentRef {
	return f.client.Collection(f.collection).Doc(id)
}

func (f *Firestore) Create(ctx context.Context, job *models.Job) error {
	_, err := f.doc(job.ID).Create(ctx, job)
	if status.Code(err) == codes.AlreadyExists {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("failed to create job document: %w", err)
	}
	return nil
}

func (f *Firestore) Get(ctx context.Context, id string) (*models.Job, error) {
	snap, err := f.doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job document %s: %w", id, err)
	}
	var job models.Job
	if err := snap.DataTo(&job); err != nil {
		return nil, fmt.Errorf("decode job document %s: %w", id, err)
	}
	return &job, nil
}

// Update replaces the document only when it exists
func (f *Firestore) Update(ctx context.Context, job *models.Job) error {
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref := f.doc(job.ID)
		if _, err := tx.Get(ref); err != nil {
			return err
		}
		return tx.Set(ref, job)
	})
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update job document %s: %w", job.ID, err)
	}
	return nil
}

func (f *Firestore) List(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	it := f.client.Collection(f.collection).OrderBy("CreatedAt", firestore.Desc).Limit(limit).Documents(ctx)
	defer it.Stop()

	var list []*models.Job
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}
		var job models.Job
		if err := snap.DataTo(&job); err != nil {
			return nil, fmt.Errorf("decode job document %s: %w", snap.Ref.ID, err)
		}
		list = append(list, &job)
	}
	return list, nil
}
