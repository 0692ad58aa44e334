package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/shehryarbajwa/claimharvest/internal/config"
)

// GCS stores objects in a Cloud Storage bucket
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

func NewGCS(ctx context.Context, cfg config.GCSConfig) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCS{client: client, bucket: client.Bucket(cfg.Bucket)}, nil
}

func (g *GCS) write(ctx context.Context, obj *storage.ObjectHandle, data []byte) error {
	w := obj.NewWriter(ctx)
	w.ContentType = contentType(obj.ObjectName())
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (g *GCS) Put(ctx context.Context, key string, data []byte) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := g.write(ctx, g.bucket.Object(k), data); err != nil {
		return fmt.Errorf("failed to write %s: %w", k, err)
	}
	return nil
}

// PutIfAbsent uses a DoesNotExist precondition; a 412 means the key is taken
func (g *GCS) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	err = g.write(ctx, g.bucket.Object(k).If(storage.Conditions{DoesNotExist: true}), data)
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == 412 {
		return fmt.Errorf("%s: %w", k, ErrExist)
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", k, err)
	}
	return nil
}

func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	r, err := g.bucket.Object(k).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", k, ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", k, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (g *GCS) Delete(ctx context.Context, key string) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	err = g.bucket.Object(k).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete %s: %w", k, err)
	}
	return nil
}

func (g *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close releases the client
func (g *GCS) Close() error {
	return g.client.Close()
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".pdf":
		return "application/pdf"
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	}
	return "application/octet-stream"
}
