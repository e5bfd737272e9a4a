// Package gcs stores cached captures as Google Cloud Storage objects.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/pagesnap/internal/capture"
)

// Object metadata keys.
const (
	metaExpiresAt = "expires-at"
	metaStoredAt  = "stored-at"
	metaRegion    = "region"
)

// Config captures the parameters required to address the cache bucket.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// Store keeps each entry in one object named <prefix>/<key>.png with its
// expiry in object metadata.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
	clock  capture.Clock
}

var _ capture.Store = (*Store)(nil)

// New creates a GCS-backed capture store.
func New(client *storage.Client, cfg Config, clock capture.Clock) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		clock:  clock,
	}, nil
}

// ObjectName returns the object path for key.
func (s *Store) ObjectName(key string) string {
	return path.Join(s.prefix, key+".png")
}

// Get returns the object for key when it exists and has not expired.
func (s *Store) Get(ctx context.Context, key string) (capture.Entry, bool, error) {
	if strings.TrimSpace(key) == "" {
		return capture.Entry{}, false, fmt.Errorf("key is required")
	}
	obj := s.client.Bucket(s.bucket).Object(s.ObjectName(key))
	attrs, err := obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return capture.Entry{}, false, nil
	}
	if err != nil {
		return capture.Entry{}, false, fmt.Errorf("object attrs: %w", err)
	}

	entry, err := entryFromMetadata(attrs)
	if err != nil {
		return capture.Entry{}, false, err
	}
	if !entry.Fresh(s.clock.Now()) {
		return capture.Entry{}, false, nil
	}

	// Pin the generation so a concurrent Put cannot mix metadata and bytes.
	reader, err := obj.Generation(attrs.Generation).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return capture.Entry{}, false, nil
	}
	if err != nil {
		return capture.Entry{}, false, fmt.Errorf("open object: %w", err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return capture.Entry{}, false, fmt.Errorf("read object: %w", err)
	}
	entry.Data = data
	return entry, true, nil
}

// Put uploads the entry in a single request. The newest upload wins.
func (s *Store) Put(ctx context.Context, key string, entry capture.Entry) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	writer := s.client.Bucket(s.bucket).Object(s.ObjectName(key)).NewWriter(ctx)
	writer.ChunkSize = 0
	writer.ContentType = entry.ContentType
	writer.Metadata = map[string]string{
		metaExpiresAt: entry.ExpiresAt.UTC().Format(time.RFC3339Nano),
		metaStoredAt:  entry.StoredAt.UTC().Format(time.RFC3339Nano),
	}
	if entry.Region != "" {
		writer.Metadata[metaRegion] = entry.Region
	}
	if _, err := io.Copy(writer, bytes.NewReader(entry.Data)); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Sweep deletes expired objects under the prefix, along with objects whose
// expiry metadata is missing or unreadable. Each delete is pinned to the
// listed generation so an entry rewritten mid-sweep survives.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	query := &storage.Query{}
	if s.prefix != "" {
		query.Prefix = s.prefix + "/"
	}
	if err := query.SetAttrSelection([]string{"Name", "Generation", "Metadata"}); err != nil {
		return 0, fmt.Errorf("select attrs: %w", err)
	}

	bucket := s.client.Bucket(s.bucket)
	now := s.clock.Now()
	var removed int64
	it := bucket.Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return removed, nil
		}
		if err != nil {
			return removed, fmt.Errorf("list objects: %w", err)
		}
		if !strings.HasSuffix(attrs.Name, ".png") {
			continue
		}
		if entry, err := entryFromMetadata(attrs); err == nil && entry.Fresh(now) {
			continue
		}
		obj := bucket.Object(attrs.Name).If(storage.Conditions{GenerationMatch: attrs.Generation})
		if err := obj.Delete(ctx); err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) || isPreconditionFailed(err) {
				continue
			}
			return removed, fmt.Errorf("delete %s: %w", attrs.Name, err)
		}
		removed++
	}
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

func entryFromMetadata(attrs *storage.ObjectAttrs) (capture.Entry, error) {
	raw, ok := attrs.Metadata[metaExpiresAt]
	if !ok {
		return capture.Entry{}, fmt.Errorf("object %s has no %s metadata", attrs.Name, metaExpiresAt)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return capture.Entry{}, fmt.Errorf("parse %s: %w", metaExpiresAt, err)
	}
	entry := capture.Entry{
		ContentType: attrs.ContentType,
		Region:      attrs.Metadata[metaRegion],
		ExpiresAt:   expiresAt,
		StoredAt:    attrs.Created,
	}
	if storedAt, err := time.Parse(time.RFC3339Nano, attrs.Metadata[metaStoredAt]); err == nil {
		entry.StoredAt = storedAt
	}
	if entry.ContentType == "" {
		entry.ContentType = capture.PNG
	}
	return entry, nil
}
