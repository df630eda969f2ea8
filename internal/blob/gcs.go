// Package blob is the gateway to object storage for input PDFs and OCR
// intermediate outputs.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// Gateway wraps a single bucket with the operations the pipeline needs.
type Gateway struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

func NewGateway(client *storage.Client, bucketName string) *Gateway {
	return &Gateway{
		client: client,
		bucket: client.Bucket(bucketName),
		name:   bucketName,
	}
}

// Bucket returns the bucket name.
func (g *Gateway) Bucket() string { return g.name }

// URI returns the gs:// URI for an object path in the gateway's bucket.
func (g *Gateway) URI(path string) string {
	return fmt.Sprintf("gs://%s/%s", g.name, path)
}

// Upload writes data to path, overwriting any previous object.
func (g *Gateway) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	w := g.bucket.Object(path).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write object %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize object %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path exists in the bucket.
func (g *Gateway) Exists(ctx context.Context, path string) (bool, error) {
	_, err := g.bucket.Object(path).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat object %s: %w", path, err)
	}
	return true, nil
}

// Delete removes path. A missing object is not an error; blob cleanup is
// idempotent throughout the pipeline.
func (g *Gateway) Delete(ctx context.Context, path string) error {
	err := g.bucket.Object(path).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", path, err)
	}
	return nil
}

// List returns the object paths under prefix, sorted by name.
func (g *Gateway) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}
		names = append(names, attrs.Name)
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the full contents of path.
func (g *Gateway) Read(ctx context.Context, path string) ([]byte, error) {
	r, err := g.bucket.Object(path).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open object %s: %w", path, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", path, err)
	}
	return data, nil
}

// PathFromURI strips the gs://bucket/ prefix from a URI in this gateway's
// bucket. Returns the input unchanged when it is already a bare path.
func (g *Gateway) PathFromURI(uri string) string {
	prefix := fmt.Sprintf("gs://%s/", g.name)
	return strings.TrimPrefix(uri, prefix)
}
