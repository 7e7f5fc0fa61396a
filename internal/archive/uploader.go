package archive

import (
	"context"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
)

type Uploader interface {
	Upload(ctx context.Context, bucket, prefix, filename string, content []byte) error
}

type GCSUploader struct {
	client *storage.Client
}

func NewGCSUploader(ctx context.Context) (*GCSUploader, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "gcs client")
	}
	return &GCSUploader{client: client}, nil
}

func (u *GCSUploader) Upload(ctx context.Context, bucket, prefix, filename string, content []byte) error {
	obj := u.client.Bucket(bucket).Object(objectName(prefix, filename))
	w := obj.NewWriter(ctx)
	w.ContentType = "text/csv"
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return errors.Wrapf(err, "write gs://%s/%s", bucket, obj.ObjectName())
	}
	return errors.Wrapf(w.Close(), "close gs://%s/%s", bucket, obj.ObjectName())
}

func (u *GCSUploader) Close() error { return u.client.Close() }

func objectName(prefix, filename string) string {
	if prefix == "" {
		return filename
	}
	return prefix + "/" + filename
}

// FakeUploader keeps uploads in memory, keyed by object name.
type FakeUploader struct {
	mu    sync.Mutex
	files map[string][]byte
}

func NewFakeUploader() *FakeUploader {
	return &FakeUploader{}
}

func (u *FakeUploader) Upload(_ context.Context, _, prefix, filename string, content []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.files == nil {
		u.files = make(map[string][]byte)
	}
	u.files[objectName(prefix, filename)] = content
	return nil
}

func (u *FakeUploader) Has(name string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.files[name]
	return ok
}

func (u *FakeUploader) Get(name string) []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.files[name]
}
