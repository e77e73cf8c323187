package archive

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Sink stores exported run reports.
type Sink interface {
	Put(ctx context.Context, objectName string, contentType string, data []byte) (string, error)
}

type NoopSink struct{}

func (NoopSink) Put(_ context.Context, _ string, _ string, _ []byte) (string, error) {
	return "", nil
}

// GCSSink uploads to one Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
}

// NewGCSSink uses credentialsJSON when given, otherwise Application Default
// Credentials.
func NewGCSSink(ctx context.Context, bucket string, credentialsJSON string) (*GCSSink, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, fmt.Errorf("report bucket is required")
	}

	var (
		client *storage.Client
		err    error
	)
	if strings.TrimSpace(credentialsJSON) != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credentialsJSON)))
	} else {
		client, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, err
	}
	return &GCSSink{client: client, bucket: bucket}, nil
}

func (s *GCSSink) Put(ctx context.Context, objectName string, contentType string, data []byte) (string, error) {
	wc := s.client.Bucket(s.bucket).Object(objectName).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("write gs://%s/%s: %w", s.bucket, objectName, err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("close gs://%s/%s: %w", s.bucket, objectName, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, objectName), nil
}

func (s *GCSSink) Close() error {
	return s.client.Close()
}

// MemorySink keeps objects in process. Used in development and tests.
type MemorySink struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemorySink() *MemorySink {
	return &MemorySink{objects: make(map[string][]byte)}
}

func (s *MemorySink) Put(_ context.Context, objectName string, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectName] = append([]byte(nil), data...)
	return "mem://" + objectName, nil
}

func (s *MemorySink) Get(objectName string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[objectName]
	return data, ok
}
