// Package storage uploads chat attachments to an object store bucket.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Uploader writes an object and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, objectPath, contentType string, data []byte) (string, error)
	Delete(ctx context.Context, publicURL string) error
}

// Supabase talks to the Supabase Storage REST API.
type Supabase struct {
	baseURL    string
	bucket     string
	serviceKey string
	httpClient *http.Client
}

// NewSupabase constructs a Supabase uploader for one bucket.
func NewSupabase(baseURL, bucket, serviceKey string) *Supabase {
	return &Supabase{
		baseURL:    strings.TrimRight(baseURL, "/"),
		bucket:     bucket,
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// WithHTTPClient replaces the HTTP client.
func (s *Supabase) WithHTTPClient(c *http.Client) *Supabase {
	s.httpClient = c
	return s
}

// Upload writes data at objectPath inside the bucket.
func (s *Supabase) Upload(ctx context.Context, objectPath, contentType string, data []byte) (string, error) {
	objectPath = strings.Trim(objectPath, "/")
	uploadURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, s.bucket, objectPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	s.authorize(req)
	req.Header.Set("x-upsert", "true")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload object: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("upload object: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return s.PublicURL(objectPath), nil
}

// PublicURL returns the public URL of an object in the bucket.
func (s *Supabase) PublicURL(objectPath string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, strings.Trim(objectPath, "/"))
}

// Delete removes the object behind publicURL. A missing object is not an error.
func (s *Supabase) Delete(ctx context.Context, publicURL string) error {
	objectPath, err := s.objectPathFromURL(publicURL)
	if err != nil {
		return err
	}

	deleteURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, s.bucket, objectPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, deleteURL, nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("delete object: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (s *Supabase) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
}

func (s *Supabase) objectPathFromURL(publicURL string) (string, error) {
	parsed, err := url.Parse(publicURL)
	if err != nil {
		return "", fmt.Errorf("parse object url: %w", err)
	}

	publicPrefix := "/storage/v1/object/public/" + s.bucket + "/"
	objectPrefix := "/storage/v1/object/" + s.bucket + "/"

	switch {
	case strings.HasPrefix(parsed.Path, publicPrefix):
		return strings.TrimPrefix(parsed.Path, publicPrefix), nil
	case strings.HasPrefix(parsed.Path, objectPrefix):
		return strings.TrimPrefix(parsed.Path, objectPrefix), nil
	default:
		return "", fmt.Errorf("object url does not belong to bucket %s", s.bucket)
	}
}

// Memory keeps objects in process. Used by tests and when no storage URL is configured.
type Memory struct {
	mu      sync.Mutex
	baseURL string
	objects map[string]Object
}

// Object is a stored blob.
type Object struct {
	ContentType string
	Data        []byte
}

// NewMemory constructs an in-memory uploader whose URLs are rooted at baseURL.
func NewMemory(baseURL string) *Memory {
	return &Memory{baseURL: strings.TrimRight(baseURL, "/"), objects: make(map[string]Object)}
}

// Upload implements Uploader.
func (m *Memory) Upload(ctx context.Context, objectPath, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	objectPath = strings.Trim(objectPath, "/")
	m.mu.Lock()
	m.objects[objectPath] = Object{ContentType: contentType, Data: append([]byte(nil), data...)}
	m.mu.Unlock()
	return m.baseURL + "/" + objectPath, nil
}

// Delete implements Uploader.
func (m *Memory) Delete(ctx context.Context, publicURL string) error {
	m.mu.Lock()
	delete(m.objects, strings.TrimPrefix(publicURL, m.baseURL+"/"))
	m.mu.Unlock()
	return nil
}

// Get returns a stored object.
func (m *Memory) Get(objectPath string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[objectPath]
	return o, ok
}
