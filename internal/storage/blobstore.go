package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// StoredObject is the durable location of a copied asset.
type StoredObject struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

// BlobStore copies a remote asset into owned storage and returns a stable
// public URL. Constructed once at startup and injected into the video service.
type BlobStore interface {
	DownloadAndUpload(ctx context.Context, sourceURL, key, contentType string) (*StoredObject, error)
}

// HTTPBlobStore streams a source URL into an S3-compatible storage endpoint
// over its REST API (PUT {endpoint}/{bucket}/{key}).
type HTTPBlobStore struct {
	endpoint  string
	bucket    string
	authToken string
	publicURL string
	client    *http.Client
}

func NewHTTPBlobStore(endpoint, bucket, authToken, publicURL string) *HTTPBlobStore {
	return &HTTPBlobStore{
		endpoint:  endpoint,
		bucket:    bucket,
		authToken: authToken,
		publicURL: publicURL,
		client:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (s *HTTPBlobStore) DownloadAndUpload(ctx context.Context, sourceURL, key, contentType string) (*StoredObject, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		log.Printf("[STORAGE] Source fetch failed for %s: %v", sourceURL, err)
		return nil, fmt.Errorf("source fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("[STORAGE] Source returned non-OK status %d for %s", resp.StatusCode, sourceURL)
		return nil, fmt.Errorf("source returned status %d", resp.StatusCode)
	}

	uploadURL := fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, key)
	upload, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, resp.Body)
	if err != nil {
		return nil, err
	}
	upload.Header.Set("Authorization", "Bearer "+s.authToken)
	upload.Header.Set("Content-Type", contentType)
	if resp.ContentLength > 0 {
		upload.ContentLength = resp.ContentLength
	}

	uploadResp, err := s.client.Do(upload)
	if err != nil {
		log.Printf("[STORAGE] Upload failed for key %s: %v", key, err)
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer uploadResp.Body.Close()
	io.Copy(io.Discard, uploadResp.Body)

	if uploadResp.StatusCode < 200 || uploadResp.StatusCode >= 300 {
		log.Printf("[STORAGE] Upload returned non-OK status %d for key %s", uploadResp.StatusCode, key)
		return nil, fmt.Errorf("upload returned status %d", uploadResp.StatusCode)
	}

	log.Printf("[STORAGE] Stored %s (%d bytes)", key, resp.ContentLength)
	return &StoredObject{
		URL: fmt.Sprintf("%s/%s/%s", s.publicURL, s.bucket, key),
		Key: key,
	}, nil
}
