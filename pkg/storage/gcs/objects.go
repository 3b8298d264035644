package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrObjectNotFound is returned by OpenObject when the object is missing.
var ErrObjectNotFound = errors.New("gcs object not found")

// PutObject uploads body as a single media request. ifGenerationMatch=0
// makes the write create-only, so a retried upload never clobbers a file a
// job already points at.
func (c *Client) PutObject(ctx context.Context, bucket, object, contentType string, body io.Reader) error {
	bucket, err := c.resolveBucket(bucket, object)
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("uploadType", "media")
	q.Set("name", object)
	q.Set("ifGenerationMatch", "0")
	u := fmt.Sprintf("%s/upload/storage/v1/b/%s/o?%s", c.baseURL, url.PathEscape(bucket), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gcs upload: %w", err)
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return statusError("gcs upload", resp)
	}
	return nil
}

// OpenObject streams the object's content. Callers close the reader.
func (c *Client) OpenObject(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	bucket, err := c.resolveBucket(bucket, object)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(bucket, object)+"?alt=media", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gcs download: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNotFound:
		drain(resp.Body)
		return nil, ErrObjectNotFound
	default:
		defer drain(resp.Body)
		return nil, statusError("gcs download", resp)
	}
}

// DeleteObject removes an object; a missing object is not an error.
func (c *Client) DeleteObject(ctx context.Context, bucket, object string) error {
	bucket, err := c.resolveBucket(bucket, object)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(bucket, object), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gcs delete: %w", err)
	}
	defer drain(resp.Body)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	}
	return statusError("gcs delete", resp)
}

func (c *Client) objectURL(bucket, object string) string {
	return fmt.Sprintf("%s/storage/v1/b/%s/o/%s", c.baseURL, url.PathEscape(bucket), url.PathEscape(object))
}

func (c *Client) resolveBucket(bucket, object string) (string, error) {
	if c == nil || c.httpClient == nil {
		return "", errors.New("gcs client not initialized")
	}
	if bucket == "" {
		bucket = c.defaultBucket
	}
	if bucket == "" {
		return "", errors.New("gcs bucket is required")
	}
	if strings.TrimSpace(object) == "" {
		return "", errors.New("gcs object name is required")
	}
	return bucket, nil
}
