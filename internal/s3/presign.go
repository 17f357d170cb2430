// Package s3 mints time-limited URLs for attachment objects so uploads and
// downloads bypass the API process.
package s3

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
)

// Service presigns object URLs against a single bucket. Requested TTLs are
// clamped to MaxTTL so callers cannot mint long-lived links.
type Service struct {
	Client *minio.Client
	Bucket string
	MaxTTL time.Duration
}

func (s Service) clamp(ttl time.Duration) (time.Duration, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("ttl must be positive")
	}
	if s.MaxTTL > 0 && ttl > s.MaxTTL {
		ttl = s.MaxTTL
	}
	return ttl, nil
}

// PresignPut returns an upload URL. A non-empty contentType is signed into
// the URL, so the client must send the same Content-Type header.
func (s Service) PresignPut(ctx context.Context, objectKey, contentType string, ttl time.Duration) (string, error) {
	ttl, err := s.clamp(ttl)
	if err != nil {
		return "", err
	}
	if contentType != "" {
		hdr := http.Header{}
		hdr.Set("Content-Type", contentType)
		u, err := s.Client.PresignHeader(ctx, http.MethodPut, s.Bucket, objectKey, ttl, nil, hdr)
		if err != nil {
			return "", err
		}
		return u.String(), nil
	}
	u, err := s.Client.PresignedPutObject(ctx, s.Bucket, objectKey, ttl)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// PresignGet returns a download URL that forces an attachment disposition
// under the stored filename.
func (s Service) PresignGet(ctx context.Context, objectKey, filename string, ttl time.Duration) (string, error) {
	ttl, err := s.clamp(ttl)
	if err != nil {
		return "", err
	}
	vals := url.Values{}
	if filename != "" {
		safe := strings.NewReplacer(`"`, "", "\r", "", "\n", "").Replace(filename)
		vals.Set("response-content-disposition", `attachment; filename="`+safe+`"`)
	}
	u, err := s.Client.PresignedGetObject(ctx, s.Bucket, objectKey, ttl, vals)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
