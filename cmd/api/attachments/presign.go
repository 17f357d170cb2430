package attachments

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"

	app "github.com/opsdesk/servicedesk-go/cmd/api/app"
	metricspkg "github.com/opsdesk/servicedesk-go/cmd/api/metrics"
	s3svc "github.com/opsdesk/servicedesk-go/internal/s3"
)

type presignReq struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// PresignUpload hands the client either a presigned PUT URL (object store) or
// a local upload path (filesystem store).
func PresignUpload(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in presignReq
		_ = c.ShouldBindJSON(&in)
		safeName := sanitizeFilename(in.Filename)
		if safeName == "" {
			safeName = "file"
		}
		key := uuid.New().String() + "-" + safeName

		if mc, ok := a.M.(*minio.Client); ok {
			svc := s3svc.Service{Client: mc, Bucket: a.Cfg.MinIOBucket, MaxTTL: 15 * time.Minute}
			u, err := svc.PresignPut(c.Request.Context(), key, in.ContentType, 10*time.Minute)
			if err != nil {
				app.AbortDomainError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"object_key": key, "upload_url": u, "method": http.MethodPut})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"object_key": key,
			"upload_url": "/attachments/upload/" + key,
			"method":     http.MethodPut,
		})
	}
}

// PresignDownload returns a short-lived download URL for one attachment.
func PresignDownload(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, gin.H{"url": ""})
			return
		}
		const q = `select object_key, filename from attachments where id=$1 and incident_id=$2`
		var key, fn string
		if err := a.DB.QueryRow(c.Request.Context(), q, c.Param("attID"), c.Param("id")).Scan(&key, &fn); err != nil {
			app.AbortError(c, http.StatusNotFound, "not_found", "attachment not found", nil)
			return
		}
		if mc, ok := a.M.(*minio.Client); ok {
			svc := s3svc.Service{Client: mc, Bucket: a.Cfg.MinIOBucket, MaxTTL: 15 * time.Minute}
			u, err := svc.PresignGet(c.Request.Context(), key, fn, 10*time.Minute)
			if err != nil {
				app.AbortDomainError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"url": u})
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": "/incidents/" + c.Param("id") + "/attachments/" + c.Param("attID")})
	}
}

// UploadObject receives the body of a presigned local upload. The object key
// must begin with the UUID minted by PresignUpload.
func UploadObject(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("objectKey")
		if len(key) < 36 {
			app.AbortError(c, http.StatusBadRequest, "validation_failed", "invalid object key", nil)
			return
		}
		if _, err := uuid.Parse(key[:36]); err != nil {
			app.AbortError(c, http.StatusBadRequest, "validation_failed", "invalid object key", nil)
			return
		}
		if a.M == nil {
			app.AbortError(c, http.StatusServiceUnavailable, "unavailable", "object store not configured", nil)
			return
		}
		timeout := time.Duration(a.Cfg.ObjectStoreTimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		ct := c.GetHeader("Content-Type")
		var body io.Reader = c.Request.Body
		size := c.Request.ContentLength
		if _, err := a.M.PutObject(ctx, a.Cfg.MinIOBucket, key, body, size, minio.PutObjectOptions{ContentType: ct}); err != nil {
			app.AbortDomainError(c, err)
			return
		}
		metricspkg.AttachmentsUploadedTotal.Inc()
		c.JSON(http.StatusOK, gin.H{"object_key": key})
	}
}
