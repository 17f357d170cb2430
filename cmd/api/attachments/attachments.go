// Package attachments stores files on incidents via the configured object
// store.
package attachments

import (
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"

	app "github.com/opsdesk/servicedesk-go/cmd/api/app"
	authpkg "github.com/opsdesk/servicedesk-go/cmd/api/auth"
	metricspkg "github.com/opsdesk/servicedesk-go/cmd/api/metrics"
)

// List returns attachment metadata for an incident.
func List(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, []any{})
			return
		}
		const q = `select id::text, filename, bytes from attachments where incident_id=$1 order by created_at asc`
		rows, err := a.DB.Query(c.Request.Context(), q, c.Param("id"))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		defer rows.Close()
		type att struct {
			ID       string `json:"id"`
			Filename string `json:"filename"`
			Bytes    int64  `json:"bytes"`
		}
		out := []att{}
		for rows.Next() {
			var a1 att
			if err := rows.Scan(&a1.ID, &a1.Filename, &a1.Bytes); err != nil {
				app.AbortDomainError(c, err)
				return
			}
			out = append(out, a1)
		}
		c.JSON(http.StatusOK, out)
	}
}

// Upload stores a multipart file against an incident.
func Upload(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil || a.M == nil {
			metricspkg.AttachmentsUploadedTotal.Inc()
			c.JSON(http.StatusCreated, gin.H{"id": "temp"})
			return
		}
		f, header, err := c.Request.FormFile("file")
		if err != nil {
			app.AbortError(c, http.StatusBadRequest, "validation_failed", "file required",
				map[string]string{"file": "required"})
			return
		}
		defer f.Close()
		safeName := sanitizeFilename(header.Filename)
		if safeName == "" {
			safeName = "file"
		}
		key := uuid.New().String() + "-" + safeName
		size := header.Size
		ct := header.Header.Get("Content-Type")
		if ct == "" {
			ct = mime.TypeByExtension(filepath.Ext(header.Filename))
		}
		if _, err := a.M.PutObject(c.Request.Context(), a.Cfg.MinIOBucket, key, f, size, minio.PutObjectOptions{ContentType: ct}); err != nil {
			app.AbortDomainError(c, err)
			return
		}
		var uploader string
		if v, ok := c.Get("user"); ok {
			if u, ok := v.(authpkg.AuthUser); ok {
				uploader = u.ID
			}
		}
		if uploader == "" {
			app.AbortError(c, http.StatusUnauthorized, "unauthenticated", "login required", nil)
			return
		}
		const q = `insert into attachments (incident_id, uploader_id, object_key, filename, bytes) values ($1, $2, $3, $4, $5) returning id::text`
		var id string
		if err := a.DB.QueryRow(c.Request.Context(), q, c.Param("id"), uploader, key, header.Filename, size).Scan(&id); err != nil {
			app.AbortDomainError(c, err)
			return
		}
		metricspkg.AttachmentsUploadedTotal.Inc()
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}

// Get downloads one attachment. Filesystem stores are served directly; object
// stores answer 501 and clients fall back to a presigned URL.
func Get(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, gin.H{"id": c.Param("attID")})
			return
		}
		const q = `select object_key, filename, bytes from attachments where id=$1 and incident_id=$2`
		var key, fn string
		var size int64
		if err := a.DB.QueryRow(c.Request.Context(), q, c.Param("attID"), c.Param("id")).Scan(&key, &fn, &size); err != nil {
			app.AbortError(c, http.StatusNotFound, "not_found", "attachment not found", nil)
			return
		}
		if fs, ok := a.M.(*app.FsObjectStore); ok {
			root := filepath.Join(fs.Base, a.Cfg.MinIOBucket)
			path := filepath.Clean(filepath.Join(root, key))
			// Reject anything resolving outside the bucket root
			if rel, err := filepath.Rel(root, path); err != nil || strings.HasPrefix(rel, "..") {
				app.AbortError(c, http.StatusBadRequest, "validation_failed", "invalid path", nil)
				return
			}
			f, err := os.ReadFile(path)
			if err != nil {
				app.AbortError(c, http.StatusNotFound, "not_found", "attachment not found", nil)
				return
			}
			c.Writer.Header().Set("Content-Type", mime.TypeByExtension(filepath.Ext(fn)))
			c.Writer.Header().Set("Content-Disposition", "attachment; filename=\""+strings.ReplaceAll(fn, "\"", "")+"\"")
			_, _ = c.Writer.Write(f)
			return
		}
		c.JSON(http.StatusNotImplemented, gin.H{"error": "download not implemented"})
	}
}

// sanitizeFilename removes path separators and dot segments and restricts to a
// conservative character set, preserving the extension when possible.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "..", "")
	b := strings.Builder{}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := strings.TrimSpace(b.String())
	out = strings.TrimLeft(out, ".")
	return out
}

// Delete removes an attachment record.
func Delete(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, gin.H{"ok": true})
			return
		}
		const q = `delete from attachments where id=$1 and incident_id=$2`
		if _, err := a.DB.Exec(c.Request.Context(), q, c.Param("attID"), c.Param("id")); err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
