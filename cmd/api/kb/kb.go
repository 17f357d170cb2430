// Package kb serves knowledge-base search and known-error publishing.
package kb

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	apppkg "github.com/opsdesk/servicedesk-go/cmd/api/app"
	kbsvc "github.com/opsdesk/servicedesk-go/internal/kb"
	"github.com/opsdesk/servicedesk-go/internal/workflow"
)

// Search returns knowledge-base articles matching the query parameter `q`.
func Search(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		arts, err := kbsvc.Search(c.Request.Context(), a.DB, c.Query("q"))
		if err != nil {
			apppkg.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, arts)
	}
}

type publishReq struct {
	Title  string `json:"title" binding:"required,min=3"`
	Slug   string `json:"slug"`
	BodyMD string `json:"body_md" binding:"required"`
}

// Publish creates or updates an article by slug.
func Publish(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in publishReq
		if err := c.ShouldBindJSON(&in); err != nil {
			errs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					errs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			apppkg.AbortError(c, http.StatusBadRequest, "validation_failed", "invalid request body", errs)
			return
		}
		id, err := kbsvc.Publish(c.Request.Context(), a.DB, kbsvc.Article{
			Title: in.Title, Slug: in.Slug, BodyMD: in.BodyMD,
		})
		if err != nil {
			apppkg.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}

// PublishKnownError creates an article from a problem's workaround and root
// cause. The problem must have a recorded workaround.
func PublishKnownError(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		svc := workflow.NewProblemService(a.DB)
		p, err := svc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			apppkg.AbortDomainError(c, err)
			return
		}
		if strings.TrimSpace(p.Workaround) == "" {
			apppkg.AbortError(c, http.StatusBadRequest, "validation_failed", "problem has no workaround",
				map[string]string{"workaround": "required"})
			return
		}
		body := "## Symptoms\n\n" + p.Description + "\n\n## Workaround\n\n" + p.Workaround
		if p.RootCause != "" {
			body += "\n\n## Root cause\n\n" + p.RootCause
		}
		id, err := kbsvc.Publish(c.Request.Context(), a.DB, kbsvc.Article{
			Title:     "Known error: " + p.Title,
			Slug:      kbsvc.Slugify(p.ProblemID + " " + p.Title),
			BodyMD:    body,
			ProblemID: p.ID,
		})
		if err != nil {
			apppkg.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}
