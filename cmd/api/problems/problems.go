// Package problems exposes root-cause problem management over HTTP.
package problems

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	app "github.com/opsdesk/servicedesk-go/cmd/api/app"
	authpkg "github.com/opsdesk/servicedesk-go/cmd/api/auth"
	"github.com/opsdesk/servicedesk-go/cmd/api/events"
	metricspkg "github.com/opsdesk/servicedesk-go/cmd/api/metrics"
	"github.com/opsdesk/servicedesk-go/internal/sla"
	"github.com/opsdesk/servicedesk-go/internal/workflow"
)

func service(a *app.App) *workflow.ProblemService {
	return workflow.NewProblemService(a.DB)
}

func actor(c *gin.Context) string {
	if v, ok := c.Get("user"); ok {
		if u, ok := v.(authpkg.AuthUser); ok {
			return u.ID
		}
	}
	return ""
}

func bindErrors(c *gin.Context, err error) {
	errs := map[string]string{}
	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ve {
			errs[strings.ToLower(fe.Field())] = fe.Tag()
		}
	}
	app.AbortError(c, http.StatusBadRequest, "validation_failed", "invalid request body", errs)
}

type createReq struct {
	Title       string `json:"title" binding:"required,min=3"`
	Description string `json:"description"`
	Priority    string `json:"priority" binding:"omitempty,oneof=critical high medium low"`
}

// Create logs a new problem.
func Create(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in createReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		p, err := service(a).Create(c.Request.Context(), workflow.CreateProblemInput{
			Title:       in.Title,
			Description: in.Description,
			Priority:    sla.Priority(in.Priority),
			CreatedBy:   actor(c),
			Actor:       actor(c),
		})
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		metricspkg.ProblemsCreatedTotal.Inc()
		events.Emit(c.Request.Context(), a, "problem", p.ID, "problem_created", p)
		c.JSON(http.StatusCreated, p)
	}
}

// List returns recent problems, optionally filtered by ?status=.
func List(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		out, err := service(a).List(c.Request.Context(), c.Query("status"), limit)
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// Get returns a problem by row id or PRB number.
func Get(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := service(a).Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

type rootCauseReq struct {
	RootCause string `json:"root_cause" binding:"required"`
}

// UpdateRootCause records analysis findings.
func UpdateRootCause(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in rootCauseReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		p, err := service(a).UpdateRootCause(c.Request.Context(), c.Param("id"), in.RootCause, actor(c))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

type knownErrorReq struct {
	Workaround string `json:"workaround" binding:"required"`
}

// MarkKnownError flags a problem as a known error with a workaround.
func MarkKnownError(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in knownErrorReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		p, err := service(a).MarkKnownError(c.Request.Context(), c.Param("id"), in.Workaround, actor(c))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

type resolveReq struct {
	PermanentFix string `json:"permanent_fix" binding:"required"`
}

// Resolve records the permanent fix and notifies linked incidents.
func Resolve(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in resolveReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		p, err := service(a).Resolve(c.Request.Context(), c.Param("id"), in.PermanentFix, actor(c))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		events.Emit(c.Request.Context(), a, "problem", p.ID, "problem_resolved", gin.H{
			"problem_id": p.ProblemID,
		})
		c.JSON(http.StatusOK, p)
	}
}

// Close finishes a resolved problem.
func Close(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := service(a).Close(c.Request.Context(), c.Param("id"), actor(c))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

type linkReq struct {
	IncidentID string `json:"incident_id" binding:"required"`
}

// LinkIncident attaches an incident to a problem. Idempotent.
func LinkIncident(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in linkReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		p, err := service(a).LinkIncident(c.Request.Context(), c.Param("id"), in.IncidentID, actor(c))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

// Timeline returns a problem's audit trail.
func Timeline(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := service(a).Timeline(c.Request.Context(), c.Param("id"))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}
