// Package slas manages SLA policies over HTTP.
package slas

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"

	app "github.com/opsdesk/servicedesk-go/cmd/api/app"
	slapkg "github.com/opsdesk/servicedesk-go/internal/sla"
)

func store(a *app.App) *slapkg.Store {
	return &slapkg.Store{DB: a.DB}
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

// List returns SLA policies.
func List(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := store(a).List(c.Request.Context())
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// Get returns a single SLA policy.
func Get(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := store(a).Get(c.Request.Context(), c.Param("id"))
		if err == pgx.ErrNoRows {
			app.AbortError(c, http.StatusNotFound, "not_found", "sla policy not found", nil)
			return
		}
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

type createReq struct {
	Name               string                  `json:"name" binding:"required"`
	Priority           string                  `json:"priority" binding:"required,oneof=critical high medium low"`
	ResponseMins       int                     `json:"response_mins" binding:"required,min=1"`
	ResponseBizHours   bool                    `json:"response_business_hours"`
	ResolutionMins     int                     `json:"resolution_mins" binding:"required,min=1"`
	ResolutionBizHours bool                    `json:"resolution_business_hours"`
	Escalations        []slapkg.EscalationStep `json:"escalations"`
	Hours              *slapkg.BusinessHours   `json:"hours"`
	Categories         []string                `json:"categories"`
	Sites              []string                `json:"sites"`
	IsDefault          bool                    `json:"is_default"`
}

// Create inserts a new SLA policy.
func Create(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in createReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		if in.Hours != nil {
			if _, err := in.Hours.Calendar(); err != nil {
				app.AbortError(c, http.StatusBadRequest, "validation_failed", "invalid business hours",
					map[string]string{"hours": err.Error()})
				return
			}
		}
		p := slapkg.Policy{
			Name:               in.Name,
			Priority:           slapkg.Priority(in.Priority),
			ResponseMins:       in.ResponseMins,
			ResponseBizHours:   in.ResponseBizHours,
			ResolutionMins:     in.ResolutionMins,
			ResolutionBizHours: in.ResolutionBizHours,
			Escalations:        in.Escalations,
			Hours:              in.Hours,
			Categories:         in.Categories,
			Sites:              in.Sites,
			IsDefault:          in.IsDefault,
			IsActive:           true,
		}
		id, err := store(a).Create(c.Request.Context(), p)
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		// A policy created as default must also clear the previous default.
		if in.IsDefault {
			if err := store(a).SetDefault(c.Request.Context(), id, p.Priority); err != nil && err != pgx.ErrNoRows {
				app.AbortDomainError(c, err)
				return
			}
		}
		p.ID = id
		c.JSON(http.StatusCreated, p)
	}
}

type updateReq struct {
	Name               *string                 `json:"name" binding:"omitempty,min=1"`
	ResponseMins       *int                    `json:"response_mins" binding:"omitempty,min=1"`
	ResponseBizHours   *bool                   `json:"response_business_hours"`
	ResolutionMins     *int                    `json:"resolution_mins" binding:"omitempty,min=1"`
	ResolutionBizHours *bool                   `json:"resolution_business_hours"`
	Escalations        []slapkg.EscalationStep `json:"escalations"`
	Hours              *slapkg.BusinessHours   `json:"hours"`
	Categories         []string                `json:"categories"`
	Sites              []string                `json:"sites"`
}

// Update patches a policy. Omitted fields keep their values; priority and
// the default flag are not updatable here.
func Update(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in updateReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		if in.Hours != nil {
			if _, err := in.Hours.Calendar(); err != nil {
				app.AbortError(c, http.StatusBadRequest, "validation_failed", "invalid business hours",
					map[string]string{"hours": err.Error()})
				return
			}
		}
		p, err := store(a).Update(c.Request.Context(), c.Param("id"), slapkg.PolicyPatch{
			Name:               in.Name,
			ResponseMins:       in.ResponseMins,
			ResponseBizHours:   in.ResponseBizHours,
			ResolutionMins:     in.ResolutionMins,
			ResolutionBizHours: in.ResolutionBizHours,
			Escalations:        in.Escalations,
			Hours:              in.Hours,
			Categories:         in.Categories,
			Sites:              in.Sites,
		})
		if err == pgx.ErrNoRows {
			app.AbortError(c, http.StatusNotFound, "not_found", "sla policy not found", nil)
			return
		}
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

type setDefaultReq struct {
	Priority string `json:"priority" binding:"required,oneof=critical high medium low"`
}

// SetDefault makes a policy the single default for its priority.
func SetDefault(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in setDefaultReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		err := store(a).SetDefault(c.Request.Context(), c.Param("id"), slapkg.Priority(in.Priority))
		if err == pgx.ErrNoRows {
			app.AbortError(c, http.StatusNotFound, "not_found", "sla policy not found", nil)
			return
		}
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// Delete deactivates a policy.
func Delete(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := store(a).Delete(c.Request.Context(), c.Param("id"))
		if err == pgx.ErrNoRows {
			app.AbortError(c, http.StatusNotFound, "not_found", "sla policy not found", nil)
			return
		}
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
