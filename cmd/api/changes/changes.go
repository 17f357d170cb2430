// Package changes exposes the change-request lifecycle, including CAB
// approval, over HTTP.
package changes

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	app "github.com/opsdesk/servicedesk-go/cmd/api/app"
	authpkg "github.com/opsdesk/servicedesk-go/cmd/api/auth"
	"github.com/opsdesk/servicedesk-go/cmd/api/events"
	metricspkg "github.com/opsdesk/servicedesk-go/cmd/api/metrics"
	"github.com/opsdesk/servicedesk-go/internal/workflow"
)

func service(a *app.App) *workflow.ChangeService {
	return workflow.NewChangeService(a.DB)
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
	Title              string     `json:"title" binding:"required,min=3"`
	Description        string     `json:"description"`
	Type               string     `json:"type" binding:"required,oneof=normal standard emergency"`
	Risk               string     `json:"risk" binding:"required,oneof=high medium low"`
	ImplementationPlan string     `json:"implementation_plan"`
	RollbackPlan       string     `json:"rollback_plan"`
	RiskAssessment     string     `json:"risk_assessment"`
	AffectedServices   []string   `json:"affected_services"`
	RequiredApprovers  int        `json:"required_approvers" binding:"min=0"`
	PlannedStart       *time.Time `json:"planned_start"`
	PlannedEnd         *time.Time `json:"planned_end"`
	MaintenanceWindow  string     `json:"maintenance_window"`
	RequestedBy        string     `json:"requested_by" binding:"required"`
}

// Create registers a new change request in draft.
func Create(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in createReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		ch, err := service(a).Create(c.Request.Context(), workflow.CreateChangeInput{
			Title:              in.Title,
			Description:        in.Description,
			Type:               workflow.ChangeType(in.Type),
			Risk:               workflow.Risk(in.Risk),
			ImplementationPlan: in.ImplementationPlan,
			RollbackPlan:       in.RollbackPlan,
			RiskAssessment:     in.RiskAssessment,
			AffectedServices:   in.AffectedServices,
			RequiredApprovers:  in.RequiredApprovers,
			PlannedStart:       in.PlannedStart,
			PlannedEnd:         in.PlannedEnd,
			MaintenanceWindow:  in.MaintenanceWindow,
			RequestedBy:        in.RequestedBy,
			Actor:              actor(c),
		})
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		metricspkg.ChangesCreatedTotal.Inc()
		events.Emit(c.Request.Context(), a, "change", ch.ID, "change_created", ch)
		c.JSON(http.StatusCreated, ch)
	}
}

// List returns recent changes, optionally filtered by ?status=.
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

// Get returns a change by row id or CHG number, with CAB member decisions.
func Get(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		ch, err := service(a).Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, ch)
	}
}

type updateReq struct {
	Title              *string    `json:"title"`
	Description        *string    `json:"description"`
	Risk               *string    `json:"risk" binding:"omitempty,oneof=high medium low"`
	ImplementationPlan *string    `json:"implementation_plan"`
	RollbackPlan       *string    `json:"rollback_plan"`
	RiskAssessment     *string    `json:"risk_assessment"`
	AffectedServices   []string   `json:"affected_services"`
	RequiredApprovers  *int       `json:"required_approvers"`
	PlannedStart       *time.Time `json:"planned_start"`
	PlannedEnd         *time.Time `json:"planned_end"`
	MaintenanceWindow  *string    `json:"maintenance_window"`
}

// Update edits a draft or rejected change.
func Update(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in updateReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		var risk *workflow.Risk
		if in.Risk != nil {
			r := workflow.Risk(*in.Risk)
			risk = &r
		}
		ch, err := service(a).Update(c.Request.Context(), c.Param("id"), workflow.UpdateChangeInput{
			Title:              in.Title,
			Description:        in.Description,
			Risk:               risk,
			ImplementationPlan: in.ImplementationPlan,
			RollbackPlan:       in.RollbackPlan,
			RiskAssessment:     in.RiskAssessment,
			AffectedServices:   in.AffectedServices,
			RequiredApprovers:  in.RequiredApprovers,
			PlannedStart:       in.PlannedStart,
			PlannedEnd:         in.PlannedEnd,
			MaintenanceWindow:  in.MaintenanceWindow,
			Actor:              actor(c),
		})
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, ch)
	}
}

// Submit sends a change into CAB review, or approves it directly when no
// board review is required.
func Submit(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		ch, err := service(a).Submit(c.Request.Context(), c.Param("id"), actor(c))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		events.Emit(c.Request.Context(), a, "change", ch.ID, "change_submitted", gin.H{
			"change_id": ch.ChangeID,
			"status":    ch.Status,
		})
		c.JSON(http.StatusOK, ch)
	}
}

type decideReq struct {
	Decision string `json:"decision" binding:"required,oneof=approved rejected"`
	Comments string `json:"comments"`
}

// Decide records the current user's CAB decision on a change in review.
func Decide(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in decideReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		var member workflow.CABMember
		member.MemberID = actor(c)
		if v, ok := c.Get("user"); ok {
			if u, ok := v.(authpkg.AuthUser); ok {
				member.Name = u.DisplayName
			}
		}
		member.Decision = workflow.Decision(in.Decision)
		member.Comments = in.Comments
		ch, err := service(a).Decide(c.Request.Context(), c.Param("id"), member, actor(c))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		metricspkg.CABDecisionsTotal.Inc()
		events.Emit(c.Request.Context(), a, "change", ch.ID, "cab_decision", gin.H{
			"change_id":  ch.ChangeID,
			"decision":   in.Decision,
			"cab_status": ch.Approval.CABStatus,
		})
		c.JSON(http.StatusOK, ch)
	}
}

type scheduleReq struct {
	PlannedStart      time.Time `json:"planned_start" binding:"required"`
	PlannedEnd        time.Time `json:"planned_end" binding:"required"`
	MaintenanceWindow string    `json:"maintenance_window"`
}

// Schedule sets the implementation window for an approved change.
func Schedule(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in scheduleReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		ch, err := service(a).ScheduleChange(c.Request.Context(), c.Param("id"), workflow.ScheduleInput{
			PlannedStart:      in.PlannedStart,
			PlannedEnd:        in.PlannedEnd,
			MaintenanceWindow: in.MaintenanceWindow,
			Actor:             actor(c),
		})
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, ch)
	}
}

// Implement begins work on a scheduled change.
func Implement(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		ch, err := service(a).StartImplementation(c.Request.Context(), c.Param("id"), actor(c))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, ch)
	}
}

type completeReq struct {
	Success bool   `json:"success"`
	Notes   string `json:"notes"`
}

// Complete finishes an implementing change as completed or failed.
func Complete(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in completeReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		ch, err := service(a).Complete(c.Request.Context(), c.Param("id"), in.Success, in.Notes, actor(c))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		events.Emit(c.Request.Context(), a, "change", ch.ID, "change_completed", gin.H{
			"change_id": ch.ChangeID,
			"status":    ch.Status,
		})
		c.JSON(http.StatusOK, ch)
	}
}

type cancelReq struct {
	Reason string `json:"reason"`
}

// Cancel aborts a change that has not completed.
func Cancel(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in cancelReq
		_ = c.ShouldBindJSON(&in)
		ch, err := service(a).Cancel(c.Request.Context(), c.Param("id"), in.Reason, actor(c))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, ch)
	}
}

// Timeline returns a change's audit trail.
func Timeline(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		ch, err := service(a).Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		out, err := workflow.Timeline(c.Request.Context(), a.DB, "change", ch.ID)
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}
