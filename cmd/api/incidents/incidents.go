// Package incidents exposes the incident lifecycle over HTTP.
package incidents

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

func service(a *app.App) *workflow.IncidentService {
	engine := sla.NewEngine(&sla.Store{DB: a.DB})
	return workflow.NewIncidentService(a.DB, engine)
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
	Title       string  `json:"title" binding:"required,min=3"`
	Description string  `json:"description"`
	Impact      string  `json:"impact" binding:"required,oneof=high medium low"`
	Urgency     string  `json:"urgency" binding:"required,oneof=high medium low"`
	CategoryID  string  `json:"category_id"`
	SiteID      string  `json:"site_id"`
	Requester   string  `json:"requester" binding:"required"`
	AssignedTo  *string `json:"assigned_to"`
	IsMajor     bool    `json:"is_major"`
}

// Create registers a new incident. Priority is derived server-side from
// impact and urgency; a priority in the body is ignored.
func Create(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in createReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		inc, err := service(a).Create(c.Request.Context(), workflow.CreateIncidentInput{
			Title:       in.Title,
			Description: in.Description,
			Impact:      sla.Level(in.Impact),
			Urgency:     sla.Level(in.Urgency),
			CategoryID:  in.CategoryID,
			SiteID:      in.SiteID,
			Requester:   in.Requester,
			AssignedTo:  in.AssignedTo,
			IsMajor:     in.IsMajor,
			Actor:       actor(c),
		})
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		metricspkg.IncidentsCreatedTotal.Inc()
		events.Emit(c.Request.Context(), a, "incident", inc.ID, "incident_created", inc)
		c.JSON(http.StatusCreated, inc)
	}
}

// List returns incidents filtered by status, priority, assignee or search.
func List(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		out, err := service(a).List(c.Request.Context(), workflow.IncidentFilter{
			Status:     c.Query("status"),
			Priority:   c.Query("priority"),
			AssignedTo: c.Query("assigned_to"),
			Search:     c.Query("q"),
			Limit:      limit,
		})
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// Get returns an incident by row id or INC number.
func Get(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		inc, err := service(a).Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, inc)
	}
}

type statusReq struct {
	Status     string `json:"status" binding:"required"`
	Resolution *struct {
		Code  string `json:"code"`
		Notes string `json:"notes"`
	} `json:"resolution"`
}

// UpdateStatus moves an incident through its state machine.
func UpdateStatus(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in statusReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		var res *workflow.ResolutionInput
		if in.Resolution != nil {
			res = &workflow.ResolutionInput{Code: in.Resolution.Code, Notes: in.Resolution.Notes}
		}
		to := workflow.IncidentStatus(in.Status)
		inc, err := service(a).Transition(c.Request.Context(), c.Param("id"), to, actor(c), res)
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		if to == workflow.IncidentResolved {
			metricspkg.IncidentsResolvedTotal.Inc()
			if inc.SLA.Breached {
				metricspkg.SLABreachesTotal.Inc()
			}
		}
		events.Emit(c.Request.Context(), a, "incident", inc.ID, "incident_status_changed", gin.H{
			"incident_id": inc.IncidentID,
			"status":      inc.Status,
		})
		c.JSON(http.StatusOK, inc)
	}
}

type assignReq struct {
	AssignedTo string `json:"assigned_to" binding:"required"`
}

// Assign sets the working technician.
func Assign(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in assignReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		inc, err := service(a).Assign(c.Request.Context(), c.Param("id"), in.AssignedTo, actor(c))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		events.Emit(c.Request.Context(), a, "incident", inc.ID, "incident_assigned", gin.H{
			"incident_id": inc.IncidentID,
			"assigned_to": in.AssignedTo,
		})
		c.JSON(http.StatusOK, inc)
	}
}

// PauseSLA stops the incident's SLA clock.
func PauseSLA(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		inc, err := service(a).PauseSLA(c.Request.Context(), c.Param("id"), actor(c))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, inc)
	}
}

// ResumeSLA restarts the incident's SLA clock.
func ResumeSLA(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		inc, err := service(a).ResumeSLA(c.Request.Context(), c.Param("id"), actor(c))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, inc)
	}
}

type worklogReq struct {
	Minutes  int    `json:"minutes_spent" binding:"min=0"`
	Note     string `json:"note"`
	Internal bool   `json:"is_internal"`
}

// AddWorklog records time spent on an incident by the current user.
func AddWorklog(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in worklogReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		w, err := service(a).AddWorklog(c.Request.Context(), c.Param("id"), workflow.WorklogInput{
			By:       actor(c),
			Minutes:  in.Minutes,
			Note:     in.Note,
			Internal: in.Internal,
		})
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusCreated, w)
	}
}

// ListWorklogs returns an incident's worklog entries.
func ListWorklogs(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := service(a).Worklogs(c.Request.Context(), c.Param("id"))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// Timeline returns an incident's audit trail.
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

// BreachStatus reports the live SLA breach state of an incident.
func BreachStatus(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		svc := service(a)
		inc, err := svc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		engine := sla.NewEngine(&sla.Store{DB: a.DB})
		c.JSON(http.StatusOK, engine.CheckBreach(inc.SLA))
	}
}
