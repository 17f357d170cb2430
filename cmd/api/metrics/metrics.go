package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	app "github.com/opsdesk/servicedesk-go/cmd/api/app"
	"github.com/opsdesk/servicedesk-go/internal/sla"
)

// Counters are package variables so tests can swap them for registry-scoped
// instances.
var (
	IncidentsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "incidents_created_total",
		Help: "Incidents created via the API.",
	})
	IncidentsResolvedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "incidents_resolved_total",
		Help: "Incidents moved to resolved.",
	})
	SLABreachesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sla_breaches_total",
		Help: "SLA breaches detected by the sweep or at resolution.",
	})
	ChangesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "changes_created_total",
		Help: "Change requests created via the API.",
	})
	CABDecisionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cab_decisions_total",
		Help: "CAB member decisions recorded.",
	})
	ProblemsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "problems_created_total",
		Help: "Problems logged via the API.",
	})
	AttachmentsUploadedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "attachments_uploaded_total",
		Help: "Attachments uploaded.",
	})
)

func init() {
	prometheus.MustRegister(IncidentsCreatedTotal, IncidentsResolvedTotal,
		SLABreachesTotal, ChangesCreatedTotal, CABDecisionsTotal, ProblemsCreatedTotal,
		AttachmentsUploadedTotal)
}

// SLACompliance reports resolution SLA attainment over incidents with a
// determined outcome, optionally bounded by ?from= and ?to= (RFC3339).
func SLACompliance(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, sla.ComplianceReport{Percent: 100})
			return
		}
		ctx := c.Request.Context()
		q := `select sla from incidents where sla is not null`
		args := []any{}
		if from := c.Query("from"); from != "" {
			args = append(args, from)
			q += " and created_at >= $1::timestamptz"
		}
		if to := c.Query("to"); to != "" {
			args = append(args, to)
			if len(args) == 2 {
				q += " and created_at < $2::timestamptz"
			} else {
				q += " and created_at < $1::timestamptz"
			}
		}
		rows, err := a.DB.Query(ctx, q, args...)
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		defer rows.Close()
		cfgs := []sla.Config{}
		for rows.Next() {
			var raw []byte
			if err := rows.Scan(&raw); err != nil {
				continue
			}
			var cfg sla.Config
			if err := json.Unmarshal(raw, &cfg); err != nil {
				continue
			}
			cfgs = append(cfgs, cfg)
		}
		c.JSON(http.StatusOK, sla.Compliance(cfgs))
	}
}

// Resolution reports average resolution minutes grouped by priority.
func Resolution(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		rows, err := a.DB.Query(c.Request.Context(), `select priority,
round(avg(extract(epoch from (closed_at - created_at))/60))::int
from incidents where closed_at is not null group by priority`)
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		defer rows.Close()
		out := map[string]int{}
		for rows.Next() {
			var prio string
			var mins int
			if err := rows.Scan(&prio, &mins); err == nil {
				out[prio] = mins
			}
		}
		c.JSON(http.StatusOK, out)
	}
}

// IncidentVolume reports incident counts grouped by status.
func IncidentVolume(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		rows, err := a.DB.Query(c.Request.Context(), `select status, count(*) from incidents group by status`)
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		defer rows.Close()
		out := map[string]int{}
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err == nil {
				out[status] = n
			}
		}
		c.JSON(http.StatusOK, out)
	}
}
