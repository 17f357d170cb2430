// Package webhooks manages outbound event subscriptions and inbound email.
package webhooks

import (
	"net/http"

	"github.com/gin-gonic/gin"

	app "github.com/opsdesk/servicedesk-go/cmd/api/app"
)

type webhookReq struct {
	TargetURL string   `json:"target_url" binding:"required,url"`
	Events    []string `json:"events"`
	Secret    string   `json:"secret"`
	Active    bool     `json:"active"`
}

// List returns all webhook subscriptions.
func List(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, []map[string]any{})
			return
		}
		rows, err := a.DB.Query(c.Request.Context(),
			`select id::text, target_url, coalesce(events,'{}'), secret, active from webhooks order by target_url`)
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		defer rows.Close()
		out := []map[string]any{}
		for rows.Next() {
			var id, url, secret string
			var events []string
			var active bool
			if err := rows.Scan(&id, &url, &events, &secret, &active); err == nil {
				out = append(out, map[string]any{
					"id":         id,
					"target_url": url,
					"events":     events,
					"secret":     secret,
					"active":     active,
				})
			}
		}
		c.JSON(http.StatusOK, out)
	}
}

// Create inserts a new webhook subscription. An empty events list subscribes
// to everything.
func Create(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in webhookReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortError(c, http.StatusBadRequest, "validation_failed", "invalid request body",
				map[string]string{"target_url": "required"})
			return
		}
		if a.DB != nil {
			if _, err := a.DB.Exec(c.Request.Context(),
				`insert into webhooks (target_url, events, secret, active) values ($1,$2,$3,$4)`,
				in.TargetURL, in.Events, in.Secret, in.Active); err != nil {
				app.AbortDomainError(c, err)
				return
			}
		}
		c.Status(http.StatusCreated)
	}
}

// Delete removes a webhook subscription by ID.
func Delete(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB != nil {
			if _, err := a.DB.Exec(c.Request.Context(), `delete from webhooks where id=$1`, c.Param("id")); err != nil {
				app.AbortDomainError(c, err)
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
