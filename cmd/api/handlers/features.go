package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	apppkg "github.com/opsdesk/servicedesk-go/cmd/api/app"
)

// Features reports simple capability flags the UI can use to toggle features.
func Features(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"attachments": a.M != nil,
			"live_events": a.Q != nil,
		})
	}
}
