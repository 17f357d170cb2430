package webhooks

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apppkg "github.com/opsdesk/servicedesk-go/cmd/api/app"
)

type emailInboundReq struct {
	RawStoreKey string         `json:"raw_store_key" binding:"required"`
	ParsedJSON  map[string]any `json:"parsed_json" binding:"required"`
	MessageID   string         `json:"message_id"`
}

// EmailInbound accepts inbound mail pushed by an external gateway and queues
// the payload for the worker. Duplicate message ids are dropped so gateway
// retries stay idempotent.
func EmailInbound(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in emailInboundReq
		if err := c.ShouldBindJSON(&in); err != nil {
			apppkg.AbortError(c, http.StatusBadRequest, "validation_failed", "raw_store_key and parsed_json are required", nil)
			return
		}
		var msgID any
		if in.MessageID != "" {
			msgID = in.MessageID
		}
		if a.DB != nil {
			if _, err := a.DB.Exec(c.Request.Context(),
				`insert into email_inbound (raw_store_key, parsed_json, message_id) values ($1,$2,$3) on conflict do nothing`,
				in.RawStoreKey, in.ParsedJSON, msgID); err != nil {
				apppkg.AbortError(c, http.StatusInternalServerError, "internal", err.Error(), nil)
				return
			}
		}
		c.Status(http.StatusAccepted)
	}
}
