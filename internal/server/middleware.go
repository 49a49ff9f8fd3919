package server

import (
	"regexp"

	"github.com/gin-gonic/gin"

	obscontext "github.com/openmetron/metron/internal/observability/context"
)

const accountHeader = "X-Account-ID"

// Account identity arrives from the gateway in front of this service.
// Authentication itself happens upstream; the header is trusted here.
var accountIDRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

func (s *Server) AccountRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.GetHeader(accountHeader)
		if !accountIDRe.MatchString(accountID) {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set("account_id", accountID)
		c.Request = c.Request.WithContext(obscontext.WithAccountID(c.Request.Context(), accountID))
		c.Next()
	}
}

func accountID(c *gin.Context) string {
	return c.GetString("account_id")
}
