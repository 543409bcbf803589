package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	clientIDContextKey     = "auth_client_id"
	clientHeaderContextKey = "auth_client_from_header"
)

// ClientMiddleware resolves the client id from the header or cookie and
// issues a new one, with its CSRF cookie, to first-time browsers.
func (s *Service) ClientMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.GetHeader(s.headerName); id != "" {
			if !ValidClientID(id) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid client id"})
				return
			}
			c.Set(clientIDContextKey, id)
			c.Set(clientHeaderContextKey, true)
			c.Next()
			return
		}

		clientID, err := c.Cookie(s.cookieName)
		issueClient := err != nil || !ValidClientID(clientID)
		if issueClient {
			clientID = s.NewClientID()
		}
		csrfToken := ""
		if token, err := c.Cookie(s.csrfCookieName); err != nil || token == "" || issueClient {
			csrfToken, err = s.NewCSRFToken()
			if err != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "could not issue csrf token"})
				return
			}
		}
		issued := ""
		if issueClient {
			issued = clientID
		}
		s.setCookies(c, issued, csrfToken)

		c.Set(clientIDContextKey, clientID)
		c.Set(clientHeaderContextKey, false)
		c.Next()
	}
}

// ClientIDFromContext retrieves the client id stored by ClientMiddleware.
func ClientIDFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(clientIDContextKey)
	if !ok {
		return "", false
	}
	id, ok := val.(string)
	return id, ok && id != ""
}

func clientFromHeader(c *gin.Context) bool {
	return c.GetBool(clientHeaderContextKey)
}
