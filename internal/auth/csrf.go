package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// methods that never change chat state
var csrfExempt = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// CSRFMiddleware guards state-changing chat requests from browsers identified
// by the client cookie: the X-CSRF-Token header must echo the csrf cookie.
// Clients sending their id in X-Client-ID carry no ambient credentials and
// pass through.
func (s *Service) CSRFMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if csrfExempt[c.Request.Method] || clientFromHeader(c) {
			c.Next()
			return
		}
		if reason := s.csrfFailure(c); reason != "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": reason})
			return
		}
		c.Next()
	}
}

func (s *Service) csrfFailure(c *gin.Context) string {
	cookieToken, err := c.Cookie(s.csrfCookieName)
	if err != nil || cookieToken == "" {
		return "csrf cookie missing, reload the chat"
	}
	echoed := c.GetHeader(s.csrfHeaderName)
	if echoed == "" {
		return "csrf header missing"
	}
	if subtle.ConstantTimeCompare([]byte(echoed), []byte(cookieToken)) != 1 {
		return "csrf token does not match the client cookie"
	}
	return ""
}
