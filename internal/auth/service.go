// Package auth identifies the calling client and guards unsafe requests
// with double-submit CSRF tokens.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxClientIDLen = 64

// Service issues client ids and CSRF tokens.
type Service struct {
	cookieTTL      time.Duration
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

// NewService constructs a service whose cookies live for ttl.
func NewService(ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 365 * 24 * time.Hour
	}
	return &Service{
		cookieTTL:      ttl,
		cookieName:     "chat_client",
		headerName:     "X-Client-ID",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
	}
}

// NewClientID returns a fresh opaque client id.
func (s *Service) NewClientID() string {
	return uuid.NewString()
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ValidClientID reports whether id can scope a client's data.
func ValidClientID(id string) bool {
	if id == "" || len(id) > maxClientIDLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func (s *Service) setCookies(c *gin.Context, clientID, csrfToken string) {
	ttl := int(s.cookieTTL.Seconds())
	secure := gin.Mode() == gin.ReleaseMode
	if clientID != "" {
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     s.cookieName,
			Value:    clientID,
			MaxAge:   ttl,
			Path:     "/",
			Secure:   secure,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	if csrfToken != "" {
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     s.csrfCookieName,
			Value:    csrfToken,
			MaxAge:   ttl,
			Path:     "/",
			Secure:   secure,
			HttpOnly: false,
			SameSite: http.SameSiteStrictMode,
		})
	}
}

// ClientCookieName returns the cookie storing the client id.
func (s *Service) ClientCookieName() string {
	return s.cookieName
}

// ClientHeaderName returns the header that may carry the client id.
func (s *Service) ClientHeaderName() string {
	return s.headerName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}
