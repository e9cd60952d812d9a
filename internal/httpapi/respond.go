package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ngmhub/siteledger/internal/apperr"
)

const userKey = "user_id"

// errorEnvelope is the wire shape of every failure.
type errorEnvelope struct {
	ErrorKind string                 `json:"error_kind"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	env := errorEnvelope{ErrorKind: string(kind), Message: err.Error()}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		// The cause stays in the logs; clients get the short message.
		env.Message = ae.Message
		env.Details = ae.Details
	}
	c.AbortWithStatusJSON(apperr.HTTPStatus(kind), env)
}

// writePayloadTooLarge is the one case where the status diverges from
// the kind mapping: oversize uploads answer 413.
func writePayloadTooLarge(c *gin.Context, maxBytes int64) {
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, errorEnvelope{
		ErrorKind: string(apperr.KindValidation),
		Message:   "uploaded file exceeds the size limit",
		Details:   map[string]interface{}{"max_bytes": maxBytes},
	})
}

func badRequest(c *gin.Context, msg string) {
	writeError(c, apperr.New(apperr.KindValidation, msg))
}

// actor returns the authenticated user id set by the auth middleware.
func actor(c *gin.Context) string {
	return c.GetString(userKey)
}

// authMiddleware verifies the bearer token and stashes the user id.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(c, apperr.New(apperr.KindUnauthenticated, "missing bearer token"))
			return
		}
		userID, err := s.deps.Signer.Verify(token)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Set(userKey, userID)
		c.Next()
	}
}
