package http

import (
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/communergy/trusted-entity/internal/proof"
	"github.com/communergy/trusted-entity/internal/session"
	"github.com/communergy/trusted-entity/internal/service/validation"
)

// Stable machine-readable error codes. Responses never carry stack traces or
// key material; SESSION_EXPIRED deliberately covers both never-issued and
// expired session ids.
const (
	codeBadRequest          = "BAD_REQUEST"
	codeUnauthorized        = "UNAUTHORIZED"
	codeUnauthenticated     = "UNAUTHENTICATED"
	codeSessionExpired      = "SESSION_EXPIRED"
	codeNotFound            = "NOT_FOUND"
	codeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	codeInternal            = "INTERNAL"
)

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, validation.ErrBadRequest):
		abortWithCode(c, http.StatusBadRequest, codeBadRequest, "Missing token in request body")
	case errors.Is(err, validation.ErrUnauthorized):
		abortWithCode(c, http.StatusUnauthorized, codeUnauthorized, "Invalid or expired validation token")
	case errors.Is(err, session.ErrSessionNotFound):
		abortWithCode(c, http.StatusUnauthorized, codeSessionExpired, "Invalid or expired session")
	case errors.Is(err, session.ErrResultNotFound):
		abortWithCode(c, http.StatusNotFound, codeNotFound, "No validation result for the requested record")
	case errors.Is(err, proof.ErrUpstreamUnavailable):
		status := http.StatusBadGateway
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			status = http.StatusGatewayTimeout
		}
		abortWithCode(c, status, codeUpstreamUnavailable, "Proof service unavailable, retry later")
	default:
		abortWithCode(c, http.StatusInternalServerError, codeInternal, "Internal server error")
	}
}

func abortWithCode(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message, "code": code})
}
