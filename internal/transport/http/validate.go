package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/communergy/trusted-entity/internal/service/validation"
	"github.com/communergy/trusted-entity/internal/session"
	"github.com/communergy/trusted-entity/pkg/httputil"
)

type ValidationHandler struct {
	Service *validation.Service
}

func NewValidationHandler(service *validation.Service) *ValidationHandler {
	return &ValidationHandler{Service: service}
}

// PostValidate accepts a community-issued validation token, runs the full
// validation flow and answers with a 303 to the result page. The redirect
// target carries only the energy record id as a correlation key; the proof
// stays server-side until the cookie-authenticated readout.
func (h *ValidationHandler) PostValidate(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}

	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		respondError(c, validation.ErrBadRequest)
		return
	}

	outcome, err := h.Service.Validate(c.Request.Context(), req.Token)
	if err != nil {
		respondError(c, err)
		return
	}

	httputil.SetSessionCookie(c.Writer, outcome.SessionID, outcome.CookieMaxAge)
	c.Redirect(http.StatusSeeOther, "/validate?query="+outcome.EnergyRecordID.String())
}

// GetValidate is the read path after the redirect: it resolves the session
// cookie and returns the cached proof and cost for the requested record.
func (h *ValidationHandler) GetValidate(c *gin.Context) {
	sessionID, err := httputil.GetSessionFromCookie(c.Request)
	if err != nil {
		abortWithCode(c, http.StatusUnauthorized, codeUnauthenticated, "Missing session cookie")
		return
	}

	query := c.Query("query")
	if query == "" {
		abortWithCode(c, http.StatusBadRequest, codeBadRequest, "Missing query parameter")
		return
	}
	recordID, err := uuid.Parse(query)
	if err != nil {
		abortWithCode(c, http.StatusBadRequest, codeBadRequest, "Query parameter is not a record id")
		return
	}

	result, err := h.Service.Display(c.Request.Context(), sessionID, recordID)
	if err != nil {
		// A cookie pointing at a dead session is useless to the browser;
		// clear it so the next attempt starts clean.
		if errors.Is(err, session.ErrSessionNotFound) {
			httputil.ClearSessionCookie(c.Writer)
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// Healthz is a liveness probe for deployment tooling.
func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
