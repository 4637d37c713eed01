package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/keystash/internal/domain"
	"github.com/smallbiznis/keystash/internal/http/middleware"
	"github.com/smallbiznis/keystash/internal/service"
)

// StatusFor maps an OAuth error code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case service.ErrCodeInvalidClient, service.ErrCodeInvalidToken:
		return http.StatusUnauthorized
	case service.ErrCodeInsufficientScope:
		return http.StatusForbidden
	case service.ErrCodeServerError:
		return http.StatusInternalServerError
	case service.ErrCodeTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// respondError writes err as an RFC 6749 section 5.2 error body.
func (h *OAuthHandler) respondError(c *gin.Context, err error) {
	_ = c.Error(err)

	oauthErr, ok := service.AsOAuthError(err)
	if !ok {
		oauthErr = classify(err)
	}
	status := StatusFor(oauthErr.Code)
	fields := []zap.Field{
		zap.String("request_id", middleware.RequestID(c)),
		zap.String("error_code", oauthErr.Code),
		zap.String("error_kind", string(domain.KindOf(err))),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("oauth request failed", fields...)
	} else {
		h.logger.Debug("oauth request rejected", fields...)
	}

	if oauthErr.Code == service.ErrCodeInvalidClient {
		if _, _, basic := c.Request.BasicAuth(); basic {
			c.Header("WWW-Authenticate", `Basic realm="keystash"`)
		}
	}
	h.respondJSONError(c, status, oauthErr.Code, oauthErr.Description)
}

func (h *OAuthHandler) respondJSONError(c *gin.Context, status int, code, desc string) {
	body := gin.H{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	c.AbortWithStatusJSON(status, body)
}

// classify maps a bare taxonomy error onto an OAuth error.
func classify(err error) *service.OAuthError {
	switch {
	case domain.IsTokenInvalid(err):
		return &service.OAuthError{Code: service.ErrCodeInvalidToken, Description: "The access token is invalid.", Err: err}
	case errors.Is(err, domain.ErrInsufficientScope):
		return &service.OAuthError{Code: service.ErrCodeInsufficientScope, Description: "The token lacks a required scope.", Err: err}
	case errors.Is(err, domain.ErrSigningUnavailable), errors.Is(err, domain.ErrKeyUnavailable):
		return &service.OAuthError{Code: service.ErrCodeTemporarilyUnavailable, Description: "Signing keys are unavailable.", Err: err}
	default:
		return &service.OAuthError{Code: service.ErrCodeServerError, Description: "The server encountered an unexpected condition.", Err: err}
	}
}
