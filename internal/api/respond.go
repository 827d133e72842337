package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/S-Corkum/fitcoach-server/internal/apperrors"
	"github.com/S-Corkum/fitcoach-server/internal/quota"
)

// errorBody is the wire envelope for every failure response
type errorBody struct {
	Code    apperrors.Code         `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// quotaErrorBody is the wire shape of a quota rejection: usage rides at
// the top level next to code and message
type quotaErrorBody struct {
	Code       apperrors.Code `json:"code"`
	Message    string         `json:"message"`
	QuotaUsage quota.Usage    `json:"quotaUsage"`
}

// respondError maps a typed error to its HTTP status and envelope. A
// quota rejection carries the usage in the body and a Retry-After
// header derived from the window reset.
func respondError(c *gin.Context, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			appErr = apperrors.Wrap(apperrors.CodeDeadlineExceeded, "operation deadline exceeded", err)
		} else {
			appErr = apperrors.Wrap(apperrors.CodePersistenceFailed, "internal error", err)
		}
	}

	if appErr.Code == apperrors.CodeQuotaExceeded {
		if usage, ok := appErr.Details["quotaUsage"].(quota.Usage); ok {
			retryAfter := int(time.Until(usage.ResetsAt).Seconds())
			if retryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(retryAfter))
			}
			c.JSON(apperrors.HTTPStatus(appErr.Code), quotaErrorBody{
				Code:       appErr.Code,
				Message:    appErr.Message,
				QuotaUsage: usage,
			})
			return
		}
	}

	c.JSON(apperrors.HTTPStatus(appErr.Code), errorBody{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	})
}

// userIDFrom reads the authenticated user id injected by the gateway
func userIDFrom(c *gin.Context) (uuid.UUID, bool) {
	raw := c.GetHeader("X-User-ID")
	userID, err := uuid.Parse(raw)
	if err != nil {
		respondError(c, apperrors.New(apperrors.CodeValidationFailed, "missing or invalid X-User-ID header"))
		return uuid.Nil, false
	}
	return userID, true
}
