package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	billingdomain "github.com/openmetron/metron/internal/billing/domain"
	"github.com/openmetron/metron/internal/cluster"
	functiondomain "github.com/openmetron/metron/internal/function/domain"
	plandomain "github.com/openmetron/metron/internal/plan/domain"
	subscriptiondomain "github.com/openmetron/metron/internal/subscription/domain"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, payload("unauthorized", "account identity required")

	case errors.Is(err, subscriptiondomain.ErrNoSubscription):
		return http.StatusForbidden, payload("no_subscription", "account has no active subscription")
	case errors.Is(err, subscriptiondomain.ErrSuspended):
		return http.StatusForbidden, payload("subscription_suspended", "subscription is suspended")
	case errors.Is(err, subscriptiondomain.ErrQuotaExceeded):
		return http.StatusForbidden, payload("quota_exceeded", "request quota exhausted for the current period")
	case errors.Is(err, subscriptiondomain.ErrTooManyFunctions):
		return http.StatusForbidden, payload("function_limit_reached", "plan function limit reached")

	case errors.Is(err, subscriptiondomain.ErrAlreadySubscribed):
		return http.StatusConflict, payload("already_subscribed", "account already has a subscription")
	case errors.Is(err, functiondomain.ErrNameTaken):
		return http.StatusConflict, payload("function_name_taken", "function name is taken by another account")

	case errors.Is(err, functiondomain.ErrNotFound):
		return http.StatusNotFound, payload("function_not_found", "function not found")
	case errors.Is(err, plandomain.ErrNotFound),
		errors.Is(err, subscriptiondomain.ErrPlanNotFound):
		return http.StatusNotFound, payload("plan_not_found", "plan not found")
	case errors.Is(err, billingdomain.ErrPeriodNotFound):
		return http.StatusNotFound, payload("billing_period_not_found", "billing period not found")
	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, payload("not_found", "not found")

	case errors.Is(err, functiondomain.ErrInvalidName),
		errors.Is(err, functiondomain.ErrInvalidImage),
		errors.Is(err, functiondomain.ErrInvalidScale),
		errors.Is(err, functiondomain.ErrInvalidResources),
		errors.Is(err, subscriptiondomain.ErrNotAnUpgrade),
		errors.Is(err, billingdomain.ErrPeriodNotHeld),
		errors.Is(err, billingdomain.ErrInvalidID),
		errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, payload("invalid_request", err.Error())

	case errors.Is(err, cluster.ErrClusterUnreachable):
		return http.StatusServiceUnavailable, payload("cluster_unreachable", "cluster is unreachable, try again")

	default:
		return http.StatusInternalServerError, payload("internal_error", "internal server error")
	}
}

func payload(kind, message string) errorPayload {
	return errorPayload{Type: kind, Message: message}
}
