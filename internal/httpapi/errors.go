package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/creditwallet/internal/billing"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/gin-gonic/gin"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// Ordered: the first matching sentinel wins.
var errorMappings = []errorMapping{
	{ledger.ErrInsufficientBalance, http.StatusPaymentRequired, "insufficient_balance"},
	{ledger.ErrWalletLocked, http.StatusLocked, "wallet_locked"},
	{ledger.ErrWalletNotFound, http.StatusNotFound, "wallet_not_found"},
	{ledger.ErrPricingRuleNotFound, http.StatusNotFound, "pricing_rule_not_found"},
	{ledger.ErrInvalidAction, http.StatusUnprocessableEntity, "invalid_action"},
	{ledger.ErrPricingRuleExists, http.StatusConflict, "pricing_rule_exists"},
	{ledger.ErrDuplicateIdempotencyKey, http.StatusConflict, "duplicate_idempotency_key"},
	{ledger.ErrMalformedEvent, http.StatusBadRequest, "malformed_event"},
	{ledger.ErrInvalidSignature, http.StatusBadRequest, "invalid_signature"},
	{ledger.ErrInvalidUserID, http.StatusBadRequest, "invalid_user_id"},
	{ledger.ErrInvalidActionType, http.StatusBadRequest, "invalid_action_type"},
	{ledger.ErrInvalidQuantity, http.StatusBadRequest, "invalid_quantity"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{ledger.ErrInvalidIdempotencyKey, http.StatusBadRequest, "invalid_idempotency_key"},
	{ledger.ErrInvalidMetadataJSON, http.StatusBadRequest, "invalid_metadata"},
	{ledger.ErrInvalidPricingRule, http.StatusBadRequest, "invalid_pricing_rule"},
	{ledger.ErrInvalidListLimit, http.StatusBadRequest, "invalid_list_limit"},
	{ledger.ErrConcurrencyTimeout, http.StatusServiceUnavailable, "concurrency_timeout"},
	{billing.ErrUnknownCustomer, http.StatusServiceUnavailable, "unknown_customer"},
	{ledger.ErrPersistenceFailure, http.StatusServiceUnavailable, "persistence_failure"},
}

func statusFor(err error) (int, string) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			return mapping.status, mapping.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zapRequestFields(ctx, err)...)
		message = http.StatusText(status)
	}
	ctx.JSON(status, errorResponse(code, message))
}
