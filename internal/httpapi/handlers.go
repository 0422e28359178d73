package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/internal/billing"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultEntryPage = 50

type httpHandler struct {
	services Services
	logger   *zap.Logger
	timeout  time.Duration
	now      func() time.Time
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.timeout)
}

func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	signature := ctx.GetHeader(SignatureHeader)
	if signature == "" {
		signature = ctx.GetHeader(StripeSignatureHeader)
	}
	outcome, err := handler.services.Reconciler.Handle(ctx.Request.Context(), payload, signature)
	switch {
	case billing.Acknowledged(err):
		ctx.JSON(http.StatusOK, gin.H{"outcome": outcome})
	case errors.Is(err, ledger.ErrMalformedEvent), errors.Is(err, ledger.ErrInvalidSignature):
		_, code := statusFor(err)
		ctx.JSON(http.StatusBadRequest, errorResponse(code, err.Error()))
	default:
		handler.logger.Warn("webhook not applied", zap.String("outcome", string(outcome)), zap.Error(err))
		_, code := statusFor(err)
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(code, "event not applied; retry later"))
	}
}

func (handler *httpHandler) handleQuote(ctx *gin.Context) {
	userID, err := ledger.NewUserID(ctx.Query("user_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	actionType, err := ledger.NewActionType(ctx.Query("action_type"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	quantity := int64(1)
	if raw := ctx.Query("quantity"); raw != "" {
		quantity, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_quantity", "quantity must be an integer"))
			return
		}
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	breakdown, err := handler.services.Allowance.ComputeRequiredCredits(requestCtx, userID, actionType, quantity)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"breakdown": newBreakdownPayload(breakdown)})
}

func (handler *httpHandler) handleCheck(ctx *gin.Context) {
	var request checkRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, actionType, err := parseAction(request.UserID, request.ActionType)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	decision, err := handler.services.Spend.CheckAndReserve(requestCtx, userID, actionType, quantityOrOne(request.Quantity))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"decision": newDecisionPayload(decision)})
}

func (handler *httpHandler) handleCommit(ctx *gin.Context) {
	var request commitRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, actionType, err := parseAction(request.UserID, request.ActionType)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	decision := ledger.Decision{Reason: request.Reason, UserID: userID, ActionType: actionType}
	entry, err := handler.services.Spend.Commit(ctx.Request.Context(), userID, actionType, quantityOrOne(request.Quantity), decision, request.Reference.reference())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	response := gin.H{"charged": entry.Amount.Negated().Int64()}
	if entry.ID != "" {
		response["entry"] = newEntryPayload(entry)
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleListPricing(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	rules, err := handler.services.Pricing.List(requestCtx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]rulePayload, 0, len(rules))
	for _, rule := range rules {
		payload = append(payload, newRulePayload(rule))
	}
	ctx.JSON(http.StatusOK, gin.H{"rules": payload})
}

func (handler *httpHandler) handleGetPricing(ctx *gin.Context) {
	actionType, err := ledger.NewActionType(ctx.Param("action_type"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	rule, err := handler.services.Pricing.Get(requestCtx, actionType)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"rule": newRulePayload(rule)})
}

func (handler *httpHandler) handleCreatePricing(ctx *gin.Context) {
	var request pricingRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	rule, err := request.rule(request.ActionType)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	created, err := handler.services.Pricing.Create(requestCtx, rule)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"rule": newRulePayload(created)})
}

func (handler *httpHandler) handleUpdatePricing(ctx *gin.Context) {
	var request pricingRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	rule, err := request.rule(ctx.Param("action_type"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	updated, err := handler.services.Pricing.Update(requestCtx, rule)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"rule": newRulePayload(updated)})
}

func (request pricingRequest) rule(rawActionType string) (ledger.PricingRule, error) {
	actionType, err := ledger.NewActionType(rawActionType)
	if err != nil {
		return ledger.PricingRule{}, err
	}
	active := true
	if request.Active != nil {
		active = *request.Active
	}
	return ledger.PricingRule{
		ActionType:            actionType,
		CostPerAction:         ledger.Credits(request.CostPerAction),
		FreeAllowancePerMonth: request.FreeAllowancePerMonth,
		Active:                active,
		Description:           request.Description,
	}, nil
}

func (handler *httpHandler) handleGetWallet(ctx *gin.Context) {
	userID, err := ledger.NewUserID(ctx.Param("user_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	limit := defaultEntryPage
	if raw := ctx.Query("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_list_limit", "limit must be an integer"))
			return
		}
	}
	var before int64
	if raw := ctx.Query("before"); raw != "" {
		if before, err = strconv.ParseInt(raw, 10, 64); err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "before must be a sequence number"))
			return
		}
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	wallet, err := handler.services.Wallets.Find(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	balance, err := handler.services.Wallets.GetBalance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	entries, err := handler.services.Wallets.ListEntries(requestCtx, userID, before, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	report, err := handler.services.Wallets.Audit(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	entryPayloads := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		entryPayloads = append(entryPayloads, newEntryPayload(entry))
	}
	walletBody := newWalletPayload(wallet)
	walletBody.Balance = balance.Int64()
	ctx.JSON(http.StatusOK, gin.H{
		"wallet":  walletBody,
		"entries": entryPayloads,
		"audit":   newAuditPayload(report),
	})
}

func (handler *httpHandler) handleUsage(ctx *gin.Context) {
	userID, actionType, err := parseAction(ctx.Param("user_id"), ctx.Param("action_type"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	counter, err := handler.services.Allowance.Usage(requestCtx, userID, actionType)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"usage": usagePayload{
		Period:       counter.Period,
		FreeUsed:     counter.FreeUsed,
		PaidUsed:     counter.PaidUsed,
		CreditsSpent: counter.CreditsSpent.Int64(),
	}})
}

func (handler *httpHandler) handleLock(ctx *gin.Context) {
	handler.setLocked(ctx, handler.services.Wallets.Lock)
}

func (handler *httpHandler) handleUnlock(ctx *gin.Context) {
	handler.setLocked(ctx, handler.services.Wallets.Unlock)
}

func (handler *httpHandler) setLocked(ctx *gin.Context, apply func(context.Context, ledger.UserID) (ledger.Wallet, error)) {
	userID, err := ledger.NewUserID(ctx.Param("user_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	wallet, err := apply(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": newWalletPayload(wallet)})
}

func (handler *httpHandler) handleGrant(ctx *gin.Context) {
	handler.applyAmount(ctx, handler.services.Wallets.Grant)
}

func (handler *httpHandler) handleAdjust(ctx *gin.Context) {
	handler.applyAmount(ctx, handler.services.Wallets.Adjust)
}

type amountFunc func(context.Context, ledger.UserID, ledger.Credits, ledger.Reference, ledger.IdempotencyKey, string) (ledger.Entry, error)

func (handler *httpHandler) applyAmount(ctx *gin.Context, apply amountFunc) {
	userID, err := ledger.NewUserID(ctx.Param("user_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var request amountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	key, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	reference := request.Reference.reference()
	if reference.IsZero() {
		claims := getClaims(ctx)
		reference = ledger.Reference{Type: "admin", ID: claims.Subject}
	}
	entry, err := apply(ctx.Request.Context(), userID, ledger.Credits(request.Amount), reference, key, request.Description)
	duplicate := errors.Is(err, ledger.ErrDuplicateIdempotencyKey)
	if err != nil && !duplicate {
		handler.respondError(ctx, err)
		return
	}
	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	ctx.JSON(status, gin.H{"entry": newEntryPayload(entry), "duplicate": duplicate})
}

func (handler *httpHandler) handleRunResets(ctx *gin.Context) {
	var request resetRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	asOf := handler.now().UTC()
	if request.AsOf != nil {
		asOf = request.AsOf.UTC()
	}
	count, err := handler.services.Scheduler.RunDueResets(ctx.Request.Context(), asOf)
	if err != nil {
		handler.logger.Warn("manual reset run incomplete", zap.Int("reset", count), zap.Error(err))
		status, code := statusFor(err)
		ctx.JSON(status, gin.H{"reset": count, "error": gin.H{"code": code, "message": err.Error()}})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reset": count, "as_of": asOf})
}

func parseAction(rawUserID string, rawActionType string) (ledger.UserID, ledger.ActionType, error) {
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return ledger.UserID{}, ledger.ActionType{}, err
	}
	actionType, err := ledger.NewActionType(rawActionType)
	if err != nil {
		return ledger.UserID{}, ledger.ActionType{}, err
	}
	return userID, actionType, nil
}

func quantityOrOne(quantity int64) int64 {
	if quantity == 0 {
		return 1
	}
	return quantity
}
