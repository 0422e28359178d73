package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PricingOption configures a PricingService.
type PricingOption func(*PricingService)

// WithRuleCache wires a TTL cache in front of rule lookups.
func WithRuleCache(cache RuleCache) PricingOption {
	return func(service *PricingService) {
		if cache != nil {
			service.cache = cache
		}
	}
}

// WithPricingLogger wires an operation logger for rule edits.
func WithPricingLogger(logger OperationLogger) PricingOption {
	return func(service *PricingService) {
		service.logger = logger
	}
}

// PricingService resolves action types to pricing rules and exposes the admin CRUD surface.
type PricingService struct {
	store  Store
	nowFn  func() time.Time
	cache  RuleCache
	logger OperationLogger
}

// NewPricingService wires a PricingService.
func NewPricingService(store Store, now func() time.Time, options ...PricingOption) (*PricingService, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &PricingService{store: store, nowFn: now, cache: noopRuleCache{}}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Resolve returns the active rule for actionType. Unknown and inactive
// action types fail with ErrInvalidAction.
func (service *PricingService) Resolve(ctx context.Context, actionType ActionType) (PricingRule, error) {
	rule, ok := service.cache.GetRule(actionType)
	if !ok {
		stored, err := service.store.GetPricingRule(ctx, actionType)
		if err != nil {
			if errors.Is(err, ErrPricingRuleNotFound) {
				return PricingRule{}, WrapError(errorOperationPricing, errorSubjectRule, errorCodeUnknown, fmt.Errorf("%w: %s", ErrInvalidAction, actionType))
			}
			return PricingRule{}, err
		}
		service.cache.SetRule(stored)
		rule = stored
	}
	if !rule.Active {
		return PricingRule{}, WrapError(errorOperationPricing, errorSubjectRule, errorCodeInactive, fmt.Errorf("%w: %s is inactive", ErrInvalidAction, actionType))
	}
	return rule, nil
}

// List returns all rules, active or not.
func (service *PricingService) List(ctx context.Context) ([]PricingRule, error) {
	return service.store.ListPricingRules(ctx)
}

// Get returns one rule, bypassing the cache.
func (service *PricingService) Get(ctx context.Context, actionType ActionType) (PricingRule, error) {
	return service.store.GetPricingRule(ctx, actionType)
}

// Create stores a new rule.
func (service *PricingService) Create(ctx context.Context, rule PricingRule) (PricingRule, error) {
	err := rule.Validate()
	if err == nil {
		now := service.nowFn().UTC()
		rule.CreatedAt = now
		rule.UpdatedAt = now
		err = service.store.CreatePricingRule(ctx, rule)
	}
	service.cache.InvalidateRule(rule.ActionType)
	logOperation(ctx, service.logger, OperationLog{Operation: OperationPricingCreate, ActionType: rule.ActionType, Amount: rule.CostPerAction, Error: err})
	if err != nil {
		return PricingRule{}, err
	}
	return rule, nil
}

// Update replaces cost, allowance, active flag and description of an existing rule.
func (service *PricingService) Update(ctx context.Context, rule PricingRule) (PricingRule, error) {
	var updated PricingRule
	err := rule.Validate()
	if err == nil {
		var existing PricingRule
		existing, err = service.store.GetPricingRule(ctx, rule.ActionType)
		if err == nil {
			updated = existing
			updated.CostPerAction = rule.CostPerAction
			updated.FreeAllowancePerMonth = rule.FreeAllowancePerMonth
			updated.Active = rule.Active
			updated.Description = rule.Description
			updated.UpdatedAt = service.nowFn().UTC()
			err = service.store.UpdatePricingRule(ctx, updated)
		}
	}
	service.cache.InvalidateRule(rule.ActionType)
	logOperation(ctx, service.logger, OperationLog{Operation: OperationPricingUpdate, ActionType: rule.ActionType, Amount: rule.CostPerAction, Error: err})
	if err != nil {
		return PricingRule{}, err
	}
	return updated, nil
}
