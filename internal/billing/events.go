package billing

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/stripe/stripe-go/v76"
)

// Stripe event types handled by the reconciler.
const (
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventCheckoutCompleted       = "checkout.session.completed"
	EventChargeRefunded          = "charge.refunded"

	checkoutModePayment = string(stripe.CheckoutSessionModePayment)
	metadataUserID      = "user_id"
	metadataCredits     = "credits"
)

// Stripe subscription statuses.
const (
	StatusActive   = string(stripe.SubscriptionStatusActive)
	StatusTrialing = string(stripe.SubscriptionStatusTrialing)
	StatusPastDue  = string(stripe.SubscriptionStatusPastDue)
	StatusCanceled = string(stripe.SubscriptionStatusCanceled)
)

// Event is a parsed provider webhook envelope.
type Event struct {
	ID      string
	Type    string
	Version int64
	Object  EventObject
	// PreviousAmountRefunded comes from data.previous_attributes on charge updates.
	PreviousAmountRefunded int64
}

// EventObject is the union of the object fields the reconciler reads.
type EventObject struct {
	ID                 string
	Customer           string
	Subscription       string
	Status             string
	Mode               string
	PriceID            string
	AmountTotal        int64
	AmountRefunded     int64
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	Metadata           map[string]string
}

// UserID returns metadata.user_id when present.
func (object EventObject) UserID() (ledger.UserID, bool) {
	userID, err := ledger.NewUserID(object.Metadata[metadataUserID])
	if err != nil {
		return ledger.UserID{}, false
	}
	return userID, true
}

// ParseEvent decodes a Stripe event and its data.object into Event. Every
// failure wraps ledger.ErrMalformedEvent.
func ParseEvent(payload []byte) (Event, error) {
	var envelope stripe.Event
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Event{}, malformed("decode envelope: %v", err)
	}
	event := Event{
		ID:      strings.TrimSpace(envelope.ID),
		Type:    strings.TrimSpace(string(envelope.Type)),
		Version: envelope.Created,
	}
	if event.ID == "" {
		return Event{}, malformed("missing event id")
	}
	if event.Type == "" {
		return Event{}, malformed("missing event type")
	}
	if event.Version <= 0 {
		return Event{}, malformed("missing event creation time")
	}
	if envelope.Data == nil || len(envelope.Data.Raw) == 0 {
		return Event{}, malformed("missing data.object")
	}
	object, err := decodeObject(event.Type, envelope.Data.Raw)
	if err != nil {
		return Event{}, malformed("decode data.object: %v", err)
	}
	if object.Metadata == nil {
		object.Metadata = map[string]string{}
	}
	event.Object = object
	if previous, ok := envelope.Data.PreviousAttributes["amount_refunded"]; ok {
		amount, ok := previous.(float64)
		if !ok {
			return Event{}, malformed("previous_attributes.amount_refunded is not a number")
		}
		event.PreviousAmountRefunded = int64(amount)
	}
	if err := event.validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}

// decodeObject reads the typed Stripe object behind an event type.
func decodeObject(eventType string, raw json.RawMessage) (EventObject, error) {
	switch eventType {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var subscription stripe.Subscription
		if err := json.Unmarshal(raw, &subscription); err != nil {
			return EventObject{}, err
		}
		object := EventObject{
			ID:                 strings.TrimSpace(subscription.ID),
			Customer:           customerID(subscription.Customer),
			Status:             strings.TrimSpace(string(subscription.Status)),
			CurrentPeriodStart: unixTime(subscription.CurrentPeriodStart),
			CurrentPeriodEnd:   unixTime(subscription.CurrentPeriodEnd),
			Metadata:           subscription.Metadata,
		}
		if subscription.Items != nil {
			for _, item := range subscription.Items.Data {
				if item != nil && item.Price != nil && item.Price.ID != "" {
					object.PriceID = item.Price.ID
					break
				}
			}
		}
		return object, nil
	case EventInvoicePaymentSucceeded, EventInvoicePaymentFailed:
		var invoice stripe.Invoice
		if err := json.Unmarshal(raw, &invoice); err != nil {
			return EventObject{}, err
		}
		object := EventObject{
			ID:                 strings.TrimSpace(invoice.ID),
			Customer:           customerID(invoice.Customer),
			CurrentPeriodStart: unixTime(invoice.PeriodStart),
			CurrentPeriodEnd:   unixTime(invoice.PeriodEnd),
			Metadata:           invoice.Metadata,
		}
		if invoice.Subscription != nil {
			object.Subscription = strings.TrimSpace(invoice.Subscription.ID)
		}
		return object, nil
	case EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return EventObject{}, err
		}
		object := EventObject{
			ID:          strings.TrimSpace(session.ID),
			Customer:    customerID(session.Customer),
			Mode:        strings.TrimSpace(string(session.Mode)),
			AmountTotal: session.AmountTotal,
			Metadata:    session.Metadata,
		}
		if session.Subscription != nil {
			object.Subscription = strings.TrimSpace(session.Subscription.ID)
		}
		return object, nil
	case EventChargeRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(raw, &charge); err != nil {
			return EventObject{}, err
		}
		return EventObject{
			ID:             strings.TrimSpace(charge.ID),
			Customer:       customerID(charge.Customer),
			AmountRefunded: charge.AmountRefunded,
			Metadata:       charge.Metadata,
		}, nil
	}
	var generic struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return EventObject{}, err
	}
	return EventObject{ID: strings.TrimSpace(generic.ID)}, nil
}

func customerID(customer *stripe.Customer) string {
	if customer == nil {
		return ""
	}
	return strings.TrimSpace(customer.ID)
}

func unixTime(seconds int64) time.Time {
	if seconds <= 0 {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}

func (event Event) validate() error {
	object := event.Object
	switch event.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		if object.ID == "" {
			return malformed("%s: missing subscription id", event.Type)
		}
		if object.Customer == "" {
			return malformed("%s: missing customer", event.Type)
		}
		if event.Type != EventSubscriptionDeleted && object.Status == "" {
			return malformed("%s: missing status", event.Type)
		}
		if !object.CurrentPeriodStart.IsZero() && !object.CurrentPeriodEnd.After(object.CurrentPeriodStart) {
			return malformed("%s: period end must follow period start", event.Type)
		}
	case EventInvoicePaymentSucceeded, EventInvoicePaymentFailed:
		if object.Customer == "" {
			return malformed("%s: missing customer", event.Type)
		}
	case EventCheckoutCompleted:
		if object.ID == "" {
			return malformed("%s: missing session id", event.Type)
		}
		if raw, ok := object.Metadata[metadataCredits]; ok {
			if credits, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err != nil || credits <= 0 {
				return malformed("%s: metadata.credits must be a positive integer", event.Type)
			}
		}
		if object.AmountTotal < 0 {
			return malformed("%s: negative amount_total", event.Type)
		}
	case EventChargeRefunded:
		if object.ID == "" {
			return malformed("%s: missing charge id", event.Type)
		}
		if object.AmountRefunded <= 0 || event.PreviousAmountRefunded < 0 || event.PreviousAmountRefunded >= object.AmountRefunded {
			return malformed("%s: refunded amount must grow", event.Type)
		}
	}
	return nil
}

// MetadataCredits returns metadata.credits when present.
func (object EventObject) MetadataCredits() (ledger.Credits, bool) {
	raw, ok := object.Metadata[metadataCredits]
	if !ok {
		return 0, false
	}
	credits, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || credits <= 0 {
		return 0, false
	}
	return ledger.Credits(credits), true
}

func malformed(format string, args ...any) error {
	return ledger.WrapError(errorOperationWebhook, errorSubjectEvent, errorCodeMalformed, fmt.Errorf("%w: %s", ledger.ErrMalformedEvent, fmt.Sprintf(format, args...)))
}
