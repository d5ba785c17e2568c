package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/toptake/credits/pkg/credits"
)

// Inbound webhook events form a small closed set; anything else is rejected
// before it can reach the credit service.
const (
	eventPurchaseCompleted = "purchase_completed"
	eventRefundIssued      = "refund_issued"
)

// ErrUnknownPriceKey marks a provider lookup key with no catalog mapping.
// Money arrived for something we cannot name, so the event must surface for
// manual reconciliation instead of granting a guessed credit type.
var ErrUnknownPriceKey = errors.New("unknown price lookup key")

type webhookEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// purchaseCompletedEvent carries either the provider's price lookup key or an
// explicit credit type and amount.
type purchaseCompletedEvent struct {
	TransactionID    string `json:"transaction_id"`
	UserID           string `json:"user_id"`
	LookupKey        string `json:"lookup_key"`
	CreditType       string `json:"credit_type"`
	Amount           int64  `json:"amount"`
	PriceCents       int64  `json:"price_cents"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc"`
}

type refundIssuedEvent struct {
	TransactionID string `json:"transaction_id"`
}

type catalogItem struct {
	CreditType credits.CreditType
	Quantity   int64
}

// priceCatalog maps the payment provider's price lookup keys to the credit
// bundle each one sells. Kept in lockstep with the provider dashboard.
var priceCatalog = map[string]catalogItem{
	"anonymous_10":  {CreditType: credits.CreditAnonymous, Quantity: 10},
	"anonymous_25":  {CreditType: credits.CreditAnonymous, Quantity: 25},
	"late_submit_5": {CreditType: credits.CreditLateSubmit, Quantity: 5},
	"sneak_peek_10": {CreditType: credits.CreditSneakPeek, Quantity: 10},
	"boost_3":       {CreditType: credits.CreditBoost, Quantity: 3},
	"boost_10":      {CreditType: credits.CreditBoost, Quantity: 10},
	"extra_takes_5": {CreditType: credits.CreditExtraTakes, Quantity: 5},
	"delete_5":      {CreditType: credits.CreditDelete, Quantity: 5},
}

// resolveCreditBundle decides what a purchase event grants: a lookup key wins
// when present, otherwise the event must spell out credit type and amount.
func resolveCreditBundle(event purchaseCompletedEvent) (catalogItem, error) {
	if event.LookupKey != "" {
		item, ok := priceCatalog[event.LookupKey]
		if !ok {
			return catalogItem{}, fmt.Errorf("%w: %q", ErrUnknownPriceKey, event.LookupKey)
		}
		return item, nil
	}
	creditType, err := credits.ParseCreditType(event.CreditType)
	if err != nil {
		return catalogItem{}, err
	}
	if event.Amount <= 0 {
		return catalogItem{}, fmt.Errorf("%w: amount must be positive", credits.ErrInvalidCreditAmount)
	}
	return catalogItem{CreditType: creditType, Quantity: event.Amount}, nil
}
