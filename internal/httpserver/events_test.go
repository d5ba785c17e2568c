package httpserver

import (
	"errors"
	"testing"

	"github.com/toptake/credits/pkg/credits"
)

func TestResolveCreditBundlePrefersLookupKey(test *testing.T) {
	test.Parallel()
	event := purchaseCompletedEvent{
		LookupKey:  "boost_3",
		CreditType: "delete",
		Amount:     99,
	}
	item, err := resolveCreditBundle(event)
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if item.CreditType != credits.CreditBoost || item.Quantity != 3 {
		test.Fatalf("expected boost bundle of 3, got %s/%d", item.CreditType, item.Quantity)
	}
}

func TestResolveCreditBundleFallsBackToExplicitType(test *testing.T) {
	test.Parallel()
	event := purchaseCompletedEvent{
		CreditType: "delete",
		Amount:     5,
	}
	item, err := resolveCreditBundle(event)
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if item.CreditType != credits.CreditDelete || item.Quantity != 5 {
		test.Fatalf("expected delete bundle of 5, got %s/%d", item.CreditType, item.Quantity)
	}
}

func TestResolveCreditBundleUnknownLookupKey(test *testing.T) {
	test.Parallel()
	_, err := resolveCreditBundle(purchaseCompletedEvent{LookupKey: "mystery_1"})
	if !errors.Is(err, ErrUnknownPriceKey) {
		test.Fatalf("expected ErrUnknownPriceKey, got %v", err)
	}
}

func TestResolveCreditBundleRejectsBadExplicitEvents(test *testing.T) {
	test.Parallel()
	if _, err := resolveCreditBundle(purchaseCompletedEvent{CreditType: "karma", Amount: 5}); !errors.Is(err, credits.ErrUnknownCreditType) {
		test.Fatalf("expected ErrUnknownCreditType, got %v", err)
	}
	if _, err := resolveCreditBundle(purchaseCompletedEvent{CreditType: "boost", Amount: 0}); !errors.Is(err, credits.ErrInvalidCreditAmount) {
		test.Fatalf("expected ErrInvalidCreditAmount, got %v", err)
	}
}
