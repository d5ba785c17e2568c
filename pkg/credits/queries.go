package credits

import (
	"context"
	"fmt"
)

// GetBalance returns the current balance for one credit type. A missing
// balance row reads as zero, never as an error.
func (service *Service) GetBalance(ctx context.Context, userID UserID, creditType CreditType) (int64, error) {
	if !creditType.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCreditType, creditType)
	}
	return service.store.GetBalance(ctx, userID.String(), creditType)
}

// GetAllBalances returns every recognized credit type mapped to its balance,
// with zero for types the user has never been granted.
func (service *Service) GetAllBalances(ctx context.Context, userID UserID) (map[CreditType]int64, error) {
	stored, err := service.store.ListBalances(ctx, userID.String())
	if err != nil {
		return nil, err
	}
	balances := make(map[CreditType]int64, len(AllCreditTypes()))
	for _, creditType := range AllCreditTypes() {
		balances[creditType] = stored[creditType]
	}
	return balances, nil
}

// GetHistory lists history entries newest first. A zero limit falls back to
// the default page size; limits above the cap are clamped.
func (service *Service) GetHistory(ctx context.Context, userID UserID, limit int, offset int) ([]HistoryEntry, error) {
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must not be negative", ErrInvalidListLimit)
	}
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return service.store.ListHistory(ctx, userID.String(), limit, offset)
}

// GetPurchases lists the user's purchases newest first.
func (service *Service) GetPurchases(ctx context.Context, userID UserID) ([]Purchase, error) {
	return service.store.ListPurchases(ctx, userID.String())
}
