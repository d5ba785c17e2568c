package credits

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the domain logic over a Store. All mutations run inside a
// store transaction so the balance change and its history entry land together
// or not at all.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Grant atomically increments a balance and appends a purchase history entry.
// A previously applied idempotency key returns the entry written the first
// time without mutating again, which is what makes duplicate payment-webhook
// delivery safe.
func (service *Service) Grant(ctx context.Context, userID UserID, creditType CreditType, amount CreditAmount, reason string, relatedPurchaseID string, idempotencyKey IdempotencyKey, expiresAtUnixUTC int64) (HistoryEntry, error) {
	if !creditType.Valid() {
		return HistoryEntry{}, fmt.Errorf("%w: %q", ErrUnknownCreditType, creditType)
	}
	var written HistoryEntry
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		entry, err := grantTx(ctx, transactionStore, userID, creditType, amount, reason, relatedPurchaseID, idempotencyKey, expiresAtUnixUTC, service.nowFn())
		if err != nil {
			return err
		}
		written = entry
		return nil
	})
	status := ""
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		existing, found, lookupError := service.store.GetHistoryByIdempotencyKey(ctx, idempotencyKey.String())
		if lookupError != nil {
			operationError = lookupError
		} else if found {
			written = existing
			operationError = nil
			status = operationStatusDuplicate
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationGrant,
		UserID:         userID.String(),
		CreditType:     creditType,
		Amount:         amount.Int64(),
		IdempotencyKey: idempotencyKey.String(),
		Status:         status,
		Error:          operationError,
	})
	return written, operationError
}

// Spend debits the balance when it covers amount and appends a use entry.
// Returns false with no mutation when credits are insufficient; that is an
// expected outcome for callers to branch on, not a fault.
func (service *Service) Spend(ctx context.Context, userID UserID, creditType CreditType, amount CreditAmount, reason string) (bool, error) {
	if !creditType.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownCreditType, creditType)
	}
	spent := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		applied, err := transactionStore.DecrementBalance(ctx, userID.String(), creditType, amount.Int64())
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		_, err = transactionStore.InsertHistory(ctx, HistoryEntry{
			UserID:         userID.String(),
			CreditType:     creditType,
			Action:         ActionUse,
			Amount:         amount.Int64(),
			Description:    reason,
			CreatedUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		spent = true
		return nil
	})
	status := ""
	if operationError == nil && !spent {
		status = operationStatusInsufficient
	}
	service.logOperation(ctx, OperationLog{
		Operation:  operationSpend,
		UserID:     userID.String(),
		CreditType: creditType,
		Amount:     amount.Int64(),
		Status:     status,
		Error:      operationError,
	})
	return spent, operationError
}

// Expire removes lapsed credits, clamped so the balance never goes negative.
// The returned entry records the quantity actually removed; when nothing
// remained to remove, no entry is written and the zero HistoryEntry is
// returned.
func (service *Service) Expire(ctx context.Context, userID UserID, creditType CreditType, amount CreditAmount, relatedEntryID string) (HistoryEntry, error) {
	if !creditType.Valid() {
		return HistoryEntry{}, fmt.Errorf("%w: %q", ErrUnknownCreditType, creditType)
	}
	var written HistoryEntry
	var removed int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		removedNow, err := transactionStore.DecrementBalanceClamped(ctx, userID.String(), creditType, amount.Int64())
		if err != nil {
			return err
		}
		removed = removedNow
		if removedNow == 0 {
			return nil
		}
		entry, err := transactionStore.InsertHistory(ctx, HistoryEntry{
			UserID:         userID.String(),
			CreditType:     creditType,
			Action:         ActionExpire,
			Amount:         removedNow,
			Description:    fmt.Sprintf("%d %s credits expired", removedNow, creditType),
			RelatedEntryID: relatedEntryID,
			CreatedUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		written = entry
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationExpire,
		UserID:     userID.String(),
		CreditType: creditType,
		Amount:     removed,
		Error:      operationError,
	})
	return written, operationError
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func grantTx(ctx context.Context, transactionStore Store, userID UserID, creditType CreditType, amount CreditAmount, reason string, relatedPurchaseID string, idempotencyKey IdempotencyKey, expiresAtUnixUTC int64, nowUnixUTC int64) (HistoryEntry, error) {
	if err := transactionStore.AddBalance(ctx, userID.String(), creditType, amount.Int64()); err != nil {
		return HistoryEntry{}, err
	}
	return transactionStore.InsertHistory(ctx, HistoryEntry{
		UserID:            userID.String(),
		CreditType:        creditType,
		Action:            ActionPurchase,
		Amount:            amount.Int64(),
		Description:       reason,
		IdempotencyKey:    idempotencyKey.String(),
		RelatedPurchaseID: relatedPurchaseID,
		ExpiresAtUnixUTC:  expiresAtUnixUTC,
		CreatedUnixUTC:    nowUnixUTC,
	})
}
