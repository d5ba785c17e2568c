package credits

import (
	"context"
	"errors"
	"fmt"
)

// RecordCompletedPurchase turns a completed checkout event into a Purchase
// row plus a credit grant, as one transaction. The external transaction id is
// unique at the storage layer and doubles as the grant idempotency key, so a
// redelivered webhook returns the purchase recorded the first time and grants
// nothing twice.
func (service *Service) RecordCompletedPurchase(ctx context.Context, transactionID TransactionID, userID UserID, creditType CreditType, amount CreditAmount, priceCents int64, expiresAtUnixUTC int64, metadataJSON string) (Purchase, error) {
	if !creditType.Valid() {
		return Purchase{}, fmt.Errorf("%w: %q", ErrUnknownCreditType, creditType)
	}
	prior, found, err := service.store.GetPurchaseByTransactionID(ctx, transactionID.String())
	if err != nil {
		return Purchase{}, err
	}
	if found {
		service.logOperation(ctx, OperationLog{
			Operation:     operationRecordPurchase,
			UserID:        userID.String(),
			CreditType:    creditType,
			Amount:        amount.Int64(),
			TransactionID: transactionID.String(),
			Status:        operationStatusDuplicate,
		})
		return prior, nil
	}
	idempotencyKey, err := NewIdempotencyKey(idempotencyPrefixPurchase + transactionID.String())
	if err != nil {
		return Purchase{}, err
	}
	var recorded Purchase
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		purchase, err := transactionStore.InsertPurchase(ctx, Purchase{
			UserID:                userID.String(),
			CreditType:            creditType,
			Amount:                amount.Int64(),
			PriceCents:            priceCents,
			ExternalTransactionID: transactionID.String(),
			Status:                PurchaseCompleted,
			MetadataJSON:          metadataJSON,
			ExpiresAtUnixUTC:      expiresAtUnixUTC,
			CreatedUnixUTC:        service.nowFn(),
		})
		if err != nil {
			return err
		}
		reason := fmt.Sprintf("purchased %d %s credits", amount.Int64(), creditType)
		if _, err := grantTx(ctx, transactionStore, userID, creditType, amount, reason, purchase.PurchaseID, idempotencyKey, expiresAtUnixUTC, service.nowFn()); err != nil {
			return err
		}
		recorded = purchase
		return nil
	})
	status := ""
	if errors.Is(operationError, ErrDuplicateTransactionID) || errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		// Lost a race with a concurrent delivery of the same event; the first
		// writer's record stands.
		existing, foundPrior, lookupError := service.store.GetPurchaseByTransactionID(ctx, transactionID.String())
		if lookupError != nil {
			operationError = lookupError
		} else if foundPrior {
			recorded = existing
			operationError = nil
			status = operationStatusDuplicate
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationRecordPurchase,
		UserID:         userID.String(),
		CreditType:     creditType,
		Amount:         amount.Int64(),
		IdempotencyKey: idempotencyKey.String(),
		TransactionID:  transactionID.String(),
		Status:         status,
		Error:          operationError,
	})
	return recorded, operationError
}

// RecordRefund marks the purchase behind a provider refund event as refunded
// and claws back the granted credits, clamped at the current balance. Credits
// already spent stay spent; the shortfall is spelled out in the history entry
// rather than hidden. Unknown or already-refunded transactions are a no-op.
func (service *Service) RecordRefund(ctx context.Context, transactionID TransactionID) error {
	purchase, found, err := service.store.GetPurchaseByTransactionID(ctx, transactionID.String())
	if err != nil {
		return err
	}
	if !found || purchase.Status == PurchaseRefunded {
		service.logOperation(ctx, OperationLog{
			Operation:     operationRecordRefund,
			UserID:        purchase.UserID,
			CreditType:    purchase.CreditType,
			TransactionID: transactionID.String(),
			Status:        operationStatusDuplicate,
		})
		return nil
	}
	var removed int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.UpdatePurchaseStatus(ctx, purchase.PurchaseID, PurchaseCompleted, PurchaseRefunded); err != nil {
			return err
		}
		removedNow, err := transactionStore.DecrementBalanceClamped(ctx, purchase.UserID, purchase.CreditType, purchase.Amount)
		if err != nil {
			return err
		}
		removed = removedNow
		if removedNow == 0 {
			return nil
		}
		description := fmt.Sprintf("refund of %s", transactionID.String())
		if removedNow < purchase.Amount {
			description = fmt.Sprintf("refund of %s: reclaimed %d of %d credits, remainder already spent", transactionID.String(), removedNow, purchase.Amount)
		}
		_, err = transactionStore.InsertHistory(ctx, HistoryEntry{
			UserID:            purchase.UserID,
			CreditType:        purchase.CreditType,
			Action:            ActionRefund,
			Amount:            removedNow,
			Description:       description,
			IdempotencyKey:    idempotencyPrefixRefund + transactionID.String(),
			RelatedPurchaseID: purchase.PurchaseID,
			CreatedUnixUTC:    service.nowFn(),
		})
		return err
	})
	if errors.Is(operationError, ErrPurchaseStatusConflict) {
		// A concurrent refund already flipped the status; nothing left to do.
		operationError = nil
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationRecordRefund,
		UserID:        purchase.UserID,
		CreditType:    purchase.CreditType,
		Amount:        removed,
		TransactionID: transactionID.String(),
		Error:         operationError,
	})
	return operationError
}
