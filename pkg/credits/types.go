package credits

import (
	"context"
	"fmt"
	"strings"
)

// CreditType names one virtual-currency balance. The set is fixed at deploy
// time; unknown values are rejected before any balance is touched.
type CreditType string

const (
	CreditAnonymous  CreditType = "anonymous"
	CreditLateSubmit CreditType = "late_submit"
	CreditSneakPeek  CreditType = "sneak_peek"
	CreditBoost      CreditType = "boost"
	CreditExtraTakes CreditType = "extra_takes"
	CreditDelete     CreditType = "delete"
)

// AllCreditTypes lists every recognized credit type in display order.
func AllCreditTypes() []CreditType {
	return []CreditType{
		CreditAnonymous,
		CreditLateSubmit,
		CreditSneakPeek,
		CreditBoost,
		CreditExtraTakes,
		CreditDelete,
	}
}

// ParseCreditType validates a raw credit type identifier.
func ParseCreditType(raw string) (CreditType, error) {
	candidate := CreditType(strings.TrimSpace(raw))
	for _, creditType := range AllCreditTypes() {
		if candidate == creditType {
			return creditType, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCreditType, raw)
}

// String returns the stored identifier.
func (creditType CreditType) String() string {
	return string(creditType)
}

// Valid reports whether the credit type is one of the recognized set.
func (creditType CreditType) Valid() bool {
	_, err := ParseCreditType(string(creditType))
	return err == nil
}

// HistoryAction enumerates balance-mutation kinds recorded in the history log.
type HistoryAction string

const (
	ActionPurchase HistoryAction = "purchase"
	ActionUse      HistoryAction = "use"
	ActionExpire   HistoryAction = "expire"
	ActionRefund   HistoryAction = "refund"
)

// ParseHistoryAction validates a raw history action.
func ParseHistoryAction(raw string) (HistoryAction, error) {
	switch HistoryAction(raw) {
	case ActionPurchase, ActionUse, ActionExpire, ActionRefund:
		return HistoryAction(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidHistoryAction, raw)
}

// String returns the stored identifier.
func (action HistoryAction) String() string {
	return string(action)
}

// Sign reports the direction of an entry with this action: purchases add
// credits, uses, expiries and refund claw-backs remove them.
func (action HistoryAction) Sign() int64 {
	switch action {
	case ActionPurchase:
		return 1
	default:
		return -1
	}
}

// PurchaseStatus defines the purchase lifecycle.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseFailed    PurchaseStatus = "failed"
	PurchaseRefunded  PurchaseStatus = "refunded"
)

// ParsePurchaseStatus validates a raw purchase status.
func ParsePurchaseStatus(raw string) (PurchaseStatus, error) {
	switch PurchaseStatus(raw) {
	case PurchasePending, PurchaseCompleted, PurchaseFailed, PurchaseRefunded:
		return PurchaseStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPurchaseStatus, raw)
}

// String returns the stored identifier.
func (status PurchaseStatus) String() string {
	return string(status)
}

// UserID identifies a balance owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IdempotencyKey scopes duplicate detection for grants.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// TransactionID is the payment provider's identifier for one purchase event.
type TransactionID struct {
	value string
}

// NewTransactionID validates and normalizes an external transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// CreditAmount is a strictly positive credit quantity.
type CreditAmount int64

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw quantity.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// A single immutable line in the history log. Amount is the positive
// magnitude of the change; direction is implied by Action.
type HistoryEntry struct {
	EntryID           string
	UserID            string
	CreditType        CreditType
	Action            HistoryAction
	Amount            int64
	Description       string
	IdempotencyKey    string
	RelatedPurchaseID string
	RelatedEntryID    string
	ExpiresAtUnixUTC  int64
	CreatedUnixUTC    int64
}

// Purchase records one external payment event and the credits it granted.
// MetadataJSON carries the raw provider payload for reconciliation; empty
// means "{}".
type Purchase struct {
	PurchaseID            string
	UserID                string
	CreditType            CreditType
	Amount                int64
	PriceCents            int64
	ExternalTransactionID string
	Status                PurchaseStatus
	MetadataJSON          string
	ExpiresAtUnixUTC      int64
	CreatedUnixUTC        int64
}

// Store is the persistence contract used by Service. Implementations must
// serialize concurrent mutations to the same (user, credit type) balance and
// enforce uniqueness of history idempotency keys and purchase transaction ids.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetBalance(ctx context.Context, userID string, creditType CreditType) (int64, error)
	ListBalances(ctx context.Context, userID string) (map[CreditType]int64, error)
	// AddBalance creates the balance row on first grant and increments it
	// otherwise.
	AddBalance(ctx context.Context, userID string, creditType CreditType, amount int64) error
	// DecrementBalance subtracts amount only when the stored balance covers
	// it, as a single conditional update. Returns false without mutating when
	// it does not.
	DecrementBalance(ctx context.Context, userID string, creditType CreditType, amount int64) (bool, error)
	// DecrementBalanceClamped subtracts up to amount, stopping at zero, and
	// returns the quantity actually removed.
	DecrementBalanceClamped(ctx context.Context, userID string, creditType CreditType, amount int64) (int64, error)
	InsertHistory(ctx context.Context, entry HistoryEntry) (HistoryEntry, error)
	GetHistoryByIdempotencyKey(ctx context.Context, key string) (HistoryEntry, bool, error)
	ListHistory(ctx context.Context, userID string, limit int, offset int) ([]HistoryEntry, error)
	InsertPurchase(ctx context.Context, purchase Purchase) (Purchase, error)
	GetPurchaseByTransactionID(ctx context.Context, transactionID string) (Purchase, bool, error)
	UpdatePurchaseStatus(ctx context.Context, purchaseID string, from PurchaseStatus, to PurchaseStatus) error
	ListPurchases(ctx context.Context, userID string) ([]Purchase, error)
}
