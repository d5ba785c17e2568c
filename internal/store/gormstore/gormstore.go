package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/toptake/credits/pkg/credits"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintHistoryIdempotencyKey = "uniq_history_idem"
	constraintPurchaseTransaction   = "uniq_purchase_txn"
	defaultMetadataJSON             = "{}"
	pgUniqueViolationCode           = "23505"
	sqliteConstraintCode            = 19
	errorOperationStore             = "store"
	errorSubjectBalance             = "balance"
	errorSubjectHistory             = "history"
	errorSubjectPurchase            = "purchase"
	errorCodeAdd                    = "add"
	errorCodeDecrement              = "decrement"
	errorCodeDuplicate              = "duplicate"
	errorCodeGet                    = "get"
	errorCodeInsert                 = "insert"
	errorCodeInvalid                = "invalid"
	errorCodeList                   = "list"
	errorCodeUpdateStatus           = "update_status"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetBalance(ctx context.Context, userID string, creditType credits.CreditType) (int64, error) {
	var row CreditBalance
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND credit_type = ?", userID, creditType.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return row.Balance, nil
}

func (store *Store) ListBalances(ctx context.Context, userID string) (map[credits.CreditType]int64, error) {
	var rows []CreditBalance
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	balances := make(map[credits.CreditType]int64, len(rows))
	for _, row := range rows {
		balances[credits.CreditType(row.CreditType)] = row.Balance
	}
	return balances, nil
}

func (store *Store) AddBalance(ctx context.Context, userID string, creditType credits.CreditType, amount int64) error {
	row := CreditBalance{
		UserID:     userID,
		CreditType: creditType.String(),
		Balance:    amount,
		UpdatedAt:  time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "credit_type"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"balance":    gorm.Expr("balance + excluded.balance"),
				"updated_at": time.Now().UTC(),
			}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeAdd, err)
	}
	return nil
}

// DecrementBalance is the single atomic check-then-decrement: the balance
// guard lives in the UPDATE itself, so two concurrent spends can never both
// win the last credit.
func (store *Store) DecrementBalance(ctx context.Context, userID string, creditType credits.CreditType, amount int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditBalance{}).
		Where("user_id = ? AND credit_type = ? AND balance >= ?", userID, creditType.String(), amount).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance - ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeDecrement, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) DecrementBalanceClamped(ctx context.Context, userID string, creditType credits.CreditType, amount int64) (int64, error) {
	for {
		var row CreditBalance
		err := store.db.WithContext(ctx).
			Where("user_id = ? AND credit_type = ?", userID, creditType.String()).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
		}
		removed := row.Balance
		if removed > amount {
			removed = amount
		}
		if removed <= 0 {
			return 0, nil
		}
		applied, err := store.DecrementBalance(ctx, userID, creditType, removed)
		if err != nil {
			return 0, err
		}
		if applied {
			return removed, nil
		}
		// Balance moved between the read and the conditional write; re-read.
	}
}

func (store *Store) InsertHistory(ctx context.Context, entry credits.HistoryEntry) (credits.HistoryEntry, error) {
	row := CreditHistory{
		EntryID:           entry.EntryID,
		UserID:            entry.UserID,
		CreditType:        entry.CreditType.String(),
		Action:            entry.Action.String(),
		Amount:            entry.Amount,
		Description:       entry.Description,
		IdempotencyKey:    stringOrNil(entry.IdempotencyKey),
		RelatedPurchaseID: stringOrNil(entry.RelatedPurchaseID),
		RelatedEntryID:    stringOrNil(entry.RelatedEntryID),
		ExpiresAt:         timeOrNil(entry.ExpiresAtUnixUTC),
		CreatedAt:         time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() || entry.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintHistoryIdempotencyKey) {
		return credits.HistoryEntry{}, wrapStoreError(errorSubjectHistory, errorCodeDuplicate, credits.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return credits.HistoryEntry{}, wrapStoreError(errorSubjectHistory, errorCodeInsert, err)
	}
	return mapHistoryEntry(row)
}

func (store *Store) GetHistoryByIdempotencyKey(ctx context.Context, key string) (credits.HistoryEntry, bool, error) {
	var row CreditHistory
	err := store.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.HistoryEntry{}, false, nil
	}
	if err != nil {
		return credits.HistoryEntry{}, false, wrapStoreError(errorSubjectHistory, errorCodeGet, err)
	}
	entry, err := mapHistoryEntry(row)
	if err != nil {
		return credits.HistoryEntry{}, false, err
	}
	return entry, true, nil
}

func (store *Store) ListHistory(ctx context.Context, userID string, limit int, offset int) ([]credits.HistoryEntry, error) {
	var rows []CreditHistory
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("entry_id DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectHistory, errorCodeList, err)
	}
	entries := make([]credits.HistoryEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapHistoryEntry(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) InsertPurchase(ctx context.Context, purchase credits.Purchase) (credits.Purchase, error) {
	row := CreditPurchase{
		PurchaseID:            purchase.PurchaseID,
		UserID:                purchase.UserID,
		CreditType:            purchase.CreditType.String(),
		Amount:                purchase.Amount,
		PriceCents:            purchase.PriceCents,
		ExternalTransactionID: purchase.ExternalTransactionID,
		Status:                purchase.Status.String(),
		Metadata:              datatypesJSON(purchase.MetadataJSON),
		ExpiresAt:             timeOrNil(purchase.ExpiresAtUnixUTC),
		CreatedAt:             time.Unix(purchase.CreatedUnixUTC, 0).UTC(),
	}
	if purchase.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintPurchaseTransaction) {
		return credits.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, credits.ErrDuplicateTransactionID)
	}
	if err != nil {
		return credits.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeInsert, err)
	}
	return mapPurchase(row)
}

func (store *Store) GetPurchaseByTransactionID(ctx context.Context, transactionID string) (credits.Purchase, bool, error) {
	var row CreditPurchase
	err := store.db.WithContext(ctx).
		Where("external_transaction_id = ?", transactionID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Purchase{}, false, nil
	}
	if err != nil {
		return credits.Purchase{}, false, wrapStoreError(errorSubjectPurchase, errorCodeGet, err)
	}
	purchase, err := mapPurchase(row)
	if err != nil {
		return credits.Purchase{}, false, err
	}
	return purchase, true, nil
}

func (store *Store) UpdatePurchaseStatus(ctx context.Context, purchaseID string, from credits.PurchaseStatus, to credits.PurchaseStatus) error {
	result := store.db.WithContext(ctx).
		Model(&CreditPurchase{}).
		Where("purchase_id = ? AND status = ?", purchaseID, from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPurchase, errorCodeUpdateStatus, credits.ErrPurchaseStatusConflict)
	}
	return nil
}

func (store *Store) ListPurchases(ctx context.Context, userID string) ([]credits.Purchase, error) {
	var rows []CreditPurchase
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("purchase_id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	purchases := make([]credits.Purchase, 0, len(rows))
	for _, row := range rows {
		purchase, err := mapPurchase(row)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, purchase)
	}
	return purchases, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func mapHistoryEntry(row CreditHistory) (credits.HistoryEntry, error) {
	action, err := credits.ParseHistoryAction(row.Action)
	if err != nil {
		return credits.HistoryEntry{}, wrapStoreError(errorSubjectHistory, errorCodeInvalid, err)
	}
	creditType, err := credits.ParseCreditType(row.CreditType)
	if err != nil {
		return credits.HistoryEntry{}, wrapStoreError(errorSubjectHistory, errorCodeInvalid, err)
	}
	return credits.HistoryEntry{
		EntryID:           row.EntryID,
		UserID:            row.UserID,
		CreditType:        creditType,
		Action:            action,
		Amount:            row.Amount,
		Description:       row.Description,
		IdempotencyKey:    stringOrEmpty(row.IdempotencyKey),
		RelatedPurchaseID: stringOrEmpty(row.RelatedPurchaseID),
		RelatedEntryID:    stringOrEmpty(row.RelatedEntryID),
		ExpiresAtUnixUTC:  unixOrZero(row.ExpiresAt),
		CreatedUnixUTC:    row.CreatedAt.Unix(),
	}, nil
}

func mapPurchase(row CreditPurchase) (credits.Purchase, error) {
	status, err := credits.ParsePurchaseStatus(row.Status)
	if err != nil {
		return credits.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	creditType, err := credits.ParseCreditType(row.CreditType)
	if err != nil {
		return credits.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	return credits.Purchase{
		PurchaseID:            row.PurchaseID,
		UserID:                row.UserID,
		CreditType:            creditType,
		Amount:                row.Amount,
		PriceCents:            row.PriceCents,
		ExternalTransactionID: row.ExternalTransactionID,
		Status:                status,
		MetadataJSON:          string(row.Metadata),
		ExpiresAtUnixUTC:      unixOrZero(row.ExpiresAt),
		CreatedUnixUTC:        row.CreatedAt.Unix(),
	}, nil
}

func stringOrNil(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func timeOrNil(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func unixOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
