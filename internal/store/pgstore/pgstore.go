package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/toptake/credits/pkg/credits"
)

const (
	constraintHistoryIdempotencyKey = "credit_history_idempotency_key_key"
	constraintPurchaseTransaction   = "credit_purchases_external_transaction_id_key"
	pgUniqueViolationCode           = "23505"
	errorOperationStore             = "store"
	errorSubjectBalance             = "balance"
	errorSubjectHistory             = "history"
	errorSubjectPurchase            = "purchase"
	errorSubjectTransaction         = "transaction"
	errorCodeAdd                    = "add"
	errorCodeBegin                  = "begin"
	errorCodeCommit                 = "commit"
	errorCodeDecrement              = "decrement"
	errorCodeDuplicate              = "duplicate"
	errorCodeGet                    = "get"
	errorCodeInsert                 = "insert"
	errorCodeInvalid                = "invalid"
	errorCodeList                   = "list"
	errorCodeUpdateStatus           = "update_status"

	sqlSelectBalance = `
		select balance from credit_balances
		where user_id = $1 and credit_type = $2
	`

	sqlSelectBalanceForUpdate = `
		select balance from credit_balances
		where user_id = $1 and credit_type = $2
		for update
	`

	sqlListBalances = `
		select credit_type, balance from credit_balances
		where user_id = $1
	`

	sqlUpsertBalance = `
		insert into credit_balances(user_id, credit_type, balance, updated_at)
		values($1, $2, $3, now())
		on conflict (user_id, credit_type)
		do update set balance = credit_balances.balance + excluded.balance, updated_at = now()
	`

	sqlDecrementBalance = `
		update credit_balances
		set balance = balance - $3, updated_at = now()
		where user_id = $1 and credit_type = $2 and balance >= $3
	`

	sqlInsertHistory = `
		insert into credit_history(
			entry_id, user_id, credit_type, action, amount, description,
			idempotency_key, related_purchase_id, related_entry_id, expires_at, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4, $5,
			nullif($6,''), nullif($7,'')::uuid, nullif($8,'')::uuid,
			to_timestamp(nullif($9,0)),
			coalesce(to_timestamp(nullif($10,0)), now())
		)
		returning entry_id::text, extract(epoch from created_at)::bigint
	`

	sqlSelectHistoryByIdempotencyKey = `
		select
			entry_id::text, user_id, credit_type, action, amount,
			coalesce(description,''),
			coalesce(idempotency_key,''),
			coalesce(related_purchase_id::text,''),
			coalesce(related_entry_id::text,''),
			coalesce(extract(epoch from expires_at)::bigint,0),
			extract(epoch from created_at)::bigint
		from credit_history
		where idempotency_key = $1
	`

	sqlListHistory = `
		select
			entry_id::text, user_id, credit_type, action, amount,
			coalesce(description,''),
			coalesce(idempotency_key,''),
			coalesce(related_purchase_id::text,''),
			coalesce(related_entry_id::text,''),
			coalesce(extract(epoch from expires_at)::bigint,0),
			extract(epoch from created_at)::bigint
		from credit_history
		where user_id = $1
		order by created_at desc, entry_id desc
		limit $2 offset $3
	`

	sqlInsertPurchase = `
		insert into credit_purchases(
			purchase_id, user_id, credit_type, amount, price_cents,
			external_transaction_id, status, metadata, expires_at, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4,
			$5, $6,
			coalesce(nullif($7,''),'{}')::jsonb,
			to_timestamp(nullif($8,0)),
			coalesce(to_timestamp(nullif($9,0)), now())
		)
		returning purchase_id::text, extract(epoch from created_at)::bigint
	`

	sqlSelectPurchaseByTransaction = `
		select
			purchase_id::text, user_id, credit_type, amount, price_cents,
			external_transaction_id, status,
			coalesce(metadata::text,'{}'),
			coalesce(extract(epoch from expires_at)::bigint,0),
			extract(epoch from created_at)::bigint
		from credit_purchases
		where external_transaction_id = $1
	`

	sqlUpdatePurchaseStatus = `
		update credit_purchases
		set status = $3
		where purchase_id = $1 and status = $2
	`

	sqlListPurchases = `
		select
			purchase_id::text, user_id, credit_type, amount, price_cents,
			external_transaction_id, status,
			coalesce(metadata::text,'{}'),
			coalesce(extract(epoch from expires_at)::bigint,0),
			extract(epoch from created_at)::bigint
		from credit_purchases
		where user_id = $1
		order by created_at desc, purchase_id desc
	`
)

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store using a pgx connection pool. Inside WithTx
// the same type runs against the transaction instead of the pool.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

// WithTx executes fn within a transaction. Calls nested inside an open
// transaction reuse it.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{q: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, userID string, creditType credits.CreditType) (int64, error) {
	var balance int64
	err := store.q.QueryRow(ctx, sqlSelectBalance, userID, creditType.String()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return balance, nil
}

func (store *Store) ListBalances(ctx context.Context, userID string) (map[credits.CreditType]int64, error) {
	rows, err := store.q.Query(ctx, sqlListBalances, userID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	defer rows.Close()
	balances := make(map[credits.CreditType]int64)
	for rows.Next() {
		var creditTypeValue string
		var balance int64
		if err := rows.Scan(&creditTypeValue, &balance); err != nil {
			return nil, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
		}
		balances[credits.CreditType(creditTypeValue)] = balance
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	return balances, nil
}

func (store *Store) AddBalance(ctx context.Context, userID string, creditType credits.CreditType, amount int64) error {
	if _, err := store.q.Exec(ctx, sqlUpsertBalance, userID, creditType.String(), amount); err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeAdd, err)
	}
	return nil
}

func (store *Store) DecrementBalance(ctx context.Context, userID string, creditType credits.CreditType, amount int64) (bool, error) {
	tag, err := store.q.Exec(ctx, sqlDecrementBalance, userID, creditType.String(), amount)
	if err != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeDecrement, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (store *Store) DecrementBalanceClamped(ctx context.Context, userID string, creditType credits.CreditType, amount int64) (int64, error) {
	var balance int64
	err := store.q.QueryRow(ctx, sqlSelectBalanceForUpdate, userID, creditType.String()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	removed := balance
	if removed > amount {
		removed = amount
	}
	if removed <= 0 {
		return 0, nil
	}
	if _, err := store.q.Exec(ctx, sqlDecrementBalance, userID, creditType.String(), removed); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDecrement, err)
	}
	return removed, nil
}

func (store *Store) InsertHistory(ctx context.Context, entry credits.HistoryEntry) (credits.HistoryEntry, error) {
	row := store.q.QueryRow(ctx, sqlInsertHistory,
		entry.UserID,
		entry.CreditType.String(),
		entry.Action.String(),
		entry.Amount,
		entry.Description,
		entry.IdempotencyKey,
		entry.RelatedPurchaseID,
		entry.RelatedEntryID,
		entry.ExpiresAtUnixUTC,
		entry.CreatedUnixUTC,
	)
	written := entry
	err := row.Scan(&written.EntryID, &written.CreatedUnixUTC)
	if isUniqueViolation(err, constraintHistoryIdempotencyKey) {
		return credits.HistoryEntry{}, wrapStoreError(errorSubjectHistory, errorCodeDuplicate, credits.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return credits.HistoryEntry{}, wrapStoreError(errorSubjectHistory, errorCodeInsert, err)
	}
	return written, nil
}

func (store *Store) GetHistoryByIdempotencyKey(ctx context.Context, key string) (credits.HistoryEntry, bool, error) {
	entry, err := scanHistoryRow(store.q.QueryRow(ctx, sqlSelectHistoryByIdempotencyKey, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.HistoryEntry{}, false, nil
	}
	if err != nil {
		return credits.HistoryEntry{}, false, wrapStoreError(errorSubjectHistory, errorCodeGet, err)
	}
	return entry, true, nil
}

func (store *Store) ListHistory(ctx context.Context, userID string, limit int, offset int) ([]credits.HistoryEntry, error) {
	rows, err := store.q.Query(ctx, sqlListHistory, userID, limit, offset)
	if err != nil {
		return nil, wrapStoreError(errorSubjectHistory, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]credits.HistoryEntry, 0, limit)
	for rows.Next() {
		entry, err := scanHistoryRow(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectHistory, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectHistory, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) InsertPurchase(ctx context.Context, purchase credits.Purchase) (credits.Purchase, error) {
	row := store.q.QueryRow(ctx, sqlInsertPurchase,
		purchase.UserID,
		purchase.CreditType.String(),
		purchase.Amount,
		purchase.PriceCents,
		purchase.ExternalTransactionID,
		purchase.Status.String(),
		purchase.MetadataJSON,
		purchase.ExpiresAtUnixUTC,
		purchase.CreatedUnixUTC,
	)
	written := purchase
	err := row.Scan(&written.PurchaseID, &written.CreatedUnixUTC)
	if isUniqueViolation(err, constraintPurchaseTransaction) {
		return credits.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, credits.ErrDuplicateTransactionID)
	}
	if err != nil {
		return credits.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeInsert, err)
	}
	return written, nil
}

func (store *Store) GetPurchaseByTransactionID(ctx context.Context, transactionID string) (credits.Purchase, bool, error) {
	purchase, err := scanPurchaseRow(store.q.QueryRow(ctx, sqlSelectPurchaseByTransaction, transactionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Purchase{}, false, nil
	}
	if err != nil {
		return credits.Purchase{}, false, wrapStoreError(errorSubjectPurchase, errorCodeGet, err)
	}
	return purchase, true, nil
}

func (store *Store) UpdatePurchaseStatus(ctx context.Context, purchaseID string, from credits.PurchaseStatus, to credits.PurchaseStatus) error {
	tag, err := store.q.Exec(ctx, sqlUpdatePurchaseStatus, purchaseID, from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPurchase, errorCodeUpdateStatus, credits.ErrPurchaseStatusConflict)
	}
	return nil
}

func (store *Store) ListPurchases(ctx context.Context, userID string) ([]credits.Purchase, error) {
	rows, err := store.q.Query(ctx, sqlListPurchases, userID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	defer rows.Close()
	purchases := make([]credits.Purchase, 0, 16)
	for rows.Next() {
		purchase, err := scanPurchaseRow(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
		}
		purchases = append(purchases, purchase)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	return purchases, nil
}

func scanHistoryRow(row pgx.Row) (credits.HistoryEntry, error) {
	var (
		entry           credits.HistoryEntry
		creditTypeValue string
		actionValue     string
	)
	if err := row.Scan(
		&entry.EntryID,
		&entry.UserID,
		&creditTypeValue,
		&actionValue,
		&entry.Amount,
		&entry.Description,
		&entry.IdempotencyKey,
		&entry.RelatedPurchaseID,
		&entry.RelatedEntryID,
		&entry.ExpiresAtUnixUTC,
		&entry.CreatedUnixUTC,
	); err != nil {
		return credits.HistoryEntry{}, err
	}
	creditType, err := credits.ParseCreditType(creditTypeValue)
	if err != nil {
		return credits.HistoryEntry{}, err
	}
	action, err := credits.ParseHistoryAction(actionValue)
	if err != nil {
		return credits.HistoryEntry{}, err
	}
	entry.CreditType = creditType
	entry.Action = action
	return entry, nil
}

func scanPurchaseRow(row pgx.Row) (credits.Purchase, error) {
	var (
		purchase        credits.Purchase
		creditTypeValue string
		statusValue     string
	)
	if err := row.Scan(
		&purchase.PurchaseID,
		&purchase.UserID,
		&creditTypeValue,
		&purchase.Amount,
		&purchase.PriceCents,
		&purchase.ExternalTransactionID,
		&statusValue,
		&purchase.MetadataJSON,
		&purchase.ExpiresAtUnixUTC,
		&purchase.CreatedUnixUTC,
	); err != nil {
		return credits.Purchase{}, err
	}
	creditType, err := credits.ParseCreditType(creditTypeValue)
	if err != nil {
		return credits.Purchase{}, err
	}
	status, err := credits.ParsePurchaseStatus(statusValue)
	if err != nil {
		return credits.Purchase{}, err
	}
	purchase.CreditType = creditType
	purchase.Status = status
	return purchase, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraintName string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}
