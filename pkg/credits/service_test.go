package credits

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestGrantIncrementsBalanceAndAppendsEntry(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-123")
	idempotencyKey := mustIdempotencyKey(test, "grant-1")
	amount := mustCreditAmount(test, 5)

	entry, err := service.Grant(context.Background(), userID, CreditBoost, amount, "signup bonus", "", idempotencyKey, 0)
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if entry.Action != ActionPurchase {
		test.Fatalf("expected purchase entry, got %s", entry.Action)
	}
	if entry.Amount != 5 {
		test.Fatalf("expected entry amount 5, got %d", entry.Amount)
	}
	if entry.Description != "signup bonus" {
		test.Fatalf("unexpected description: %q", entry.Description)
	}
	if got := store.balance(userID.String(), CreditBoost); got != 5 {
		test.Fatalf("expected balance 5, got %d", got)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected 1 history entry, got %d", len(store.entries))
	}
}

func TestGrantDuplicateKeyReturnsFirstEntryWithoutMutating(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-dup")
	idempotencyKey := mustIdempotencyKey(test, "grant-dup")
	amount := mustCreditAmount(test, 3)

	first, err := service.Grant(context.Background(), userID, CreditSneakPeek, amount, "first", "", idempotencyKey, 0)
	if err != nil {
		test.Fatalf("first grant: %v", err)
	}
	second, err := service.Grant(context.Background(), userID, CreditSneakPeek, amount, "second", "", idempotencyKey, 0)
	if err != nil {
		test.Fatalf("duplicate grant: %v", err)
	}
	if second.EntryID != first.EntryID {
		test.Fatalf("expected first entry returned, got %s vs %s", second.EntryID, first.EntryID)
	}
	if second.Description != "first" {
		test.Fatalf("expected first entry description, got %q", second.Description)
	}
	if got := store.balance(userID.String(), CreditSneakPeek); got != 3 {
		test.Fatalf("expected balance 3 after duplicate, got %d", got)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected 1 history entry after duplicate, got %d", len(store.entries))
	}
}

func TestGrantRejectsUnknownCreditType(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-bad")
	idempotencyKey := mustIdempotencyKey(test, "grant-bad")
	amount := mustCreditAmount(test, 1)

	_, err := service.Grant(context.Background(), userID, CreditType("karma"), amount, "", "", idempotencyKey, 0)
	if !errors.Is(err, ErrUnknownCreditType) {
		test.Fatalf("expected ErrUnknownCreditType, got %v", err)
	}
	if len(store.entries) != 0 {
		test.Fatalf("expected no entries, got %d", len(store.entries))
	}
}

func TestSpendDebitsAndAppendsUseEntry(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.setBalance("spend-user", CreditLateSubmit, 4)
	service := mustNewService(test, store)
	userID := mustUserID(test, "spend-user")
	amount := mustCreditAmount(test, 1)

	spent, err := service.Spend(context.Background(), userID, CreditLateSubmit, amount, "late submit on prompt 42")
	if err != nil {
		test.Fatalf("spend: %v", err)
	}
	if !spent {
		test.Fatalf("expected spend to succeed")
	}
	if got := store.balance("spend-user", CreditLateSubmit); got != 3 {
		test.Fatalf("expected balance 3, got %d", got)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected 1 entry, got %d", len(store.entries))
	}
	entry := store.entries[0]
	if entry.Action != ActionUse {
		test.Fatalf("expected use entry, got %s", entry.Action)
	}
	if entry.Amount != 1 {
		test.Fatalf("expected entry amount 1, got %d", entry.Amount)
	}
}

func TestSpendInsufficientBalanceLeavesStateUntouched(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.setBalance("spend-low", CreditBoost, 1)
	service := mustNewService(test, store)
	userID := mustUserID(test, "spend-low")
	amount := mustCreditAmount(test, 2)

	spent, err := service.Spend(context.Background(), userID, CreditBoost, amount, "boost")
	if err != nil {
		test.Fatalf("spend: %v", err)
	}
	if spent {
		test.Fatalf("expected spend to be declined")
	}
	if got := store.balance("spend-low", CreditBoost); got != 1 {
		test.Fatalf("expected balance unchanged at 1, got %d", got)
	}
	if len(store.entries) != 0 {
		test.Fatalf("expected no history entries, got %d", len(store.entries))
	}
}

func TestSpendAllowsExactlyOneWinnerAtBalanceOne(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.setBalance("contender", CreditAnonymous, 1)
	service := mustNewService(test, store)
	userID := mustUserID(test, "contender")
	amount := mustCreditAmount(test, 1)

	firstSpent, err := service.Spend(context.Background(), userID, CreditAnonymous, amount, "take one")
	if err != nil {
		test.Fatalf("first spend: %v", err)
	}
	secondSpent, err := service.Spend(context.Background(), userID, CreditAnonymous, amount, "take two")
	if err != nil {
		test.Fatalf("second spend: %v", err)
	}
	if !firstSpent || secondSpent {
		test.Fatalf("expected exactly one winner, got first=%v second=%v", firstSpent, secondSpent)
	}
	if got := store.balance("contender", CreditAnonymous); got != 0 {
		test.Fatalf("expected balance 0, got %d", got)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected 1 use entry, got %d", len(store.entries))
	}
}

func TestExpireClampsAtZero(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.setBalance("expire-user", CreditSneakPeek, 3)
	service := mustNewService(test, store)
	userID := mustUserID(test, "expire-user")
	amount := mustCreditAmount(test, 5)

	entry, err := service.Expire(context.Background(), userID, CreditSneakPeek, amount, "grant-entry-1")
	if err != nil {
		test.Fatalf("expire: %v", err)
	}
	if entry.Action != ActionExpire {
		test.Fatalf("expected expire entry, got %s", entry.Action)
	}
	if entry.Amount != 3 {
		test.Fatalf("expected removed amount 3, got %d", entry.Amount)
	}
	if entry.RelatedEntryID != "grant-entry-1" {
		test.Fatalf("unexpected related entry id: %q", entry.RelatedEntryID)
	}
	if got := store.balance("expire-user", CreditSneakPeek); got != 0 {
		test.Fatalf("expected balance 0, got %d", got)
	}
}

func TestExpireWithNothingLeftWritesNoEntry(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "expire-empty")
	amount := mustCreditAmount(test, 5)

	entry, err := service.Expire(context.Background(), userID, CreditSneakPeek, amount, "")
	if err != nil {
		test.Fatalf("expire: %v", err)
	}
	if entry.EntryID != "" {
		test.Fatalf("expected zero entry, got %+v", entry)
	}
	if len(store.entries) != 0 {
		test.Fatalf("expected no entries, got %d", len(store.entries))
	}
}

func TestGrantSpendExpireConserveBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "conserve")

	if _, err := service.Grant(context.Background(), userID, CreditExtraTakes, mustCreditAmount(test, 10), "bundle", "", mustIdempotencyKey(test, "conserve-grant"), 0); err != nil {
		test.Fatalf("grant: %v", err)
	}
	if _, err := service.Spend(context.Background(), userID, CreditExtraTakes, mustCreditAmount(test, 4), "takes"); err != nil {
		test.Fatalf("spend: %v", err)
	}
	if _, err := service.Expire(context.Background(), userID, CreditExtraTakes, mustCreditAmount(test, 2), ""); err != nil {
		test.Fatalf("expire: %v", err)
	}

	var signedSum int64
	for _, entry := range store.entries {
		signedSum += entry.Action.Sign() * entry.Amount
	}
	if got := store.balance("conserve", CreditExtraTakes); got != signedSum {
		test.Fatalf("balance %d does not match signed entry sum %d", got, signedSum)
	}
	if got := store.balance("conserve", CreditExtraTakes); got != 4 {
		test.Fatalf("expected balance 4, got %d", got)
	}
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	_, err := NewService(nil, func() int64 { return 0 })
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
	store := newStubStore(test)
	_, err = NewService(store, nil)
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
}

type stubStore struct {
	balances     map[string]int64
	entries      []HistoryEntry
	byIdemKey    map[string]HistoryEntry
	byTxnID      map[string]Purchase
	byPurchaseID map[string]Purchase
	purchases    []Purchase
	nextID       int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		balances:     make(map[string]int64),
		byIdemKey:    make(map[string]HistoryEntry),
		byTxnID:      make(map[string]Purchase),
		byPurchaseID: make(map[string]Purchase),
	}
}

func balanceKey(userID string, creditType CreditType) string {
	return userID + "|" + creditType.String()
}

func (store *stubStore) setBalance(userID string, creditType CreditType, balance int64) {
	store.balances[balanceKey(userID, creditType)] = balance
}

func (store *stubStore) balance(userID string, creditType CreditType) int64 {
	return store.balances[balanceKey(userID, creditType)]
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetBalance(ctx context.Context, userID string, creditType CreditType) (int64, error) {
	return store.balance(userID, creditType), nil
}

func (store *stubStore) ListBalances(ctx context.Context, userID string) (map[CreditType]int64, error) {
	balances := make(map[CreditType]int64)
	for _, creditType := range AllCreditTypes() {
		if balance, ok := store.balances[balanceKey(userID, creditType)]; ok {
			balances[creditType] = balance
		}
	}
	return balances, nil
}

func (store *stubStore) AddBalance(ctx context.Context, userID string, creditType CreditType, amount int64) error {
	store.balances[balanceKey(userID, creditType)] += amount
	return nil
}

func (store *stubStore) DecrementBalance(ctx context.Context, userID string, creditType CreditType, amount int64) (bool, error) {
	key := balanceKey(userID, creditType)
	if store.balances[key] < amount {
		return false, nil
	}
	store.balances[key] -= amount
	return true, nil
}

func (store *stubStore) DecrementBalanceClamped(ctx context.Context, userID string, creditType CreditType, amount int64) (int64, error) {
	key := balanceKey(userID, creditType)
	removed := store.balances[key]
	if removed > amount {
		removed = amount
	}
	if removed <= 0 {
		return 0, nil
	}
	store.balances[key] -= removed
	return removed, nil
}

func (store *stubStore) InsertHistory(ctx context.Context, entry HistoryEntry) (HistoryEntry, error) {
	if entry.IdempotencyKey != "" {
		if _, exists := store.byIdemKey[entry.IdempotencyKey]; exists {
			return HistoryEntry{}, ErrDuplicateIdempotencyKey
		}
	}
	store.nextID++
	entry.EntryID = fmt.Sprintf("entry-%d", store.nextID)
	store.entries = append(store.entries, entry)
	if entry.IdempotencyKey != "" {
		store.byIdemKey[entry.IdempotencyKey] = entry
	}
	return entry, nil
}

func (store *stubStore) GetHistoryByIdempotencyKey(ctx context.Context, key string) (HistoryEntry, bool, error) {
	entry, ok := store.byIdemKey[key]
	return entry, ok, nil
}

func (store *stubStore) ListHistory(ctx context.Context, userID string, limit int, offset int) ([]HistoryEntry, error) {
	matched := make([]HistoryEntry, 0, len(store.entries))
	for index := len(store.entries) - 1; index >= 0; index-- {
		if store.entries[index].UserID == userID {
			matched = append(matched, store.entries[index])
		}
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (store *stubStore) InsertPurchase(ctx context.Context, purchase Purchase) (Purchase, error) {
	if _, exists := store.byTxnID[purchase.ExternalTransactionID]; exists {
		return Purchase{}, ErrDuplicateTransactionID
	}
	store.nextID++
	purchase.PurchaseID = fmt.Sprintf("purchase-%d", store.nextID)
	store.byTxnID[purchase.ExternalTransactionID] = purchase
	store.byPurchaseID[purchase.PurchaseID] = purchase
	store.purchases = append(store.purchases, purchase)
	return purchase, nil
}

func (store *stubStore) GetPurchaseByTransactionID(ctx context.Context, transactionID string) (Purchase, bool, error) {
	purchase, ok := store.byTxnID[transactionID]
	return purchase, ok, nil
}

func (store *stubStore) UpdatePurchaseStatus(ctx context.Context, purchaseID string, from PurchaseStatus, to PurchaseStatus) error {
	purchase, ok := store.byPurchaseID[purchaseID]
	if !ok || purchase.Status != from {
		return ErrPurchaseStatusConflict
	}
	purchase.Status = to
	store.byPurchaseID[purchaseID] = purchase
	store.byTxnID[purchase.ExternalTransactionID] = purchase
	for index := range store.purchases {
		if store.purchases[index].PurchaseID == purchaseID {
			store.purchases[index].Status = to
		}
	}
	return nil
}

func (store *stubStore) ListPurchases(ctx context.Context, userID string) ([]Purchase, error) {
	matched := make([]Purchase, 0, len(store.purchases))
	for index := len(store.purchases) - 1; index >= 0; index-- {
		if store.purchases[index].UserID == userID {
			matched = append(matched, store.purchases[index])
		}
	}
	return matched, nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 100 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	value, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}

func mustTransactionID(test *testing.T, raw string) TransactionID {
	test.Helper()
	value, err := NewTransactionID(raw)
	if err != nil {
		test.Fatalf("transaction id: %v", err)
	}
	return value
}

func mustCreditAmount(test *testing.T, raw int64) CreditAmount {
	test.Helper()
	value, err := NewCreditAmount(raw)
	if err != nil {
		test.Fatalf("credit amount: %v", err)
	}
	return value
}
