package oplog

import (
	"context"
	"errors"
	"testing"

	"github.com/toptake/credits/pkg/credits"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogOperationEmitsInfoOnSuccess(test *testing.T) {
	test.Parallel()
	core, observed := observer.New(zap.InfoLevel)
	logger := New(zap.New(core))

	logger.LogOperation(context.Background(), credits.OperationLog{
		Operation:      "grant",
		UserID:         "user-1",
		CreditType:     credits.CreditBoost,
		Amount:         3,
		IdempotencyKey: "purchase:txn-1",
		Status:         "ok",
	})

	entries := observed.All()
	if len(entries) != 1 {
		test.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zap.InfoLevel || entry.Message != "credit operation" {
		test.Fatalf("unexpected entry: %s %q", entry.Level, entry.Message)
	}
	fields := entry.ContextMap()
	if fields["operation"] != "grant" || fields["credit_type"] != "boost" {
		test.Fatalf("unexpected fields: %v", fields)
	}
	if fields["idempotency_key"] != "purchase:txn-1" {
		test.Fatalf("expected idempotency key field, got %v", fields)
	}
}

func TestLogOperationEmitsWarnOnFailure(test *testing.T) {
	test.Parallel()
	core, observed := observer.New(zap.InfoLevel)
	logger := New(zap.New(core))

	logger.LogOperation(context.Background(), credits.OperationLog{
		Operation:  "spend",
		UserID:     "user-1",
		CreditType: credits.CreditBoost,
		Amount:     1,
		Status:     "error",
		Error:      errors.New("storage offline"),
	})

	entries := observed.All()
	if len(entries) != 1 {
		test.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Level != zap.WarnLevel || entries[0].Message != "credit operation failed" {
		test.Fatalf("unexpected entry: %s %q", entries[0].Level, entries[0].Message)
	}
}
