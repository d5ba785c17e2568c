package credits

const (
	operationGrant          = "grant"
	operationSpend          = "spend"
	operationExpire         = "expire"
	operationRecordPurchase = "record_purchase"
	operationRecordRefund   = "record_refund"

	operationStatusOK           = "ok"
	operationStatusError        = "error"
	operationStatusInsufficient = "insufficient"
	operationStatusDuplicate    = "duplicate"

	idempotencyPrefixPurchase = "purchase:"
	idempotencyPrefixRefund   = "refund:"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)
