package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/toptake/credits/pkg/credits"
	"go.uber.org/zap"
)

// Run boots the HTTP surface using the supplied configuration.
func Run(ctx context.Context, cfg Config, service *credits.Service, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}

	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("credit api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	webhooks := router.Group("/webhooks")
	webhooks.Use(webhookSecretMiddleware(cfg))
	webhooks.POST("/payment", handler.handlePaymentWebhook)

	api := router.Group("/api")
	api.Use(sessionMiddleware(cfg))

	api.GET("/credits", handler.handleBalances)
	api.GET("/credits/:type", handler.handleBalance)
	api.GET("/history", handler.handleHistory)
	api.GET("/purchases", handler.handlePurchases)
	api.POST("/spend", handler.handleSpend)

	admin := router.Group("/admin")
	admin.Use(sessionMiddleware(cfg), requireAdmin())

	admin.POST("/grants", handler.handleAdminGrant)
	admin.POST("/expire", handler.handleAdminExpire)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *credits.Service
	cfg     Config
}

// handlePaymentWebhook ingests provider events. Duplicate deliveries and
// unmappable price keys are both acknowledged with 200 so the provider stops
// retrying; the latter are logged loudly for manual reconciliation instead of
// being granted as a guessed credit type.
func (handler *httpHandler) handlePaymentWebhook(ctx *gin.Context) {
	var envelope webhookEnvelope
	if err := ctx.ShouldBindJSON(&envelope); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON envelope"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	switch envelope.Type {
	case eventPurchaseCompleted:
		handler.ingestPurchaseCompleted(ctx, requestCtx, envelope.Data)
	case eventRefundIssued:
		handler.ingestRefundIssued(ctx, requestCtx, envelope.Data)
	default:
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_event", "unrecognized event type"))
	}
}

func (handler *httpHandler) ingestPurchaseCompleted(ctx *gin.Context, requestCtx context.Context, data json.RawMessage) {
	var event purchaseCompletedEvent
	if err := json.Unmarshal(data, &event); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "malformed purchase event"))
		return
	}
	transactionID, err := credits.NewTransactionID(event.TransactionID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "transaction id is required"))
		return
	}
	userID, err := credits.NewUserID(event.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "user id is required"))
		return
	}
	bundle, err := resolveCreditBundle(event)
	if err != nil {
		handler.logger.Error("purchase event cannot be mapped to a credit type",
			zap.String("transaction_id", transactionID.String()),
			zap.String("lookup_key", event.LookupKey),
			zap.Error(err))
		ctx.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "unmapped_credit_type"})
		return
	}
	amount, err := credits.NewCreditAmount(bundle.Quantity)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "amount must be positive"))
		return
	}
	purchase, err := handler.service.RecordCompletedPurchase(requestCtx, transactionID, userID, bundle.CreditType, amount, event.PriceCents, event.ExpiresAtUnixUTC, string(data))
	if err != nil {
		handler.logger.Error("purchase recording failed", zap.String("transaction_id", transactionID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "purchase recording failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok", "purchase": purchasePayloadFrom(purchase)})
}

func (handler *httpHandler) ingestRefundIssued(ctx *gin.Context, requestCtx context.Context, data json.RawMessage) {
	var event refundIssuedEvent
	if err := json.Unmarshal(data, &event); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "malformed refund event"))
		return
	}
	transactionID, err := credits.NewTransactionID(event.TransactionID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "transaction id is required"))
		return
	}
	if err := handler.service.RecordRefund(requestCtx, transactionID); err != nil {
		handler.logger.Error("refund recording failed", zap.String("transaction_id", transactionID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "refund recording failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handleBalances(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	balances, err := handler.service.GetAllBalances(requestCtx, userID)
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("storage_error", "balances unavailable"))
		return
	}
	payload := make(map[string]int64, len(balances))
	for creditType, balance := range balances {
		payload[creditType.String()] = balance
	}
	ctx.JSON(http.StatusOK, gin.H{"balances": payload})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	creditType, err := credits.ParseCreditType(ctx.Param("type"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_credit_type", "unrecognized credit type"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	balance, err := handler.service.GetBalance(requestCtx, userID, creditType)
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("storage_error", "balance unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"credit_type": creditType.String(), "balance": balance})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	limit := intQuery(ctx, "limit", 0)
	offset := intQuery(ctx, "offset", 0)
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	entries, err := handler.service.GetHistory(requestCtx, userID, limit, offset)
	if err != nil {
		if errors.Is(err, credits.ErrInvalidListLimit) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_paging", "limit and offset must not be negative"))
			return
		}
		handler.logger.Error("history fetch failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("storage_error", "history unavailable"))
		return
	}
	payload := make([]historyPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, historyPayloadFrom(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"history": payload})
}

func (handler *httpHandler) handlePurchases(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	purchases, err := handler.service.GetPurchases(requestCtx, userID)
	if err != nil {
		handler.logger.Error("purchases fetch failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("storage_error", "purchases unavailable"))
		return
	}
	payload := make([]purchasePayload, 0, len(purchases))
	for _, purchase := range purchases {
		payload = append(payload, purchasePayloadFrom(purchase))
	}
	ctx.JSON(http.StatusOK, gin.H{"purchases": payload})
}

// handleSpend gates a feature use. Insufficient credits is a normal branch
// reported in the response body, not an error status.
func (handler *httpHandler) handleSpend(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request spendRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	creditType, err := credits.ParseCreditType(request.CreditType)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_credit_type", "unrecognized credit type"))
		return
	}
	if request.Amount == 0 {
		request.Amount = 1
	}
	amount, err := credits.NewCreditAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be positive"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	spent, err := handler.service.Spend(requestCtx, userID, creditType, amount, request.Reason)
	if err != nil {
		handler.logger.Error("spend failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("storage_error", "spend failed"))
		return
	}
	balance, err := handler.service.GetBalance(requestCtx, userID, creditType)
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("storage_error", "balance unavailable"))
		return
	}
	status := "ok"
	if !spent {
		status = "insufficient_credits"
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":      status,
		"credit_type": creditType.String(),
		"balance":     balance,
	})
}

func (handler *httpHandler) handleAdminGrant(ctx *gin.Context) {
	var request adminGrantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "user id is required"))
		return
	}
	creditType, err := credits.ParseCreditType(request.CreditType)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_credit_type", "unrecognized credit type"))
		return
	}
	amount, err := credits.NewCreditAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be positive"))
		return
	}
	// Admin grants are not naturally idempotent at the source; generate a key
	// when the tool does not supply one.
	rawKey := request.IdempotencyKey
	if rawKey == "" {
		rawKey = "admin:" + uuid.NewString()
	}
	idempotencyKey, err := credits.NewIdempotencyKey(rawKey)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "bad idempotency key"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	entry, err := handler.service.Grant(requestCtx, userID, creditType, amount, request.Reason, "", idempotencyKey, request.ExpiresAtUnixUTC)
	if err != nil {
		handler.logger.Error("admin grant failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("storage_error", "grant failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entry": historyPayloadFrom(entry)})
}

// handleAdminExpire exposes the expiry primitive for the external sweep
// scheduler.
func (handler *httpHandler) handleAdminExpire(ctx *gin.Context) {
	var request adminExpireRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "user id is required"))
		return
	}
	creditType, err := credits.ParseCreditType(request.CreditType)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_credit_type", "unrecognized credit type"))
		return
	}
	amount, err := credits.NewCreditAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be positive"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	entry, err := handler.service.Expire(requestCtx, userID, creditType, amount, request.RelatedEntryID)
	if err != nil {
		handler.logger.Error("expire failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("storage_error", "expire failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"removed": entry.Amount,
		"entry":   historyPayloadFrom(entry),
	})
}

func (handler *httpHandler) sessionUser(ctx *gin.Context) (credits.UserID, bool) {
	userID, err := credits.NewUserID(sessionUserID(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return credits.UserID{}, false
	}
	return userID, true
}

func intQuery(ctx *gin.Context, name string, fallback int) int {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return value
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type spendRequest struct {
	CreditType string `json:"credit_type"`
	Amount     int64  `json:"amount"`
	Reason     string `json:"reason"`
}

type adminGrantRequest struct {
	UserID           string `json:"user_id"`
	CreditType       string `json:"credit_type"`
	Amount           int64  `json:"amount"`
	Reason           string `json:"reason"`
	IdempotencyKey   string `json:"idempotency_key"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc"`
}

type adminExpireRequest struct {
	UserID         string `json:"user_id"`
	CreditType     string `json:"credit_type"`
	Amount         int64  `json:"amount"`
	RelatedEntryID string `json:"related_entry_id"`
}

type historyPayload struct {
	EntryID           string `json:"entry_id"`
	CreditType        string `json:"credit_type"`
	Action            string `json:"action"`
	Amount            int64  `json:"amount"`
	Description       string `json:"description"`
	RelatedPurchaseID string `json:"related_purchase_id,omitempty"`
	ExpiresAtUnixUTC  int64  `json:"expires_at_unix_utc,omitempty"`
	CreatedUnixUTC    int64  `json:"created_unix_utc"`
}

func historyPayloadFrom(entry credits.HistoryEntry) historyPayload {
	return historyPayload{
		EntryID:           entry.EntryID,
		CreditType:        entry.CreditType.String(),
		Action:            entry.Action.String(),
		Amount:            entry.Amount,
		Description:       entry.Description,
		RelatedPurchaseID: entry.RelatedPurchaseID,
		ExpiresAtUnixUTC:  entry.ExpiresAtUnixUTC,
		CreatedUnixUTC:    entry.CreatedUnixUTC,
	}
}

type purchasePayload struct {
	PurchaseID            string `json:"purchase_id"`
	CreditType            string `json:"credit_type"`
	Amount                int64  `json:"amount"`
	PriceCents            int64  `json:"price_cents"`
	ExternalTransactionID string `json:"external_transaction_id"`
	Status                string `json:"status"`
	ExpiresAtUnixUTC      int64  `json:"expires_at_unix_utc,omitempty"`
	CreatedUnixUTC        int64  `json:"created_unix_utc"`
}

func purchasePayloadFrom(purchase credits.Purchase) purchasePayload {
	return purchasePayload{
		PurchaseID:            purchase.PurchaseID,
		CreditType:            purchase.CreditType.String(),
		Amount:                purchase.Amount,
		PriceCents:            purchase.PriceCents,
		ExternalTransactionID: purchase.ExternalTransactionID,
		Status:                purchase.Status.String(),
		ExpiresAtUnixUTC:      purchase.ExpiresAtUnixUTC,
		CreatedUnixUTC:        purchase.CreatedUnixUTC,
	}
}
