// Package rest provides HTTP handlers for economy operations.
package rest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	econerrors "github.com/bkyung/gameshop/internal/errors"
	"github.com/bkyung/gameshop/internal/service"
	"github.com/bkyung/gameshop/pkg/web"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Externally stable result codes. Clients match on these, so the values
// never change between releases.
const (
	CodeItemNotFound      = 10100
	CodeInsufficientStock = 10101
	CodeInsufficientFunds = 10102
	CodeAccountNotFound   = 10103
	CodeCostOverflow      = 10104
	CodeInvalidQuantity   = 10105
	CodeTxConflict        = 10110
	CodeInternal          = 10500
)

type Handler struct {
	service  service.EconomyService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates a new instance of the economy REST API with the provided service.
func NewHandler(service service.EconomyService, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		validate: validator.New(),

		logger: logger.With("component", "rest"),
	}
}

// RegisterRoutes registers the HTTP routes for the economy service.
func (h *Handler) RegisterRoutes(r *chi.Mux) {
	r.Group(func(r chi.Router) {
		r.Use(web.AuthMiddleware)
		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/purchase", h.Purchase)
			r.Get("/items", h.ListItems)
			r.Put("/items", h.UpsertItem)
			r.Get("/account", h.AccountInfo)
			r.Get("/account/items", h.OwnedItems)
			r.Get("/audit", h.AuditLog)
		})
	})
	r.Get("/healthz", h.HealthCheck)
}

// PurchaseRequest is the payload of POST /api/v1/purchase.
type PurchaseRequest struct {
	ItemID int64 `json:"item_id" validate:"required,min=1"`
	Count  int32 `json:"count" validate:"required,min=1"`
}

// Purchase converts the caller's balance into ownership of an item.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	mLogger := h.loggerWithReqID(r)
	accountID, ok := web.GetAccountID(w, r, mLogger)
	if !ok {
		return
	}

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		mLogger.ErrorContext(r.Context(), "Error decoding request body", "error", err)
		web.RespondError(w, mLogger, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !h.validateStruct(w, r, mLogger, req) {
		return
	}

	mLogger.DebugContext(r.Context(), "Received purchase request",
		"account_id", accountID, "item_id", req.ItemID, "count", req.Count)
	result, err := h.service.Purchase(r.Context(), accountID, req.ItemID, req.Count)
	if err != nil {
		h.respondDomainError(w, r, mLogger, err)
		return
	}
	mLogger.InfoContext(r.Context(), "Purchase completed",
		"account_id", accountID, "item_id", req.ItemID, "count", req.Count)
	web.RespondJSON(w, mLogger, http.StatusOK, result)
}

// ListItems returns a page of the item catalog.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	mLogger := h.loggerWithReqID(r)
	limit, ok := web.ParseValidateGt(r, w, mLogger, "limit", 0)
	if !ok {
		return
	}
	offset, ok := web.ParseValidateGte(r, w, mLogger, "offset", 0)
	if !ok {
		return
	}

	items, err := h.service.ListItems(r.Context(), offset, limit)
	if err != nil {
		mLogger.ErrorContext(r.Context(), "Error retrieving catalog", "error", err)
		h.respondDomainError(w, r, mLogger, err)
		return
	}
	web.RespondJSON(w, mLogger, http.StatusOK, items)
}

// UpsertItem is the administrative catalog editor: the item with the
// requested name is replaced, or created when absent.
func (h *Handler) UpsertItem(w http.ResponseWriter, r *http.Request) {
	mLogger := h.loggerWithReqID(r)
	var dto service.ItemUpsertDto
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		mLogger.ErrorContext(r.Context(), "Error decoding request body", "error", err)
		web.RespondError(w, mLogger, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !h.validateStruct(w, r, mLogger, dto) {
		return
	}

	item, err := h.service.UpsertItem(r.Context(), dto)
	if err != nil {
		mLogger.ErrorContext(r.Context(), "Error upserting catalog item", "name", dto.Name, "error", err)
		h.respondDomainError(w, r, mLogger, err)
		return
	}
	mLogger.InfoContext(r.Context(), "Catalog item upserted", "item_id", item.ID, "name", item.Name)
	web.RespondJSON(w, mLogger, http.StatusOK, item)
}

// AccountInfo returns the calling account.
func (h *Handler) AccountInfo(w http.ResponseWriter, r *http.Request) {
	mLogger := h.loggerWithReqID(r)
	accountID, ok := web.GetAccountID(w, r, mLogger)
	if !ok {
		return
	}

	account, err := h.service.AccountInfo(r.Context(), accountID)
	if err != nil {
		h.respondDomainError(w, r, mLogger, err)
		return
	}
	web.RespondJSON(w, mLogger, http.StatusOK, account)
}

// OwnedItems returns the ownership records of the calling account.
func (h *Handler) OwnedItems(w http.ResponseWriter, r *http.Request) {
	mLogger := h.loggerWithReqID(r)
	accountID, ok := web.GetAccountID(w, r, mLogger)
	if !ok {
		return
	}

	items, err := h.service.OwnedItems(r.Context(), accountID)
	if err != nil {
		h.respondDomainError(w, r, mLogger, err)
		return
	}
	web.RespondJSON(w, mLogger, http.StatusOK, items)
}

// AuditLog returns the stock-transition audit entries of the calling
// account, optionally filtered by item_id, from and to (RFC 3339).
func (h *Handler) AuditLog(w http.ResponseWriter, r *http.Request) {
	mLogger := h.loggerWithReqID(r)
	accountID, ok := web.GetAccountID(w, r, mLogger)
	if !ok {
		return
	}

	var itemID int64
	if v := r.URL.Query().Get("item_id"); v != "" {
		parsed, ok := web.ParseValidateGt(r, w, mLogger, "item_id", 0)
		if !ok {
			return
		}
		itemID = int64(parsed)
	}
	from, ok := h.parseTime(w, r, mLogger, "from")
	if !ok {
		return
	}
	to, ok := h.parseTime(w, r, mLogger, "to")
	if !ok {
		return
	}

	entries, err := h.service.AuditLog(r.Context(), accountID, itemID, from, to)
	if err != nil {
		h.respondDomainError(w, r, mLogger, err)
		return
	}
	web.RespondJSON(w, mLogger, http.StatusOK, entries)
}

// HealthCheck is a simple health check endpoint.
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// validateStruct validates a decoded payload, writing field errors to the
// response. Returns false when the request has already been answered.
func (h *Handler) validateStruct(w http.ResponseWriter, r *http.Request, mLogger *slog.Logger, payload any) bool {
	if err := h.validate.Struct(payload); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			errorResponse := make(map[string]string)
			for _, fieldErr := range validationErrors {
				// fieldErr.Tag() returns "required", "min", etc.
				errorResponse[fieldErr.Field()] = "failed on rule: " + fieldErr.Tag()
			}
			mLogger.WarnContext(r.Context(), "Validation errors occurred", "errors", errorResponse)
			web.RespondJSON(w, mLogger, http.StatusBadRequest, map[string]any{"validation_errors": errorResponse})
			return false
		}
		mLogger.ErrorContext(r.Context(), "Error validating request body", "error", err)
		web.RespondError(w, mLogger, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func (h *Handler) parseTime(w http.ResponseWriter, r *http.Request, mLogger *slog.Logger, key string) (time.Time, bool) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		web.RespondError(w, mLogger, http.StatusBadRequest, "Invalid "+key+" timestamp: "+value)
		return time.Time{}, false
	}
	return t, true
}

// respondDomainError maps a domain error to its HTTP status and stable
// numeric result code and writes the error envelope.
func (h *Handler) respondDomainError(w http.ResponseWriter, r *http.Request, mLogger *slog.Logger, err error) {
	status, code := http.StatusInternalServerError, CodeInternal
	switch {
	case errors.Is(err, econerrors.ErrItemNotFound):
		status, code = http.StatusNotFound, CodeItemNotFound
	case errors.Is(err, econerrors.ErrAccountNotFound):
		status, code = http.StatusNotFound, CodeAccountNotFound
	case errors.Is(err, econerrors.ErrInsufficientStock):
		status, code = http.StatusConflict, CodeInsufficientStock
	case errors.Is(err, econerrors.ErrInsufficientFunds):
		status, code = http.StatusConflict, CodeInsufficientFunds
	case errors.Is(err, econerrors.ErrCostOverflow):
		status, code = http.StatusBadRequest, CodeCostOverflow
	case errors.Is(err, econerrors.ErrInvalidQuantity):
		status, code = http.StatusBadRequest, CodeInvalidQuantity
	case errors.Is(err, econerrors.ErrTxConflict):
		status, code = http.StatusConflict, CodeTxConflict
	}

	if status == http.StatusInternalServerError {
		mLogger.ErrorContext(r.Context(), "Request failed", "error", err)
		web.RespondJSON(w, mLogger, status, map[string]any{"code": code, "error": "Internal server error"})
		return
	}
	mLogger.WarnContext(r.Context(), "Request rejected", "code", code, "error", err)
	web.RespondJSON(w, mLogger, status, map[string]any{"code": code, "error": err.Error()})
}

// loggerWithReqID creates a logger with the request ID from the context.
func (h *Handler) loggerWithReqID(r *http.Request) *slog.Logger {
	reqID, _ := web.GetRequestID(r.Context())
	return h.logger.With("request_id", reqID)
}
