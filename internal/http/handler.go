package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"ESIMCheckout/internal/models"
	"ESIMCheckout/internal/payments"
	"ESIMCheckout/internal/pricing"
	"ESIMCheckout/internal/services"

	"github.com/go-chi/chi/v5"
)

type OrderService interface {
	CreatePendingOrder(ctx context.Context, userID string, in services.CreateOrderInput) (*services.Checkout, error)
	Checkout(ctx context.Context, userID, orderID string) (*services.Checkout, error)
	GetOrder(ctx context.Context, userID, orderID string) (*models.Order, error)
	ListOrders(ctx context.Context, userID string) ([]*models.Order, error)
}

type Settler interface {
	HandleCallback(ctx context.Context, data string) (*payments.Result, error)
}

type Handler struct {
	Orders  OrderService
	Settler Settler
	Logger  *slog.Logger

	// StreamInterval is how often an order stream re-reads the order.
	StreamInterval time.Duration
}

func NewHandler(orders OrderService, settler Settler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Orders: orders, Settler: settler, Logger: logger, StreamInterval: 2 * time.Second}
}

type orderResponse struct {
	ID              string          `json:"id"`
	ReferenceNumber string          `json:"reference_number"`
	PackageID       string          `json:"package_id"`
	Quantity        int             `json:"quantity"`
	Type            string          `json:"type"`
	Amount          string          `json:"amount"`
	Currency        string          `json:"currency"`
	Status          string          `json:"status"`
	TransactionID   *string         `json:"transaction_id,omitempty"`
	PaymentID       *string         `json:"payment_id,omitempty"`
	TrackID         *string         `json:"track_id,omitempty"`
	PaymentType     *string         `json:"payment_type,omitempty"`
	ServiceType     *string         `json:"service_type,omitempty"`
	PaidAt          string          `json:"paid_at,omitempty"`
	ProvisionState  string          `json:"provision_state"`
	AiraloOrderID   *string         `json:"airalo_order_id,omitempty"`
	OrderData       json.RawMessage `json:"order_data,omitempty"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
}

func newOrderResponse(o *models.Order) orderResponse {
	resp := orderResponse{
		ID:              o.ID,
		ReferenceNumber: o.ReferenceNumber,
		PackageID:       o.PackageID,
		Quantity:        o.Quantity,
		Type:            o.Type,
		Amount:          o.Amount.StringFixed(3),
		Currency:        o.Currency,
		Status:          string(o.Status),
		TransactionID:   o.TransactionID,
		PaymentID:       o.PaymentID,
		TrackID:         o.TrackID,
		PaymentType:     o.PaymentType,
		ServiceType:     o.ServiceType,
		ProvisionState:  string(o.ProvisionState),
		AiraloOrderID:   o.AiraloOrderID,
		OrderData:       o.OrderData,
		CreatedAt:       o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       o.UpdatedAt.Format(time.RFC3339),
	}
	if o.PaidAt != nil {
		resp.PaidAt = o.PaidAt.Format(time.RFC3339)
	}
	return resp
}

type createOrderResponse struct {
	Status     string        `json:"status"`
	Message    string        `json:"message"`
	Data       orderResponse `json:"data"`
	PaymentURL string        `json:"payment_url"`
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req services.CreateOrderInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	out, err := h.Orders.CreatePendingOrder(r.Context(), UserID(r.Context()), req)
	if err != nil {
		h.writeOrderError(w, err, "create order failed")
		return
	}

	writeJSON(w, http.StatusCreated, createOrderResponse{
		Status:     "success",
		Message:    "order created",
		Data:       newOrderResponse(out.Order),
		PaymentURL: out.PaymentURL,
	})
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Orders.ListOrders(r.Context(), UserID(r.Context()))
	if err != nil {
		h.writeOrderError(w, err, "list orders failed")
		return
	}
	data := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		data = append(data, newOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": data})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.Orders.GetOrder(r.Context(), UserID(r.Context()), orderID)
	if err != nil {
		h.writeOrderError(w, err, "get order failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": newOrderResponse(order)})
}

type checkoutRequest struct {
	OrderID string `json:"order_id"`
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		writeError(w, http.StatusBadRequest, "order_id is required")
		return
	}

	out, err := h.Orders.Checkout(r.Context(), UserID(r.Context()), req.OrderID)
	if err != nil {
		h.writeOrderError(w, err, "checkout failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "payment_url": out.PaymentURL})
}

func (h *Handler) writeOrderError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, services.ErrMissingUserID):
		writeError(w, http.StatusUnauthorized, "missing user id")
	case errors.Is(err, services.ErrMissingPackageID):
		writeError(w, http.StatusBadRequest, "package_id is required")
	case errors.Is(err, services.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pricing.ErrUnknownPackage):
		writeError(w, http.StatusBadRequest, "no price for package")
	case errors.Is(err, services.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, services.ErrOrderNotPending):
		writeError(w, http.StatusConflict, "order is not pending")
	case errors.Is(err, services.ErrPaymentInit):
		writeError(w, http.StatusInternalServerError, "payment initiation failed")
	default:
		h.Logger.Error(fallback, "err", err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

// VerifyPayment receives the gateway callback. The encrypted payload arrives
// as a data form field, a data query parameter or a JSON body.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	res, err := h.Settler.HandleCallback(r.Context(), callbackData(r))
	if err != nil {
		var rejected *payments.CaptureRejectedError
		switch {
		case errors.As(err, &rejected):
			writeError(w, http.StatusBadRequest, rejected.Message)
		case errors.Is(err, payments.ErrInvalidCallback):
			writeError(w, http.StatusBadRequest, "invalid callback data")
		case errors.Is(err, payments.ErrMissingReference):
			writeError(w, http.StatusBadRequest, "missing order reference")
		case errors.Is(err, payments.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, payments.ErrOrderClosed):
			writeError(w, http.StatusConflict, "order is closed")
		case errors.Is(err, payments.ErrVerificationUnavailable):
			writeError(w, http.StatusBadGateway, "payment verification unavailable")
		default:
			h.Logger.Error("settlement failed", "err", err)
			writeError(w, http.StatusInternalServerError, "settlement failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) PaymentFailure(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusPaymentRequired, "payment failed")
}

func callbackData(r *http.Request) string {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body struct {
			Data string `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Data != "" {
			return body.Data
		}
		return r.URL.Query().Get("data")
	}
	return r.FormValue("data")
}
