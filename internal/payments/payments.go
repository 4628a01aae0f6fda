package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ESIMCheckout/internal/gateway"
	"ESIMCheckout/internal/models"
	"ESIMCheckout/internal/provisioning"
	"ESIMCheckout/internal/store"
)

var (
	ErrInvalidCallback         = errors.New("invalid callback data")
	ErrMissingReference        = errors.New("missing order reference")
	ErrOrderNotFound           = errors.New("order not found")
	ErrOrderClosed             = errors.New("order is closed")
	ErrVerificationUnavailable = errors.New("payment verification unavailable")
)

// CaptureRejectedError carries the gateway's own message for a callback that
// did not capture funds.
type CaptureRejectedError struct {
	Message string
}

func (e *CaptureRejectedError) Error() string {
	if e.Message == "" {
		return "payment not captured"
	}
	return e.Message
}

const serviceType = "Payment Gateway"

type OrderStore interface {
	GetOrderByReference(ctx context.Context, reference string) (*models.Order, error)
	SettleOrder(ctx context.Context, reference string, st models.Settlement) (*models.Order, bool, error)
	ClaimProvisioning(ctx context.Context, orderID string) (bool, error)
	CompleteProvisioning(ctx context.Context, orderID string, providerOrderID *string, raw []byte) error
	FailProvisioning(ctx context.Context, orderID string, reason string) error
}

type Gateway interface {
	DecryptCallback(data string) (*gateway.Callback, error)
	VerifyTransaction(ctx context.Context, reference string) (*gateway.Verification, error)
}

type Provisioner interface {
	CreateOrder(ctx context.Context, req provisioning.OrderRequest) (*provisioning.OrderResult, error)
}

// Settler turns gateway callbacks into paid orders and hands paid orders to
// the provisioning provider.
type Settler struct {
	Store       OrderStore
	Gateway     Gateway
	Provisioner Provisioner
	Logger      *slog.Logger

	// VerifyTransactions asks the gateway to confirm a CAPTURED callback
	// before the order is settled.
	VerifyTransactions bool
	ProvisionTimeout   time.Duration
	Now                func() time.Time
}

// Result is the success payload returned to the gateway.
type Result struct {
	Message  string   `json:"message"`
	Response Response `json:"response"`

	Order *models.Order `json:"-"`
}

type Response struct {
	ResultCode           string `json:"resultCode"`
	Amount               string `json:"amount"`
	PaymentToken         string `json:"paymentToken"`
	PaymentID            string `json:"paymentId"`
	PaidOn               string `json:"paidOn"`
	OrderReferenceNumber string `json:"orderReferenceNumber"`
	Auth                 string `json:"auth"`
	TrackID              string `json:"trackID"`
	TransactionID        string `json:"transactionId"`
	ID                   string `json:"Id"`
	BankReferenceID      string `json:"bankReferenceId"`
}

// HandleCallback runs one gateway callback through decrypt, match, capture
// check, settle and provision. Errors before settle leave the order untouched.
// A provisioning failure is logged and recorded on the order but never
// returned.
func (s *Settler) HandleCallback(ctx context.Context, data string) (*Result, error) {
	logger := s.logger()
	if strings.TrimSpace(data) == "" {
		return nil, ErrInvalidCallback
	}

	cb, err := s.Gateway.DecryptCallback(data)
	if err != nil {
		logger.Warn("callback decrypt failed", "err", err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}

	reference := cb.Reference()
	if reference == "" {
		logger.Warn("callback missing order reference", "message", cb.Message)
		return nil, ErrMissingReference
	}

	order, err := s.Store.GetOrderByReference(ctx, reference)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	if !cb.Captured() {
		logger.Warn("transaction not captured",
			"reference", reference,
			"result_code", cb.Response.ResultCode.String(),
			"message", cb.Message)
		return nil, &CaptureRejectedError{Message: cb.Message}
	}

	if s.VerifyTransactions {
		v, err := s.Gateway.VerifyTransaction(ctx, reference)
		if err != nil {
			logger.Error("transaction verification failed", "reference", reference, "err", err)
			return nil, fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
		}
		if !v.Confirmed {
			logger.Warn("gateway did not confirm transaction", "reference", reference, "message", v.Message)
			return nil, &CaptureRejectedError{Message: firstNonEmpty(v.Message, cb.Message)}
		}
	}

	paid, settled, err := s.Store.SettleOrder(ctx, reference, settlementFrom(cb, s.now()))
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		// The gateway took the money but the order stays closed: the payment
		// fields are on the row for an operator to refund.
		logger.Error("captured callback for closed order, refund required",
			"order_id", order.ID,
			"reference", reference,
			"status", string(order.Status),
			"transaction_id", cb.Response.TransactionID.String(),
			"payment_id", cb.Response.PaymentID.String())
		return nil, ErrOrderClosed
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrOrderNotFound
	case err != nil:
		return nil, fmt.Errorf("settle order %s: %w", order.ID, err)
	}
	if settled {
		logger.Info("order paid", "order_id", paid.ID, "reference", reference)
	} else {
		logger.Info("duplicate callback for paid order", "order_id", paid.ID, "reference", reference)
	}

	// Settle is committed; the provider call must not be cut short by the
	// gateway hanging up.
	pctx := context.WithoutCancel(ctx)
	if updated := s.Provision(pctx, paid); updated != nil {
		paid = updated
	}

	return &Result{
		Message:  cb.Message,
		Response: responseFrom(cb, reference),
		Order:    paid,
	}, nil
}

// Provision creates the provider order for a paid order at most once. It
// returns the order with its provisioning outcome, or nil when another caller
// holds the claim.
func (s *Settler) Provision(ctx context.Context, order *models.Order) *models.Order {
	logger := s.logger().With("order_id", order.ID)

	claimed, err := s.Store.ClaimProvisioning(ctx, order.ID)
	if err != nil {
		logger.Error("claim provisioning failed", "err", err)
		return nil
	}
	if !claimed {
		logger.Info("provisioning already claimed", "state", string(order.ProvisionState))
		return nil
	}

	// The outcome is recorded even when the provider call timed out.
	recordCtx := context.WithoutCancel(ctx)
	callCtx := ctx
	if s.ProvisionTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.ProvisionTimeout)
		defer cancel()
	}

	res, err := s.Provisioner.CreateOrder(callCtx, provisioning.OrderRequest{
		PackageID: order.PackageID,
		Quantity:  order.Quantity,
		Type:      order.Type,
	})
	out := *order
	if err != nil {
		logger.Error("provisioning failed", "package_id", order.PackageID, "err", err)
		if ferr := s.Store.FailProvisioning(recordCtx, order.ID, err.Error()); ferr != nil {
			logger.Error("record provisioning failure", "err", ferr)
		}
		reason := err.Error()
		out.ProvisionState = models.ProvisionFailed
		out.ProvisionError = &reason
		return &out
	}

	if res.ProviderOrderID == nil {
		logger.Warn("provider response has no order id")
	}
	if err := s.Store.CompleteProvisioning(recordCtx, order.ID, res.ProviderOrderID, res.Raw); err != nil {
		logger.Error("record provisioning result", "err", err)
		return nil
	}
	logger.Info("order provisioned", "provider_order_id", deref(res.ProviderOrderID))
	now := s.now()
	out.ProvisionState = models.ProvisionSucceeded
	out.AiraloOrderID = res.ProviderOrderID
	out.OrderData = res.Raw
	out.ProvisionedAt = &now
	return &out
}

func settlementFrom(cb *gateway.Callback, now time.Time) models.Settlement {
	r := cb.Response
	return models.Settlement{
		TransactionID: r.TransactionID.String(),
		HesabeID:      r.PaymentToken.String(),
		PaymentID:     r.PaymentID.String(),
		Terminal:      r.Auth.String(),
		TrackID:       r.TrackID.String(),
		PaymentType:   MethodLabel(r.Method.String()),
		ServiceType:   serviceType,
		PaidAt:        now,
	}
}

func responseFrom(cb *gateway.Callback, reference string) Response {
	r := cb.Response
	return Response{
		ResultCode:           r.ResultCode.String(),
		Amount:               r.Amount.String(),
		PaymentToken:         r.PaymentToken.String(),
		PaymentID:            r.PaymentID.String(),
		PaidOn:               r.PaidOn.String(),
		OrderReferenceNumber: reference,
		Auth:                 r.Auth.String(),
		TrackID:              r.TrackID.String(),
		TransactionID:        r.TransactionID.String(),
		ID:                   r.ID.String(),
		BankReferenceID:      r.BankReferenceID.String(),
	}
}

// MethodLabel maps the gateway method code: 1 is KNET, anything else MPGS.
func MethodLabel(method string) string {
	if strings.TrimSpace(method) == "1" {
		return "KNET"
	}
	return "MPGS"
}

func (s *Settler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Settler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func firstNonEmpty(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
