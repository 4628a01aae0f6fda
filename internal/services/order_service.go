package services

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ESIMCheckout/internal/gateway"
	"ESIMCheckout/internal/models"
	"ESIMCheckout/internal/pricing"
	"ESIMCheckout/internal/store"

	"github.com/google/uuid"
)

var (
	ErrMissingUserID    = errors.New("missing user id")
	ErrMissingPackageID = errors.New("package_id is required")
	ErrInvalidQuantity  = errors.New("quantity out of range")
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderNotPending  = errors.New("order is not pending")
	ErrPaymentInit      = errors.New("payment initiation failed")
)

const (
	defaultMaxQuantity = 50
	referenceBytes     = 10
)

type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]*models.Order, error)
}

type PaymentGateway interface {
	InitiatePayment(ctx context.Context, req gateway.PaymentRequest) (string, error)
}

type Pricer interface {
	PriceFor(ctx context.Context, packageID string) (pricing.Quote, error)
}

type OrderService struct {
	Store           OrderStore
	Gateway         PaymentGateway
	Pricing         Pricer
	Logger          *slog.Logger
	DefaultType     string
	MaxQuantity     int
	ReferencePrefix string
}

type CreateOrderInput struct {
	PackageID string `json:"package_id"`
	Quantity  int    `json:"quantity"`
	Type      string `json:"type"`
}

type Checkout struct {
	Order      *models.Order
	PaymentURL string
}

// CreatePendingOrder prices and stores a pending order, then asks the gateway
// for a payment URL. When the gateway fails the order stays pending and the
// error wraps ErrPaymentInit.
func (s OrderService) CreatePendingOrder(ctx context.Context, userID string, in CreateOrderInput) (*Checkout, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	in.PackageID = strings.TrimSpace(in.PackageID)
	if in.PackageID == "" {
		return nil, ErrMissingPackageID
	}
	if in.Quantity < 1 || in.Quantity > s.maxQuantity() {
		return nil, fmt.Errorf("%w: must be between 1 and %d", ErrInvalidQuantity, s.maxQuantity())
	}
	orderType := strings.TrimSpace(in.Type)
	if orderType == "" {
		orderType = s.DefaultType
	}

	quote, err := s.Pricing.PriceFor(ctx, in.PackageID)
	if err != nil {
		return nil, err
	}

	ref, err := NewReference(s.ReferencePrefix)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	order := &models.Order{
		ID:              uuid.NewString(),
		ReferenceNumber: ref,
		UserID:          userID,
		PackageID:       in.PackageID,
		Quantity:        in.Quantity,
		Type:            orderType,
		Amount:          quote.Amount,
		Currency:        quote.Currency,
		Status:          models.OrderPending,
		ProvisionState:  models.ProvisionNotAttempted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.Store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	s.logger().Info("order created",
		"order_id", order.ID,
		"reference", order.ReferenceNumber,
		"amount", order.Amount.StringFixed(3),
		"currency", order.Currency)

	paymentURL, err := s.initiate(ctx, order)
	if err != nil {
		return &Checkout{Order: order}, err
	}
	return &Checkout{Order: order, PaymentURL: paymentURL}, nil
}

// Checkout asks the gateway for a fresh payment URL for a pending order owned
// by userID.
func (s OrderService) Checkout(ctx context.Context, userID, orderID string) (*Checkout, error) {
	order, err := s.GetOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderPending {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotPending, order.Status)
	}
	paymentURL, err := s.initiate(ctx, order)
	if err != nil {
		return nil, err
	}
	return &Checkout{Order: order, PaymentURL: paymentURL}, nil
}

// GetOrder hides orders owned by someone else behind ErrOrderNotFound.
func (s OrderService) GetOrder(ctx context.Context, userID, orderID string) (*models.Order, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	order, err := s.Store.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (s OrderService) ListOrders(ctx context.Context, userID string) ([]*models.Order, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	return s.Store.ListOrdersByUser(ctx, userID)
}

func (s OrderService) initiate(ctx context.Context, order *models.Order) (string, error) {
	paymentURL, err := s.Gateway.InitiatePayment(ctx, gateway.PaymentRequest{
		ReferenceNumber: order.ReferenceNumber,
		Amount:          order.Amount,
		Currency:        order.Currency,
	})
	if err != nil {
		s.logger().Error("payment initiation failed",
			"order_id", order.ID,
			"reference", order.ReferenceNumber,
			"err", err)
		return "", fmt.Errorf("%w: %w", ErrPaymentInit, err)
	}
	return paymentURL, nil
}

func (s OrderService) maxQuantity() int {
	if s.MaxQuantity > 0 {
		return s.MaxQuantity
	}
	return defaultMaxQuantity
}

func (s OrderService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

var referenceEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewReference returns prefix-XXXXXXXXXXXXXXXX where the suffix is 80 random
// bits in uppercase base32.
func NewReference(prefix string) (string, error) {
	var b [referenceBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("reference number: %w", err)
	}
	suffix := referenceEncoding.EncodeToString(b[:])
	if prefix == "" {
		return suffix, nil
	}
	return prefix + "-" + suffix, nil
}
