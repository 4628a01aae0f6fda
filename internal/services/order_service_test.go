package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"

	"ESIMCheckout/internal/gateway"
	"ESIMCheckout/internal/models"
	"ESIMCheckout/internal/pricing"
	"ESIMCheckout/internal/store/storetest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	requests []gateway.PaymentRequest
	err      error
}

func (f *fakeGateway) InitiatePayment(ctx context.Context, req gateway.PaymentRequest) (string, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return "https://sandbox.example.com/payment?data=tok-" + req.ReferenceNumber, nil
}

func newTestService(t *testing.T) (OrderService, *storetest.Store, *fakeGateway) {
	t.Helper()
	prices, err := pricing.NewService("9.5", "0.30", "KWD", map[string]string{"merhaba-7days-1gb": "31.6666667"})
	require.NoError(t, err)
	st := storetest.New()
	gw := &fakeGateway{}
	return OrderService{
		Store:           st,
		Gateway:         gw,
		Pricing:         prices,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		DefaultType:     "sim",
		MaxQuantity:     50,
		ReferencePrefix: "ORD",
	}, st, gw
}

func TestCreatePendingOrder(t *testing.T) {
	svc, st, gw := newTestService(t)

	out, err := svc.CreatePendingOrder(context.Background(), "user-1", CreateOrderInput{PackageID: "merhaba-7days-1gb", Quantity: 2})
	require.NoError(t, err)

	order := out.Order
	assert.Equal(t, models.OrderPending, order.Status)
	assert.Equal(t, models.ProvisionNotAttempted, order.ProvisionState)
	assert.Equal(t, "sim", order.Type)
	assert.Equal(t, "9.500", order.Amount.StringFixed(3))
	assert.Equal(t, "KWD", order.Currency)
	assert.Regexp(t, `^ORD-[A-Z2-7]{16}$`, order.ReferenceNumber)
	assert.Equal(t, "https://sandbox.example.com/payment?data=tok-"+order.ReferenceNumber, out.PaymentURL)

	require.Len(t, gw.requests, 1)
	assert.Equal(t, order.ReferenceNumber, gw.requests[0].ReferenceNumber)
	assert.True(t, decimal.RequireFromString("9.5").Equal(gw.requests[0].Amount))

	stored := st.Snapshot(order.ID)
	require.NotNil(t, stored)
	assert.Equal(t, "user-1", stored.UserID)
}

func TestCreatePendingOrderValidation(t *testing.T) {
	svc, st, gw := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreatePendingOrder(ctx, "", CreateOrderInput{PackageID: "p", Quantity: 1})
	assert.ErrorIs(t, err, ErrMissingUserID)
	_, err = svc.CreatePendingOrder(ctx, "user-1", CreateOrderInput{PackageID: "  ", Quantity: 1})
	assert.ErrorIs(t, err, ErrMissingPackageID)
	for _, q := range []int{0, -1, 51} {
		_, err = svc.CreatePendingOrder(ctx, "user-1", CreateOrderInput{PackageID: "p", Quantity: q})
		assert.ErrorIs(t, err, ErrInvalidQuantity, "quantity %d", q)
	}

	assert.Zero(t, st.Count("CreateOrder"))
	assert.Empty(t, gw.requests)
}

func TestCreatePendingOrderKeepsOrderWhenGatewayFails(t *testing.T) {
	svc, st, gw := newTestService(t)
	gw.err = gateway.ErrRequestFailed

	out, err := svc.CreatePendingOrder(context.Background(), "user-1", CreateOrderInput{PackageID: "p", Quantity: 1, Type: "esim"})
	assert.ErrorIs(t, err, ErrPaymentInit)
	assert.ErrorIs(t, err, gateway.ErrRequestFailed)
	require.NotNil(t, out)

	stored := st.Snapshot(out.Order.ID)
	require.NotNil(t, stored)
	assert.Equal(t, models.OrderPending, stored.Status)
	assert.Equal(t, "esim", stored.Type)
}

func TestCreatePendingOrderStoreFailureSkipsGateway(t *testing.T) {
	svc, st, gw := newTestService(t)
	st.Fail["CreateOrder"] = errors.New("db down")

	_, err := svc.CreatePendingOrder(context.Background(), "user-1", CreateOrderInput{PackageID: "p", Quantity: 1})
	assert.EqualError(t, err, "db down")
	assert.Empty(t, gw.requests)
}

func TestCheckoutRequiresOwnedPendingOrder(t *testing.T) {
	svc, st, gw := newTestService(t)
	ctx := context.Background()
	out, err := svc.CreatePendingOrder(ctx, "user-1", CreateOrderInput{PackageID: "p", Quantity: 1})
	require.NoError(t, err)

	again, err := svc.Checkout(ctx, "user-1", out.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, out.PaymentURL, again.PaymentURL)
	assert.Len(t, gw.requests, 2)

	_, err = svc.Checkout(ctx, "user-2", out.Order.ID)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	_, err = svc.Checkout(ctx, "user-1", "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	paid := *st.Snapshot(out.Order.ID)
	paid.Status = models.OrderPaid
	st.Put(&paid)
	_, err = svc.Checkout(ctx, "user-1", out.Order.ID)
	assert.ErrorIs(t, err, ErrOrderNotPending)
	assert.Len(t, gw.requests, 2)
}

func TestListOrdersScopedToUser(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for _, user := range []string{"user-1", "user-1", "user-2"} {
		_, err := svc.CreatePendingOrder(ctx, user, CreateOrderInput{PackageID: "p", Quantity: 1})
		require.NoError(t, err)
	}

	orders, err := svc.ListOrders(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, orders, 2)
	for _, o := range orders {
		assert.Equal(t, "user-1", o.UserID)
	}
}

func TestNewReferenceIsUnique(t *testing.T) {
	pattern := regexp.MustCompile(`^ORD-[A-Z2-7]{16}$`)
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		ref, err := NewReference("ORD")
		require.NoError(t, err)
		require.Regexp(t, pattern, ref)
		_, dup := seen[ref]
		require.False(t, dup, "duplicate reference %s", ref)
		seen[ref] = struct{}{}
	}
	assert.Len(t, seen, 10000)
}
