package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ESIMCheckout/internal/gateway"
	"ESIMCheckout/internal/models"
	"ESIMCheckout/internal/provisioning"
	"ESIMCheckout/internal/store/storetest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey = "PkW64zMe5NVdrlPVNnjo2Jy9nOb7v1Xg"
	testIV  = "5NVdrlPVNnjo2Jy9"
	testRef = "ORD-K7Q2M4X9PA3B5C"
)

type fakeGateway struct {
	client    *gateway.Client
	verify    *gateway.Verification
	verifyErr error
	verified  atomic.Int32
}

func (f *fakeGateway) DecryptCallback(data string) (*gateway.Callback, error) {
	return f.client.DecryptCallback(data)
}

func (f *fakeGateway) VerifyTransaction(ctx context.Context, reference string) (*gateway.Verification, error) {
	f.verified.Add(1)
	return f.verify, f.verifyErr
}

type fakeProvisioner struct {
	mu    sync.Mutex
	calls []provisioning.OrderRequest
	err   error
	delay time.Duration
}

func (f *fakeProvisioner) CreateOrder(ctx context.Context, req provisioning.OrderRequest) (*provisioning.OrderResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	id := "9666"
	return &provisioning.OrderResult{ProviderOrderID: &id, Raw: json.RawMessage(`{"data":{"id":9666}}`)}, nil
}

func (f *fakeProvisioner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	settler *Settler
	store   *storetest.Store
	gw      *fakeGateway
	prov    *fakeProvisioner
	env     *gateway.Envelope
	order   *models.Order
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client, err := gateway.NewClient(gateway.Config{
		BaseURL:    "https://sandbox.example.com",
		AccessCode: "code",
		SecretKey:  testKey,
		IVKey:      testIV,
	})
	require.NoError(t, err)
	env, err := gateway.NewEnvelope([]byte(testKey), []byte(testIV))
	require.NoError(t, err)

	st := storetest.New()
	now := time.Date(2025, 5, 18, 20, 0, 0, 0, time.UTC)
	order := &models.Order{
		ID:              "ord-1",
		ReferenceNumber: testRef,
		UserID:          "user-1",
		PackageID:       "merhaba-7days-1gb",
		Quantity:        2,
		Type:            "sim",
		Amount:          decimal.RequireFromString("9.500"),
		Currency:        "KWD",
		Status:          models.OrderPending,
		ProvisionState:  models.ProvisionNotAttempted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	st.Put(order)

	gw := &fakeGateway{client: client}
	prov := &fakeProvisioner{}
	return &fixture{
		settler: &Settler{
			Store:       st,
			Gateway:     gw,
			Provisioner: prov,
			Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
			Now:         func() time.Time { return now },
		},
		store: st,
		gw:    gw,
		prov:  prov,
		env:   env,
		order: order,
	}
}

func (f *fixture) callback(t *testing.T, payload map[string]any) string {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return f.env.Encrypt(b)
}

func captured(ref string) map[string]any {
	return map[string]any{
		"status":  true,
		"code":    1,
		"message": "Transaction Success",
		"response": map[string]any{
			"resultCode":      "CAPTURED",
			"amount":          9.5,
			"paymentToken":    "84221717175011419773484853173",
			"paymentId":       "100202313972889781",
			"paidOn":          "2025-05-18 20:21:42",
			"merchantRefNo":   ref,
			"auth":            "B51680",
			"trackID":         "85418",
			"transactionId":   "202313972889781",
			"Id":              7175011419,
			"bankReferenceId": "313910001129",
			"method":          1,
		},
	}
}

func TestHandleCallbackCapturedSettlesAndProvisions(t *testing.T) {
	f := newFixture(t)

	res, err := f.settler.HandleCallback(context.Background(), f.callback(t, captured(testRef)))
	require.NoError(t, err)

	assert.Equal(t, "Transaction Success", res.Message)
	assert.Equal(t, Response{
		ResultCode:           "CAPTURED",
		Amount:               "9.5",
		PaymentToken:         "84221717175011419773484853173",
		PaymentID:            "100202313972889781",
		PaidOn:               "2025-05-18 20:21:42",
		OrderReferenceNumber: testRef,
		Auth:                 "B51680",
		TrackID:              "85418",
		TransactionID:        "202313972889781",
		ID:                   "7175011419",
		BankReferenceID:      "313910001129",
	}, res.Response)

	got := f.store.Snapshot(f.order.ID)
	assert.Equal(t, models.OrderPaid, got.Status)
	assert.Equal(t, "202313972889781", *got.TransactionID)
	assert.Equal(t, "84221717175011419773484853173", *got.HesabeID)
	assert.Equal(t, "100202313972889781", *got.PaymentID)
	assert.Equal(t, "B51680", *got.Terminal)
	assert.Equal(t, "85418", *got.TrackID)
	assert.Equal(t, "KNET", *got.PaymentType)
	assert.Equal(t, "Payment Gateway", *got.ServiceType)
	assert.Equal(t, models.ProvisionSucceeded, got.ProvisionState)
	assert.Equal(t, "9666", *got.AiraloOrderID)
	assert.JSONEq(t, `{"data":{"id":9666}}`, string(got.OrderData))

	require.Equal(t, 1, f.prov.count())
	assert.Equal(t, provisioning.OrderRequest{PackageID: "merhaba-7days-1gb", Quantity: 2, Type: "sim"}, f.prov.calls[0])
}

func TestHandleCallbackNotCaptured(t *testing.T) {
	f := newFixture(t)
	payload := captured(testRef)
	payload["status"] = false
	payload["message"] = "Transaction Pending"
	payload["response"].(map[string]any)["resultCode"] = "PENDING"

	_, err := f.settler.HandleCallback(context.Background(), f.callback(t, payload))
	var rejected *CaptureRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "Transaction Pending", rejected.Message)

	assert.Equal(t, models.OrderPending, f.store.Snapshot(f.order.ID).Status)
	assert.Zero(t, f.store.Count("SettleOrder"))
	assert.Zero(t, f.prov.count())
}

func TestHandleCallbackStatusTrueButNotCapturedIsRejected(t *testing.T) {
	f := newFixture(t)
	payload := captured(testRef)
	payload["response"].(map[string]any)["resultCode"] = "NOT CAPTURED"

	_, err := f.settler.HandleCallback(context.Background(), f.callback(t, payload))
	var rejected *CaptureRejectedError
	assert.ErrorAs(t, err, &rejected)
	assert.Equal(t, models.OrderPending, f.store.Snapshot(f.order.ID).Status)
}

func TestHandleCallbackUnknownReference(t *testing.T) {
	f := newFixture(t)

	_, err := f.settler.HandleCallback(context.Background(), f.callback(t, captured("ORD-UNKNOWN")))
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.Zero(t, f.store.Count("SettleOrder"))
	assert.Equal(t, models.OrderPending, f.store.Snapshot(f.order.ID).Status)
}

func TestHandleCallbackProvisioningFailureStillSucceeds(t *testing.T) {
	f := newFixture(t)
	f.prov.err = errors.New("provider unavailable")

	res, err := f.settler.HandleCallback(context.Background(), f.callback(t, captured(testRef)))
	require.NoError(t, err)
	assert.Equal(t, "CAPTURED", res.Response.ResultCode)

	got := f.store.Snapshot(f.order.ID)
	assert.Equal(t, models.OrderPaid, got.Status)
	assert.Nil(t, got.AiraloOrderID)
	assert.Nil(t, got.OrderData)
	assert.Equal(t, models.ProvisionFailed, got.ProvisionState)
	require.NotNil(t, got.ProvisionError)
	assert.Contains(t, *got.ProvisionError, "provider unavailable")
}

func TestHandleCallbackProvisioningTimeout(t *testing.T) {
	f := newFixture(t)
	f.settler.ProvisionTimeout = 10 * time.Millisecond
	f.settler.Provisioner = provisionerFunc(func(ctx context.Context, req provisioning.OrderRequest) (*provisioning.OrderResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := f.settler.HandleCallback(context.Background(), f.callback(t, captured(testRef)))
	require.NoError(t, err)
	got := f.store.Snapshot(f.order.ID)
	assert.Equal(t, models.OrderPaid, got.Status)
	assert.Equal(t, models.ProvisionFailed, got.ProvisionState)
}

func TestHandleCallbackDuplicateDeliveryProvisionsOnce(t *testing.T) {
	f := newFixture(t)
	data := f.callback(t, captured(testRef))

	first, err := f.settler.HandleCallback(context.Background(), data)
	require.NoError(t, err)
	paidAt := f.store.Snapshot(f.order.ID).PaidAt

	second, err := f.settler.HandleCallback(context.Background(), data)
	require.NoError(t, err)

	assert.Equal(t, first.Message, second.Message)
	assert.Equal(t, first.Response, second.Response)
	assert.Equal(t, 1, f.prov.count())
	assert.Equal(t, paidAt, f.store.Snapshot(f.order.ID).PaidAt)
}

func TestHandleCallbackConcurrentDeliveriesProvisionOnce(t *testing.T) {
	f := newFixture(t)
	f.prov.delay = 20 * time.Millisecond
	data := f.callback(t, captured(testRef))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.settler.HandleCallback(context.Background(), data)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.prov.count())
	assert.Equal(t, models.ProvisionSucceeded, f.store.Snapshot(f.order.ID).ProvisionState)
}

func TestHandleCallbackNeverReopensClosedOrders(t *testing.T) {
	for _, status := range []models.OrderStatus{models.OrderCanceled, models.OrderFailed} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			closed := *f.order
			closed.Status = status
			f.store.Put(&closed)

			_, err := f.settler.HandleCallback(context.Background(), f.callback(t, captured(testRef)))
			assert.ErrorIs(t, err, ErrOrderClosed)
			got := f.store.Snapshot(f.order.ID)
			assert.Equal(t, status, got.Status)
			assert.Nil(t, got.PaidAt)
			require.NotNil(t, got.TransactionID)
			assert.Equal(t, "202313972889781", *got.TransactionID)
			require.NotNil(t, got.PaymentID)
			assert.Equal(t, "100202313972889781", *got.PaymentID)
			assert.Equal(t, models.ProvisionNotAttempted, got.ProvisionState)
			assert.Zero(t, f.prov.count())

			// A replay keeps the first capture.
			replay := captured(testRef)
			replay["response"].(map[string]any)["transactionId"] = "999"
			_, err = f.settler.HandleCallback(context.Background(), f.callback(t, replay))
			assert.ErrorIs(t, err, ErrOrderClosed)
			assert.Equal(t, "202313972889781", *f.store.Snapshot(f.order.ID).TransactionID)
		})
	}
}

func TestHandleCallbackLateCaptureSettlesStalePendingOrder(t *testing.T) {
	f := newFixture(t)
	stale := *f.order
	stale.CreatedAt = stale.CreatedAt.Add(-2 * time.Hour)
	stale.UpdatedAt = stale.CreatedAt
	f.store.Put(&stale)

	reported, err := f.store.ListStalePending(context.Background(), f.order.CreatedAt.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, reported, 1)

	res, err := f.settler.HandleCallback(context.Background(), f.callback(t, captured(testRef)))
	require.NoError(t, err)
	assert.Equal(t, "Transaction Success", res.Message)

	got := f.store.Snapshot(f.order.ID)
	assert.Equal(t, models.OrderPaid, got.Status)
	require.NotNil(t, got.TransactionID)
	assert.Equal(t, "202313972889781", *got.TransactionID)
	require.NotNil(t, got.PaymentID)
	assert.Equal(t, "100202313972889781", *got.PaymentID)
	assert.Equal(t, models.ProvisionSucceeded, got.ProvisionState)
	assert.Equal(t, 1, f.prov.count())
}

func TestHandleCallbackPaidOrderStaysPaidOnRejectedReplay(t *testing.T) {
	f := newFixture(t)
	_, err := f.settler.HandleCallback(context.Background(), f.callback(t, captured(testRef)))
	require.NoError(t, err)

	payload := captured(testRef)
	payload["status"] = false
	payload["response"].(map[string]any)["resultCode"] = "CANCELED"
	_, err = f.settler.HandleCallback(context.Background(), f.callback(t, payload))
	var rejected *CaptureRejectedError
	assert.ErrorAs(t, err, &rejected)
	assert.Equal(t, models.OrderPaid, f.store.Snapshot(f.order.ID).Status)
}

func TestHandleCallbackInvalidData(t *testing.T) {
	f := newFixture(t)
	for name, data := range map[string]string{
		"empty":    "",
		"blank":    "   ",
		"odd hex":  "ABC",
		"not hex":  "ZZZZ",
		"not json": f.env.Encrypt([]byte("not json at all")),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.settler.HandleCallback(context.Background(), data)
			assert.ErrorIs(t, err, ErrInvalidCallback)
		})
	}
	assert.Zero(t, f.store.Count("GetOrderByReference"))
	assert.Equal(t, models.OrderPending, f.store.Snapshot(f.order.ID).Status)
}

func TestHandleCallbackMissingReference(t *testing.T) {
	f := newFixture(t)
	payload := captured("")
	delete(payload["response"].(map[string]any), "merchantRefNo")

	_, err := f.settler.HandleCallback(context.Background(), f.callback(t, payload))
	assert.ErrorIs(t, err, ErrMissingReference)
	assert.Zero(t, f.store.Count("GetOrderByReference"))
}

func TestHandleCallbackReferenceFromFallbackField(t *testing.T) {
	f := newFixture(t)
	payload := captured("")
	resp := payload["response"].(map[string]any)
	delete(resp, "merchantRefNo")
	payload["variable1"] = testRef

	res, err := f.settler.HandleCallback(context.Background(), f.callback(t, payload))
	require.NoError(t, err)
	assert.Equal(t, testRef, res.Response.OrderReferenceNumber)
	assert.Equal(t, models.OrderPaid, f.store.Snapshot(f.order.ID).Status)
}

func TestHandleCallbackSettleErrorLeavesOrderPending(t *testing.T) {
	f := newFixture(t)
	f.store.Fail["SettleOrder"] = errors.New("connection reset")

	_, err := f.settler.HandleCallback(context.Background(), f.callback(t, captured(testRef)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, models.OrderPending, f.store.Snapshot(f.order.ID).Status)
	assert.Zero(t, f.prov.count())
}

func TestHandleCallbackVerification(t *testing.T) {
	t.Run("confirmed", func(t *testing.T) {
		f := newFixture(t)
		f.settler.VerifyTransactions = true
		f.gw.verify = &gateway.Verification{Confirmed: true}

		_, err := f.settler.HandleCallback(context.Background(), f.callback(t, captured(testRef)))
		require.NoError(t, err)
		assert.Equal(t, int32(1), f.gw.verified.Load())
		assert.Equal(t, models.OrderPaid, f.store.Snapshot(f.order.ID).Status)
	})
	t.Run("not confirmed", func(t *testing.T) {
		f := newFixture(t)
		f.settler.VerifyTransactions = true
		f.gw.verify = &gateway.Verification{Confirmed: false, Message: "Transaction not found"}

		_, err := f.settler.HandleCallback(context.Background(), f.callback(t, captured(testRef)))
		var rejected *CaptureRejectedError
		require.ErrorAs(t, err, &rejected)
		assert.Equal(t, "Transaction not found", rejected.Message)
		assert.Equal(t, models.OrderPending, f.store.Snapshot(f.order.ID).Status)
	})
	t.Run("unavailable", func(t *testing.T) {
		f := newFixture(t)
		f.settler.VerifyTransactions = true
		f.gw.verifyErr = gateway.ErrRequestFailed

		_, err := f.settler.HandleCallback(context.Background(), f.callback(t, captured(testRef)))
		assert.ErrorIs(t, err, ErrVerificationUnavailable)
		assert.Equal(t, models.OrderPending, f.store.Snapshot(f.order.ID).Status)
	})
}

func TestProvisionSkipsClaimedOrders(t *testing.T) {
	f := newFixture(t)
	paid := *f.order
	paid.Status = models.OrderPaid
	paid.ProvisionState = models.ProvisionFailed
	f.store.Put(&paid)

	assert.Nil(t, f.settler.Provision(context.Background(), &paid))
	assert.Zero(t, f.prov.count())
}

func TestMethodLabel(t *testing.T) {
	assert.Equal(t, "KNET", MethodLabel("1"))
	assert.Equal(t, "MPGS", MethodLabel("2"))
	assert.Equal(t, "MPGS", MethodLabel(""))
}

type provisionerFunc func(ctx context.Context, req provisioning.OrderRequest) (*provisioning.OrderResult, error)

func (f provisionerFunc) CreateOrder(ctx context.Context, req provisioning.OrderRequest) (*provisioning.OrderResult, error) {
	return f(ctx, req)
}
