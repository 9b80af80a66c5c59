package razorpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/meterbill/meterbill/internal/money"
	paymentdomain "github.com/meterbill/meterbill/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdapter(t *testing.T, baseURL string) paymentdomain.PaymentAdapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{
		BaseURL:       baseURL,
		KeyID:         "rzp_test_key",
		Secret:        "rzp_test_secret",
		WebhookSecret: "whsec",
	})
	require.NoError(t, err)
	return adapter
}

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestFactoryRequiresCredentials(t *testing.T) {
	_, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{KeyID: "k", Secret: "s"})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidConfig)
}

func TestCreateOrderSendsMinorUnitsWithBasicAuth(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "rzp_test_key", user)
		assert.Equal(t, "rzp_test_secret", pass)
		assert.Equal(t, "/orders", r.URL.Path)

		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":       "order_1",
			"amount":   got["amount"],
			"currency": "INR",
			"status":   "created",
		})
	}))
	defer server.Close()

	adapter := newAdapter(t, server.URL)
	order, err := adapter.CreateOrder(context.Background(), paymentdomain.OrderRequest{
		Amount:   money.MustParse("118.50"),
		Currency: "INR",
		Receipt:  "rcpt-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "order_1", order.OrderID)
	assert.EqualValues(t, 11850, got["amount"])
	assert.EqualValues(t, 11850, order.AmountMinor)
}

func TestCreateOrderRejectsAmountDrift(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "order_2", "amount": 11855, "currency": "INR", "status": "created",
		})
	}))
	defer server.Close()

	adapter := newAdapter(t, server.URL)
	_, err := adapter.CreateOrder(context.Background(), paymentdomain.OrderRequest{
		Amount:   money.MustParse("118.50"),
		Currency: "INR",
		Receipt:  "rcpt-2",
	})
	assert.ErrorIs(t, err, paymentdomain.ErrAmountMismatch)
}

func TestCreateOrderToleratesOneMinorUnit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "order_3", "amount": 11851, "currency": "INR", "status": "created",
		})
	}))
	defer server.Close()

	adapter := newAdapter(t, server.URL)
	order, err := adapter.CreateOrder(context.Background(), paymentdomain.OrderRequest{
		Amount:   money.MustParse("118.50"),
		Currency: "INR",
		Receipt:  "rcpt-3",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 11851, order.AmountMinor)
}

func TestGatewayErrorClassification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "BAD_REQUEST_ERROR", "description": "amount required"},
		})
	}))
	defer server.Close()

	adapter := newAdapter(t, server.URL)
	_, err := adapter.CreateOrder(context.Background(), paymentdomain.OrderRequest{
		Amount:   money.MustParse("10.00"),
		Currency: "INR",
		Receipt:  "rcpt-4",
	})
	require.Error(t, err)

	var gwErr *paymentdomain.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "BAD_REQUEST_ERROR", gwErr.Code)
	assert.False(t, gwErr.Retryable())
	assert.False(t, paymentdomain.RetryableError(err))
}

func TestCreateRefundPostsToPaymentPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/pay_9/refund", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "rfnd_1", "amount": 5000, "status": "processed",
		})
	}))
	defer server.Close()

	adapter := newAdapter(t, server.URL)
	refund, err := adapter.CreateRefund(context.Background(), paymentdomain.RefundRequest{
		GatewayPaymentID: "pay_9",
		Amount:           money.MustParse("50.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, "rfnd_1", refund.RefundID)
}

func TestVerifyWebhook(t *testing.T) {
	adapter := newAdapter(t, "http://unused")
	payload := []byte(`{"event":"payment.captured"}`)

	require.NoError(t, adapter.VerifyWebhook(payload, sign(payload, "whsec")))
	assert.ErrorIs(t, adapter.VerifyWebhook(payload, sign(payload, "wrong")), paymentdomain.ErrInvalidSignature)
	assert.ErrorIs(t, adapter.VerifyWebhook(payload, ""), paymentdomain.ErrInvalidSignature)

	// One flipped byte breaks the MAC.
	tampered := append([]byte{}, payload...)
	tampered[0] = '['
	assert.ErrorIs(t, adapter.VerifyWebhook(tampered, sign(payload, "whsec")), paymentdomain.ErrInvalidSignature)
}

func TestParseWebhookPaymentEvent(t *testing.T) {
	adapter := newAdapter(t, "http://unused")
	payload := []byte(`{
		"id": "evt_1",
		"event": "payment.captured",
		"created_at": 1706745600,
		"payload": {"payment": {"entity": {
			"id": "pay_1", "order_id": "order_1", "amount": 11800,
			"currency": "INR", "status": "captured", "method": "upi"
		}}}
	}`)

	event, err := adapter.ParseWebhook(payload)
	require.NoError(t, err)
	assert.Equal(t, "razorpay", event.Provider)
	assert.Equal(t, "evt_1", event.EventID)
	assert.Equal(t, "payment.captured", event.Type)
	assert.Equal(t, "pay_1", event.GatewayPaymentID)
	assert.Equal(t, "order_1", event.GatewayOrderID)
	assert.Equal(t, "captured", event.Status)
	assert.Equal(t, "upi", event.Method)
	assert.EqualValues(t, 11800, event.AmountMinor)
}

func TestParseWebhookRefundEvent(t *testing.T) {
	adapter := newAdapter(t, "http://unused")
	payload := []byte(`{
		"event": "refund.processed",
		"payload": {"refund": {"entity": {
			"id": "rfnd_1", "payment_id": "pay_1", "amount": 5000,
			"currency": "INR", "status": "processed"
		}}}
	}`)

	event, err := adapter.ParseWebhook(payload)
	require.NoError(t, err)
	assert.Equal(t, "refund.processed:rfnd_1", event.EventID)
	assert.Equal(t, "rfnd_1", event.GatewayRefundID)
	assert.Equal(t, "pay_1", event.GatewayPaymentID)
}

func TestParseWebhookIgnoresUnknownFamilies(t *testing.T) {
	adapter := newAdapter(t, "http://unused")

	_, err := adapter.ParseWebhook([]byte(`{"event":"order.paid","payload":{}}`))
	assert.ErrorIs(t, err, paymentdomain.ErrEventIgnored)

	_, err = adapter.ParseWebhook([]byte(`not json`))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)
}
