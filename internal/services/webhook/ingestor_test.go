package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/testutil/mocks"
	"github.com/kevin07696/funnel-service/pkg/timeutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v80/webhook"
	"go.uber.org/zap"
)

const testSecret = "whsec_test_secret"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestIngestor(cfg Config) (*Ingestor, *mocks.EventRecorder) {
	rec := &mocks.EventRecorder{}
	return NewIngestor(cfg, rec, timeutil.NewFakeClock(testNow), zap.NewNop()), rec
}

func signed(provider string, body []byte) Delivery {
	h := http.Header{}
	h.Set(SignatureHeader(provider), Sign(testSecret, body))
	return Delivery{Provider: provider, Headers: h, Body: body, ContentType: "application/json"}
}

const nmiSaleSuccess = `{
	"event_id": "evt-100",
	"event_type": "transaction.sale.success",
	"event_body": {
		"transaction_id": "9001",
		"order_id": "ORD-ABC-U1",
		"action": {"amount": "27.00"},
		"condition": "complete",
		"merchant_defined_fields": {"1": "sess-1", "2": "upsell-1", "3": "funnel"}
	}
}`

func TestIngest_NMISignedDelivery(t *testing.T) {
	ing, rec := newTestIngestor(Config{Secrets: map[string]string{"nmi": testSecret}, RequireSignature: true})

	out, err := ing.Ingest(context.Background(), signed(ProviderNMI, []byte(nmiSaleSuccess)))
	require.NoError(t, err)
	assert.Equal(t, StateApplied, out.State)
	assert.Equal(t, domain.EventPaymentSucceeded, out.EventType)

	events := rec.Events()
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, out.EventID, e.ID)
	assert.Equal(t, ProviderNMI, e.Provider)
	assert.Equal(t, "sess-1", e.SessionID)
	assert.Equal(t, 1, e.Step)
	assert.Equal(t, "9001", e.TransactionID)
	assert.Equal(t, "ORD-ABC-U1", e.OrderID)
	assert.True(t, decimal.RequireFromString("27").Equal(e.Amount))
	assert.Equal(t, "evt-100", e.Attributes["external_id"])
	assert.Equal(t, testNow, e.OccurredAt)
}

func TestIngest_TamperedBodyIsRejected(t *testing.T) {
	ing, rec := newTestIngestor(Config{Secrets: map[string]string{"nmi": testSecret, "crm": testSecret}, RequireSignature: true})

	for _, provider := range []string{ProviderNMI, ProviderCRM} {
		t.Run(provider, func(t *testing.T) {
			d := signed(provider, []byte(nmiSaleSuccess))
			tampered := append([]byte(nil), d.Body...)
			for i := range tampered {
				if tampered[i] == '2' {
					tampered[i] = '9'
					break
				}
			}
			d.Body = tampered

			out, err := ing.Ingest(context.Background(), d)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrSignatureInvalid))
			assert.Equal(t, StateUnverified, out.State)
		})
	}
	assert.Empty(t, rec.Events())
}

func TestIngest_SignatureVariants(t *testing.T) {
	ing, _ := newTestIngestor(Config{Secrets: map[string]string{"nmi": testSecret}})
	body := []byte(nmiSaleSuccess)

	t.Run("missing header", func(t *testing.T) {
		_, err := ing.Ingest(context.Background(), Delivery{Provider: "nmi", Headers: http.Header{}, Body: body})
		assert.ErrorIs(t, err, domain.ErrSignatureInvalid)
	})

	t.Run("wrong secret", func(t *testing.T) {
		h := http.Header{}
		h.Set(NMISignatureHeader, Sign("other", body))
		_, err := ing.Ingest(context.Background(), Delivery{Provider: "nmi", Headers: h, Body: body})
		assert.ErrorIs(t, err, domain.ErrSignatureInvalid)
	})

	t.Run("prefixed upper-case hex", func(t *testing.T) {
		h := http.Header{}
		h.Set(NMISignatureHeader, "sha256="+string(toUpper(Sign(testSecret, body))))
		out, err := ing.Ingest(context.Background(), Delivery{Provider: "NMI", Headers: h, Body: body})
		require.NoError(t, err)
		assert.Equal(t, StateApplied, out.State)
	})

	t.Run("base64 digest", func(t *testing.T) {
		mac := hmac.New(sha256.New, []byte(testSecret))
		mac.Write(body)
		digest := mac.Sum(nil)

		for name, sig := range map[string]string{
			"padded":   "sha256=" + base64.StdEncoding.EncodeToString(digest),
			"unpadded": base64.RawStdEncoding.EncodeToString(digest),
		} {
			fresh, _ := newTestIngestor(Config{Secrets: map[string]string{"nmi": testSecret}})
			h := http.Header{}
			h.Set(NMISignatureHeader, sig)
			out, err := fresh.Ingest(context.Background(), Delivery{Provider: "nmi", Headers: h, Body: body})
			require.NoError(t, err, name)
			assert.Equal(t, StateApplied, out.State, name)
		}
	})

	t.Run("base64 of wrong secret", func(t *testing.T) {
		mac := hmac.New(sha256.New, []byte("other"))
		mac.Write(body)
		h := http.Header{}
		h.Set(NMISignatureHeader, base64.StdEncoding.EncodeToString(mac.Sum(nil)))
		_, err := ing.Ingest(context.Background(), Delivery{Provider: "nmi", Headers: h, Body: body})
		assert.ErrorIs(t, err, domain.ErrSignatureInvalid)
	})
}

func toUpper(s string) []byte {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'f' {
			b[i] = c - 32
		}
	}
	return b
}

func TestIngest_NoSecret(t *testing.T) {
	body := []byte(nmiSaleSuccess)

	t.Run("permissive outside production", func(t *testing.T) {
		ing, rec := newTestIngestor(Config{})
		out, err := ing.Ingest(context.Background(), Delivery{Provider: "nmi", Headers: http.Header{}, Body: body})
		require.NoError(t, err)
		assert.Equal(t, StateApplied, out.State)
		assert.Len(t, rec.Events(), 1)
	})

	t.Run("rejected when signatures are required", func(t *testing.T) {
		ing, rec := newTestIngestor(Config{RequireSignature: true})
		_, err := ing.Ingest(context.Background(), Delivery{Provider: "nmi", Headers: http.Header{}, Body: body})
		require.Error(t, err)
		assert.Equal(t, domain.ErrorCodeConfiguration, domain.GetErrorCode(err))
		assert.Empty(t, rec.Events())
	})
}

func TestIngest_IgnoredDeliveries(t *testing.T) {
	ing, rec := newTestIngestor(Config{})

	out, err := ing.Ingest(context.Background(), Delivery{Provider: "shopify", Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, StateIgnored, out.State)

	out, err = ing.Ingest(context.Background(), Delivery{
		Provider: "nmi",
		Headers:  http.Header{},
		Body:     []byte(`{"event_type": "recurring.subscription.add", "event_body": {}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, StateIgnored, out.State)
	assert.Empty(t, rec.Events())
}

func TestIngest_ErroredDeliveriesAreAcknowledged(t *testing.T) {
	ing, rec := newTestIngestor(Config{})

	t.Run("bad amount", func(t *testing.T) {
		out, err := ing.Ingest(context.Background(), Delivery{
			Provider:    "crm",
			Headers:     http.Header{},
			Body:        []byte(`{"event": "payment.succeeded", "data": {"session_id": "s", "amount": "lots"}}`),
			ContentType: "application/json",
		})
		require.NoError(t, err)
		assert.Equal(t, StateErrored, out.State)
	})

	t.Run("publish failure", func(t *testing.T) {
		rec.Err = errors.New("queue full")
		defer func() { rec.Err = nil }()
		out, err := ing.Ingest(context.Background(), Delivery{Provider: "nmi", Headers: http.Header{}, Body: []byte(nmiSaleSuccess)})
		require.NoError(t, err)
		assert.Equal(t, StateErrored, out.State)
	})
}

func TestIngest_FormEncodedFallback(t *testing.T) {
	ing, rec := newTestIngestor(Config{Secrets: map[string]string{"crm": testSecret}})
	body := []byte("event=card.updated&session_id=sess-9&vault_id=V-77")

	d := signed(ProviderCRM, body)
	d.ContentType = "application/x-www-form-urlencoded"
	out, err := ing.Ingest(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, StateApplied, out.State)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventVaultUpdated, events[0].Type)
	assert.Equal(t, "sess-9", events[0].SessionID)
	assert.Equal(t, "V-77", events[0].VaultID)
}

func TestIngest_GenericProvider(t *testing.T) {
	ing, rec := newTestIngestor(Config{})
	out, err := ing.Ingest(context.Background(), Delivery{
		Provider: "generic",
		Headers:  http.Header{},
		Body:     []byte(`{"type": "payment.failed", "session_id": "sess-2", "step": 2, "product_code": "COACHING-CALL"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, StateApplied, out.State)

	e := rec.Events()[0]
	assert.Equal(t, domain.EventPaymentFailed, e.Type)
	assert.Equal(t, 2, e.Step)
	assert.Equal(t, "COACHING-CALL", e.ProductCode)
}

const stripePaymentFailed = `{
	"id": "evt_1",
	"object": "event",
	"type": "payment_intent.payment_failed",
	"data": {
		"object": {
			"id": "pi_123",
			"object": "payment_intent",
			"amount": 2700,
			"status": "requires_payment_method",
			"metadata": {"session_id": "sess-3", "step": "upsell-1"}
		}
	}
}`

func TestIngest_Stripe(t *testing.T) {
	ing, rec := newTestIngestor(Config{Secrets: map[string]string{"stripe": testSecret}, RequireSignature: true})
	body := []byte(stripePaymentFailed)

	signedPayload := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   body,
		Secret:    testSecret,
		Timestamp: time.Now(),
	})
	h := http.Header{}
	h.Set(StripeSignatureHeader, signedPayload.Header)

	out, err := ing.Ingest(context.Background(), Delivery{Provider: "stripe", Headers: h, Body: body})
	require.NoError(t, err)
	assert.Equal(t, StateApplied, out.State)

	e := rec.Events()[0]
	assert.Equal(t, domain.EventPaymentFailed, e.Type)
	assert.Equal(t, "pi_123", e.TransactionID)
	assert.Equal(t, "sess-3", e.SessionID)
	assert.Equal(t, 1, e.Step)
	assert.True(t, decimal.RequireFromString("27").Equal(e.Amount))

	h.Set(StripeSignatureHeader, "t=1,v1=deadbeef")
	_, err = ing.Ingest(context.Background(), Delivery{Provider: "stripe", Headers: h, Body: body})
	assert.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestDecodePayload(t *testing.T) {
	p, err := decodePayload("application/json", []byte(`{"a": {"b": [1, "x"]}, "ok": true, "amt": 10.50}`))
	require.NoError(t, err)
	assert.Equal(t, "1", p["a.b.0"])
	assert.Equal(t, "x", p["a.b.1"])
	assert.Equal(t, "true", p["ok"])
	assert.Equal(t, "10.50", p["amt"])

	p, err = decodePayload("", []byte("a=1&b=two"))
	require.NoError(t, err)
	assert.Equal(t, "two", p["b"])

	_, err = decodePayload("application/json", []byte(`{"a": `))
	assert.Error(t, err)

	_, err = decodePayload("", nil)
	assert.ErrorIs(t, err, errEmptyPayload)
}
