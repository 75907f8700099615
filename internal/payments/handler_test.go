package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/reibot/backend/internal/models"
)

type mockProcessor struct {
	mu      sync.Mutex
	handled []string
	err     error
}

func (m *mockProcessor) HandleNotification(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.handled = append(m.handled, n.ID)
	return nil
}

func (m *mockProcessor) CreatePayment(_ context.Context, userID int64, amount decimal.Decimal) (*models.Payment, error) {
	return &models.Payment{ProviderPaymentID: "pay_1", UserID: userID, Amount: amount, Status: models.PaymentPending}, m.err
}

func (m *mockProcessor) CheckStatus(_ context.Context, providerID string) (*models.Payment, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.Payment{ProviderPaymentID: providerID, Status: models.PaymentPaid}, nil
}

func (m *mockProcessor) History(_ context.Context, userID int64, limit int) ([]*models.Payment, error) {
	if m.err != nil {
		return nil, m.err
	}
	if userID != 5 {
		return nil, nil
	}
	return []*models.Payment{{ProviderPaymentID: "pay_1", UserID: 5, Status: models.PaymentPaid}}, nil
}

func webhookBody(t *testing.T, id string, created time.Time) []byte {
	t.Helper()
	b, err := json.Marshal(Notification{
		ID:        id,
		Event:     EventPaymentSucceeded,
		CreatedAt: created.UTC().Format(time.RFC3339),
		Object:    NotificationObject{ID: "pay_1", Status: ProviderSucceeded, Paid: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func postWebhook(h *Handler, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, sig)
	rec := httptest.NewRecorder()
	h.Webhook(rec, req)
	return rec
}

func TestWebhook_StatusCodes(t *testing.T) {
	now := time.Now()
	v, _ := newTestValidator(t, now)
	proc := &mockProcessor{}
	h := NewHandler(proc, v, nil)

	good := webhookBody(t, "wh_1", now)
	if rec := postWebhook(h, good, v.Sign(good)); rec.Code != http.StatusOK {
		t.Fatalf("first delivery: %d", rec.Code)
	}
	if rec := postWebhook(h, good, v.Sign(good)); rec.Code != http.StatusOK {
		t.Fatalf("duplicate delivery: %d", rec.Code)
	}
	if len(proc.handled) != 1 {
		t.Fatalf("handled = %v, want one", proc.handled)
	}

	other := webhookBody(t, "wh_2", now)
	if rec := postWebhook(h, other, "00ff"); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad signature: %d", rec.Code)
	}
	stale := webhookBody(t, "wh_3", now.Add(-10*time.Minute))
	if rec := postWebhook(h, stale, v.Sign(stale)); rec.Code != http.StatusUnauthorized {
		t.Errorf("stale: %d", rec.Code)
	}
	malformed := []byte(`{`)
	if rec := postWebhook(h, malformed, v.Sign(malformed)); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed: %d", rec.Code)
	}
	noID := []byte(`{"event":"payment.succeeded","object":{"id":"pay_1"}}`)
	if rec := postWebhook(h, noID, v.Sign(noID)); rec.Code != http.StatusBadRequest {
		t.Errorf("missing id: %d", rec.Code)
	}
}

func TestWebhook_UnsignedBodyNeverParsed(t *testing.T) {
	now := time.Now()
	v, _ := newTestValidator(t, now)
	proc := &mockProcessor{}
	h := NewHandler(proc, v, nil)

	for name, body := range map[string][]byte{
		"malformed":  []byte(`{`),
		"missing id": []byte(`{"event":"payment.succeeded","object":{"id":"pay_1"}}`),
		"valid":      webhookBody(t, "wh_9", now),
	} {
		if rec := postWebhook(h, body, ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s unsigned: %d, want 401", name, rec.Code)
		}
		if rec := postWebhook(h, body, "zz-not-hex"); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s bad signature: %d, want 401", name, rec.Code)
		}
	}
	if len(proc.handled) != 0 {
		t.Fatalf("handled = %v", proc.handled)
	}
}

func TestWebhook_NoValidator(t *testing.T) {
	h := NewHandler(&mockProcessor{}, nil, nil)
	rec := postWebhook(h, []byte(`{}`), "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", rec.Code)
	}
}

func TestWebhook_FailureForgetsReceipt(t *testing.T) {
	now := time.Now()
	v, _ := newTestValidator(t, now)
	proc := &mockProcessor{err: errors.New("db down")}
	h := NewHandler(proc, v, nil)

	body := webhookBody(t, "wh_1", now)
	if rec := postWebhook(h, body, v.Sign(body)); rec.Code != http.StatusInternalServerError {
		t.Fatalf("code = %d, want 500", rec.Code)
	}
	proc.err = nil
	if rec := postWebhook(h, body, v.Sign(body)); rec.Code != http.StatusOK {
		t.Fatalf("retry code = %d", rec.Code)
	}
	if len(proc.handled) != 1 {
		t.Fatalf("retry was swallowed as duplicate")
	}
}

func TestCreate_Validation(t *testing.T) {
	h := NewHandler(&mockProcessor{}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/payments", bytes.NewBufferString(`{"user_id":1,"amount":"-5"}`))
	rec := httptest.NewRecorder()
	h.Create(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("negative amount: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/payments", bytes.NewBufferString(`{"user_id":1,"amount":"100"}`))
	rec = httptest.NewRecorder()
	h.Create(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
}

func TestCheck_NotFound(t *testing.T) {
	h := NewHandler(&mockProcessor{err: ErrPaymentNotFound}, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/pay_x/check", nil)
	req.SetPathValue("provider_id", "pay_x")
	rec := httptest.NewRecorder()
	h.Check(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestHistory(t *testing.T) {
	h := NewHandler(&mockProcessor{}, nil, nil)
	cases := []struct {
		id   string
		code int
		want string
	}{
		{"5", http.StatusOK, `"provider_payment_id":"pay_1"`},
		{"6", http.StatusOK, `"payments":[]`},
		{"x", http.StatusBadRequest, "invalid user id"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/v1/users/"+tc.id+"/payments", nil)
		req.SetPathValue("id", tc.id)
		rec := httptest.NewRecorder()
		h.History(rec, req)
		if rec.Code != tc.code || !bytes.Contains(rec.Body.Bytes(), []byte(tc.want)) {
			t.Errorf("id %s: status = %d body = %s", tc.id, rec.Code, rec.Body.String())
		}
	}
}

func TestServiceHistory_DefaultsLimit(t *testing.T) {
	f := newFixture()
	for i := 0; i < 25; i++ {
		f.pending(t, fmt.Sprintf("pay_%d", i), 3, "10")
	}
	list, err := f.svc.History(context.Background(), 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 20 {
		t.Errorf("len = %d, want default 20", len(list))
	}
}
