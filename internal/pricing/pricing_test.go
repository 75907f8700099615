package pricing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/reibot/backend/internal/models"
)

type mockStore struct {
	mu   sync.Mutex
	rows map[string]*models.PricingOverride
}

func newMockStore() *mockStore { return &mockStore{rows: make(map[string]*models.PricingOverride)} }

func (m *mockStore) Upsert(_ context.Context, o *models.PricingOverride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.rows[Key(o.Provider, o.Model, o.Action)] = &cp
	return nil
}

func (m *mockStore) Get(_ context.Context, provider, model, action string) (*models.PricingOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.rows[Key(provider, model, action)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *mockStore) List(context.Context) ([]*models.PricingOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PricingOverride
	for _, o := range m.rows {
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return Key(out[i].Provider, out[i].Model, out[i].Action) < Key(out[j].Provider, out[j].Model, out[j].Action)
	})
	return out, nil
}

func (m *mockStore) Delete(_ context.Context, provider, model, action string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := Key(provider, model, action)
	_, ok := m.rows[k]
	delete(m.rows, k)
	return ok, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPrice_Precedence(t *testing.T) {
	defaults := map[string]decimal.Decimal{
		"kling//":           dec("50"),
		"nano_banana//edit": dec("12"),
		"nano_banana//":     dec("10"),
	}
	svc := NewService(newMockStore(), defaults, nil)
	ctx := context.Background()

	check := func(provider, model, action, want string) {
		t.Helper()
		got, err := svc.Price(ctx, provider, model, action)
		if err != nil {
			t.Fatalf("Price(%s/%s/%s): %v", provider, model, action, err)
		}
		if !got.Equal(dec(want)) {
			t.Errorf("Price(%s/%s/%s): got %s, want %s", provider, model, action, got, want)
		}
	}

	check("kling", "kling-v1", "5sec", "50")
	check("nano_banana", "", "edit", "12")
	check("nano_banana", "", "generation", "10")

	svc.Set(ctx, "kling", "", "", dec("55"), "admin")
	check("kling", "kling-v1", "5sec", "55")

	svc.Set(ctx, "kling", "kling-v1", "", dec("60"), "admin")
	check("kling", "kling-v1", "10sec", "60")

	svc.Set(ctx, "kling", "kling-v1", "5sec", dec("65"), "admin")
	check("kling", "kling-v1", "5sec", "65")
	check("kling", "kling-v1-5", "5sec", "55")
}

func TestPrice_Unknown(t *testing.T) {
	svc := NewService(newMockStore(), nil, nil)
	if _, err := svc.Price(context.Background(), "nobody", "", ""); !errors.Is(err, ErrNoPrice) {
		t.Errorf("got %v, want ErrNoPrice", err)
	}
}

func TestSet_Validation(t *testing.T) {
	svc := NewService(newMockStore(), nil, nil)
	ctx := context.Background()
	if _, err := svc.Set(ctx, " ", "", "", dec("1"), "a"); !errors.Is(err, ErrEmptyProvider) {
		t.Errorf("empty provider: got %v", err)
	}
	if _, err := svc.Set(ctx, "kling", "", "", dec("-1"), "a"); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("negative price: got %v", err)
	}
}

func TestDelete(t *testing.T) {
	svc := NewService(newMockStore(), map[string]decimal.Decimal{"kling//": dec("50")}, nil)
	ctx := context.Background()
	svc.Set(ctx, "kling", "", "", dec("70"), "admin")

	if err := svc.Delete(ctx, "kling", "", ""); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := svc.Delete(ctx, "kling", "", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
	got, _ := svc.Price(ctx, "kling", "", "")
	if !got.Equal(dec("50")) {
		t.Errorf("price after delete: got %s, want default 50", got)
	}
	list, _ := svc.List(ctx)
	if len(list) != 0 {
		t.Errorf("List: got %d overrides, want 0", len(list))
	}
}
